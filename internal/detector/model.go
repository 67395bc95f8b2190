package detector

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
)

// relLayer is one relational graph-convolution layer: a learned transform per
// relation type plus a self-loop transform, combined additively.
type relLayer struct {
	rel  []*matrix
	self *matrix
	bias []float64
}

func newRelLayer(in, out, numRelations int, rng *rand.Rand) *relLayer {
	layer := &relLayer{
		rel:  make([]*matrix, numRelations),
		self: newMatrix(in, out),
		bias: make([]float64, out),
	}
	for r := range layer.rel {
		layer.rel[r] = newMatrix(in, out)
		layer.rel[r].glorotInit(rng)
	}
	layer.self.glorotInit(rng)
	return layer
}

// Model is a two-layer relational graph convolutional network with a dense
// output head producing a two-class distribution per account.
type Model struct {
	inputDim     int
	hiddenDim    int
	numRelations int
	layer1       *relLayer
	layer2       *relLayer
	outWeight    *matrix
	outBias      []float64
}

func newModel(inputDim, hiddenDim int, rng *rand.Rand) *Model {
	numRelations := len(graph.Relations)
	return &Model{
		inputDim:     inputDim,
		hiddenDim:    hiddenDim,
		numRelations: numRelations,
		layer1:       newRelLayer(inputDim, hiddenDim, numRelations, rng),
		layer2:       newRelLayer(hiddenDim, hiddenDim, numRelations, rng),
		outWeight:    glorotMatrix(hiddenDim, numClasses, rng),
		outBias:      make([]float64, numClasses),
	}
}

const numClasses = 2

func glorotMatrix(rows, cols int, rng *rand.Rand) *matrix {
	m := newMatrix(rows, cols)
	m.glorotInit(rng)
	return m
}

// adjacency indexes the graph's edges per relation with per-destination
// in-degrees, so neighbor messages can be mean-normalized per relation.
type adjacency struct {
	n     int
	edges [][]edgeRef
	inDeg [][]float64
}

type edgeRef struct {
	src, dst int
}

func buildAdjacency(g *graph.Graph, index map[int64]int) *adjacency {
	numRelations := len(graph.Relations)
	adj := &adjacency{
		n:     len(index),
		edges: make([][]edgeRef, numRelations),
		inDeg: make([][]float64, numRelations),
	}
	for r := range adj.inDeg {
		adj.inDeg[r] = make([]float64, adj.n)
	}
	for _, tx := range g.Transactions() {
		r := tx.Relation.Index()
		src, dst := index[tx.From], index[tx.To]
		adj.edges[r] = append(adj.edges[r], edgeRef{src: src, dst: dst})
		adj.inDeg[r][dst]++
	}
	return adj
}

// propagate computes the mean-normalized neighbor aggregation Â_r · x for one
// relation. Accounts with no incoming edges of the relation receive zero and
// rely on the self-loop path.
func (a *adjacency) propagate(r int, x *matrix) *matrix {
	out := newMatrix(a.n, x.cols)
	for _, e := range a.edges[r] {
		norm := 1.0 / a.inDeg[r][e.dst]
		for j := 0; j < x.cols; j++ {
			out.add(e.dst, j, norm*x.at(e.src, j))
		}
	}
	return out
}

// propagateT computes the transpose aggregation Â_rᵀ · y, used to push
// gradients back to source nodes.
func (a *adjacency) propagateT(r int, y *matrix) *matrix {
	out := newMatrix(a.n, y.cols)
	for _, e := range a.edges[r] {
		norm := 1.0 / a.inDeg[r][e.dst]
		for j := 0; j < y.cols; j++ {
			out.add(e.src, j, norm*y.at(e.dst, j))
		}
	}
	return out
}

// forward applies the layer: sum over relations of Â_r·input·W_r, plus the
// self-loop term and bias. Returns the pre-activation and the per-relation
// aggregates the backward pass needs.
func (l *relLayer) forward(input *matrix, adj *adjacency) (*matrix, []*matrix) {
	aggs := make([]*matrix, len(l.rel))
	z := matMul(input, l.self)
	for r := range l.rel {
		aggs[r] = adj.propagate(r, input)
		addInPlace(z, matMul(aggs[r], l.rel[r]))
	}
	addRowVector(z, l.bias)
	return z, aggs
}

// featureMatrix assembles the node feature matrix in ascending account-ID
// order, validating feature dimensions against the model.
func (m *Model) featureMatrix(g *graph.Graph) (*matrix, map[int64]int, error) {
	ids := g.AccountIDs()
	index := make(map[int64]int, len(ids))
	x := newMatrix(len(ids), m.inputDim)
	for i, id := range ids {
		account, _ := g.Account(id)
		if len(account.Features) != m.inputDim {
			return nil, nil, common.NewDataError(fmt.Sprintf(
				"account %d has %d features, model expects %d", id, len(account.Features), m.inputDim))
		}
		index[id] = i
		for j, f := range account.Features {
			x.set(i, j, f)
		}
	}
	return x, index, nil
}

// infer runs the full forward pass with dropout disabled and returns the
// per-node fraud probability in ascending account-ID order.
func (m *Model) infer(g *graph.Graph) ([]float64, map[int64]int, error) {
	x, index, err := m.featureMatrix(g)
	if err != nil {
		return nil, nil, err
	}
	adj := buildAdjacency(g, index)

	z1, _ := m.layer1.forward(x, adj)
	reluForward(z1)
	z2, _ := m.layer2.forward(z1, adj)
	reluForward(z2)
	logits := matMul(z2, m.outWeight)
	addRowVector(logits, m.outBias)

	probs := make([]float64, logits.rows)
	for i := 0; i < logits.rows; i++ {
		_, p1 := softmax2(logits.at(i, 0), logits.at(i, 1))
		probs[i] = p1
	}
	return probs, index, nil
}

// softmax2 is a numerically stable two-class softmax.
func softmax2(l0, l1 float64) (float64, float64) {
	max := math.Max(l0, l1)
	e0 := math.Exp(l0 - max)
	e1 := math.Exp(l1 - max)
	sum := e0 + e1
	return e0 / sum, e1 / sum
}

// Score returns the fraud probability for one account. It is a pure function
// of the trained weights and the graph; repeated calls return identical
// results.
func (m *Model) Score(g *graph.Graph, accountID int64) (float64, error) {
	if !g.HasAccount(accountID) {
		return 0, common.NewNotFoundError(fmt.Sprintf("account %d not found", accountID))
	}
	start := time.Now()
	probs, index, err := m.infer(g)
	if err != nil {
		return 0, err
	}
	observeInference(time.Since(start))
	return probs[index[accountID]], nil
}

// ScoreAll scores every account in one forward pass and returns the score
// table.
func (m *Model) ScoreAll(g *graph.Graph) (graph.ScoreTable, error) {
	start := time.Now()
	probs, index, err := m.infer(g)
	if err != nil {
		return nil, err
	}
	observeInference(time.Since(start))

	table := make(graph.ScoreTable, len(index))
	for id, i := range index {
		table[id] = probs[i]
	}
	return table, nil
}

// InputDim returns the feature dimension the model was trained with.
func (m *Model) InputDim() int {
	return m.inputDim
}
