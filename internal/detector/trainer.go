package detector

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
	"github.com/sentinalhq/sentinal/pkg/logger"
)

var validate = validator.New()

// TrainConfig controls one training run. Validation runs every EvalInterval
// epochs; Patience counts stale validation checks, not epochs.
type TrainConfig struct {
	HiddenDim    int     `validate:"required,min=2"`
	Epochs       int     `validate:"required,min=1"`
	LearningRate float64 `validate:"required,gt=0"`
	WeightDecay  float64 `validate:"gte=0"`
	Dropout      float64 `validate:"gte=0,lt=1"`
	EvalInterval int     `validate:"required,min=1"`
	Patience     int     `validate:"required,min=1"`
	TrainRatio   float64 `validate:"required,gt=0,lt=1"`
	ValRatio     float64 `validate:"required,gt=0,lt=1"`
	Seed         int64
}

// DefaultTrainConfig mirrors the tuned hyperparameters: a 60/20/20 split,
// validation every 20 epochs with early stopping after 20 stale checks,
// dropout 0.3, L2 weight decay 5e-4.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		HiddenDim:    16,
		Epochs:       200,
		LearningRate: 0.01,
		WeightDecay:  5e-4,
		Dropout:      0.3,
		EvalInterval: 20,
		Patience:     20,
		TrainRatio:   0.6,
		ValRatio:     0.2,
		Seed:         42,
	}
}

// Metrics summarizes model quality on the held-out test split. Precision,
// recall and F1 are for the fraud class.
type Metrics struct {
	Accuracy      float64 `json:"accuracy"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
	BestValAcc    float64 `json:"best_val_accuracy"`
	EpochsTrained int     `json:"epochs_trained"`
}

// Train fits a fraud detector on the generated graph. Accounts are split
// train/validation/test stratified by label; class imbalance is corrected with
// inverse-frequency loss weights computed on the train split only. The
// validation split drives early stopping and best-checkpoint selection and
// never contributes gradients. A label set with no fraud examples fails fast
// with a data error.
func Train(g *graph.Graph, labels *graph.Labels, cfg TrainConfig) (*Model, *Metrics, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, nil, common.NewConfigurationError(fmt.Sprintf("invalid training config: %v", err))
	}
	if cfg.TrainRatio+cfg.ValRatio >= 1 {
		return nil, nil, common.NewConfigurationError("train and validation ratios must leave room for a test split")
	}

	ids := g.AccountIDs()
	if len(ids) == 0 {
		return nil, nil, common.NewDataError("graph has no accounts")
	}

	y := make([]int, len(ids))
	positives := 0
	for i, id := range ids {
		if labels.Accounts[id] {
			y[i] = 1
			positives++
		}
	}
	if positives == 0 {
		return nil, nil, common.NewDataError("training labels contain no fraud examples")
	}
	if positives == len(ids) {
		return nil, nil, common.NewDataError("training labels contain no normal examples")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	split := stratifiedSplit(y, cfg.TrainRatio, cfg.ValRatio, rng)
	logger.Info("training split",
		zap.Int("train", len(split.train)),
		zap.Int("val", len(split.val)),
		zap.Int("test", len(split.test)),
		zap.Int("fraud_total", positives))

	classWeights, err := inverseFrequencyWeights(y, split.train)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("class weights",
		zap.Float64("normal", classWeights[0]),
		zap.Float64("fraud", classWeights[1]))

	inputDim := len(mustAccount(g, ids[0]).Features)
	model := newModel(inputDim, cfg.HiddenDim, rng)

	x, index, err := model.featureMatrix(g)
	if err != nil {
		return nil, nil, err
	}
	adj := buildAdjacency(g, index)

	opt := newAdam(cfg.LearningRate, cfg.WeightDecay, model.parameters())
	scheduler := newPlateauScheduler(opt)

	bestValAcc := 0.0
	stale := 0
	epochsRun := 0
	var best *Model

	// Validation, patience counting and LR scheduling all run on the
	// EvalInterval cadence; intermediate epochs only take gradient steps.
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		epochsRun = epoch
		loss := model.trainEpoch(x, adj, y, split.train, classWeights, cfg.Dropout, rng, opt)

		if epoch%cfg.EvalInterval != 0 {
			continue
		}

		valAcc := accuracyOn(model, x, adj, y, split.val)
		scheduler.step(valAcc)
		if valAcc > bestValAcc || best == nil {
			bestValAcc = valAcc
			stale = 0
			best = model.snapshot()
		} else {
			stale++
		}

		logger.Info("training progress",
			zap.Int("epoch", epoch),
			zap.Float64("loss", loss),
			zap.Float64("val_accuracy", valAcc),
			zap.Float64("best_val_accuracy", bestValAcc))

		if stale >= cfg.Patience {
			logger.Info("early stopping", zap.Int("epoch", epoch), zap.Float64("best_val_accuracy", bestValAcc))
			break
		}
	}

	if best != nil {
		model.restore(best)
	}

	metrics := evaluate(model, x, adj, y, split.test)
	metrics.BestValAcc = bestValAcc
	metrics.EpochsTrained = epochsRun
	logger.Info("training complete",
		zap.Float64("test_accuracy", metrics.Accuracy),
		zap.Float64("test_f1", metrics.F1),
		zap.Int("epochs", epochsRun))

	return model, metrics, nil
}

func mustAccount(g *graph.Graph, id int64) graph.Account {
	account, _ := g.Account(id)
	return account
}

type splitIndices struct {
	train, val, test []int
}

// stratifiedSplit partitions node indices per class so both labels appear in
// every split whenever the class has enough members. Each class present in
// the data contributes at least one training example.
func stratifiedSplit(y []int, trainRatio, valRatio float64, rng *rand.Rand) splitIndices {
	byClass := map[int][]int{}
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}

	var split splitIndices
	for _, class := range []int{0, 1} {
		members := byClass[class]
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })

		n := len(members)
		nTrain := int(float64(n) * trainRatio)
		if nTrain == 0 && n > 0 {
			nTrain = 1
		}
		nVal := int(float64(n) * valRatio)
		if nTrain+nVal > n {
			nVal = n - nTrain
		}

		split.train = append(split.train, members[:nTrain]...)
		split.val = append(split.val, members[nTrain:nTrain+nVal]...)
		split.test = append(split.test, members[nTrain+nVal:]...)
	}
	return split
}

// inverseFrequencyWeights computes per-class loss weights from the train
// split only, normalized so they sum to the class count.
func inverseFrequencyWeights(y []int, train []int) ([numClasses]float64, error) {
	var counts [numClasses]int
	for _, i := range train {
		counts[y[i]]++
	}
	if counts[1] == 0 {
		return [numClasses]float64{}, common.NewDataError("train split has no fraud examples")
	}
	if counts[0] == 0 {
		return [numClasses]float64{}, common.NewDataError("train split has no normal examples")
	}

	var weights [numClasses]float64
	sum := 0.0
	for c := 0; c < numClasses; c++ {
		weights[c] = 1.0 / float64(counts[c])
		sum += weights[c]
	}
	for c := 0; c < numClasses; c++ {
		weights[c] = weights[c] / sum * numClasses
	}
	return weights, nil
}

// parameters returns every learnable tensor as a flat slice view; Adam
// updates them in place.
func (m *Model) parameters() [][]float64 {
	var params [][]float64
	for _, layer := range []*relLayer{m.layer1, m.layer2} {
		for _, w := range layer.rel {
			params = append(params, w.data)
		}
		params = append(params, layer.self.data, layer.bias)
	}
	params = append(params, m.outWeight.data, m.outBias)
	return params
}

// snapshot deep-copies the weights for best-checkpoint selection.
func (m *Model) snapshot() *Model {
	clone := &Model{
		inputDim:     m.inputDim,
		hiddenDim:    m.hiddenDim,
		numRelations: m.numRelations,
		layer1:       m.layer1.clone(),
		layer2:       m.layer2.clone(),
		outWeight:    m.outWeight.clone(),
		outBias:      append([]float64(nil), m.outBias...),
	}
	return clone
}

func (m *Model) restore(from *Model) {
	src := from.parameters()
	dst := m.parameters()
	for i := range dst {
		copy(dst[i], src[i])
	}
}

func (l *relLayer) clone() *relLayer {
	clone := &relLayer{
		rel:  make([]*matrix, len(l.rel)),
		self: l.self.clone(),
		bias: append([]float64(nil), l.bias...),
	}
	for r, w := range l.rel {
		clone.rel[r] = w.clone()
	}
	return clone
}

// trainEpoch runs one full-batch forward/backward pass and applies the Adam
// update. Returns the weighted negative log-likelihood over the train split.
func (m *Model) trainEpoch(x *matrix, adj *adjacency, y []int, train []int, classWeights [numClasses]float64, dropout float64, rng *rand.Rand, opt *adam) float64 {
	// Forward with inverted dropout.
	z1, agg1 := m.layer1.forward(x, adj)
	mask1 := reluForward(z1)
	drop1 := applyDropout(z1, dropout, rng)

	z2, agg2 := m.layer2.forward(z1, adj)
	mask2 := reluForward(z2)
	drop2 := applyDropout(z2, dropout, rng)

	logits := matMul(z2, m.outWeight)
	addRowVector(logits, m.outBias)

	probs := newMatrix(logits.rows, numClasses)
	for i := 0; i < logits.rows; i++ {
		p0, p1 := softmax2(logits.at(i, 0), logits.at(i, 1))
		probs.set(i, 0, p0)
		probs.set(i, 1, p1)
	}

	weightSum := 0.0
	for _, i := range train {
		weightSum += classWeights[y[i]]
	}

	loss := 0.0
	dLogits := newMatrix(logits.rows, numClasses)
	for _, i := range train {
		w := classWeights[y[i]] / weightSum
		loss -= w * math.Log(math.Max(probs.at(i, y[i]), 1e-12))
		for c := 0; c < numClasses; c++ {
			target := 0.0
			if c == y[i] {
				target = 1.0
			}
			dLogits.set(i, c, w*(probs.at(i, c)-target))
		}
	}

	// Backward through the output head.
	gradOutW := matMulAT(z2, dLogits)
	gradOutB := columnSums(dLogits)
	dH2 := matMulBT(dLogits, m.outWeight)

	applyDropoutGrad(dH2, drop2)
	reluBackward(dH2, mask2)

	// Layer 2 gradients.
	grad2 := m.layer2.gradients(agg2, z1, dH2)
	dH1 := m.layer2.backprop(adj, dH2)

	applyDropoutGrad(dH1, drop1)
	reluBackward(dH1, mask1)

	// Layer 1 gradients.
	grad1 := m.layer1.gradients(agg1, x, dH1)

	var grads [][]float64
	grads = append(grads, grad1...)
	grads = append(grads, grad2...)
	grads = append(grads, gradOutW.data, gradOutB)
	opt.step(grads)

	return loss
}

// gradients computes the layer's weight gradients: per-relation from the
// cached aggregates, self-loop from the layer input, bias from column sums.
func (l *relLayer) gradients(aggs []*matrix, input *matrix, dZ *matrix) [][]float64 {
	var grads [][]float64
	for r := range l.rel {
		grads = append(grads, matMulAT(aggs[r], dZ).data)
	}
	grads = append(grads, matMulAT(input, dZ).data, columnSums(dZ))
	return grads
}

// backprop pushes the gradient through the layer to its input.
func (l *relLayer) backprop(adj *adjacency, dZ *matrix) *matrix {
	dIn := matMulBT(dZ, l.self)
	for r := range l.rel {
		addInPlace(dIn, matMulBT(adj.propagateT(r, dZ), l.rel[r]))
	}
	return dIn
}

// applyDropout zeroes units in place with probability p and rescales the
// survivors, returning the applied mask. A nil mask means dropout was
// disabled.
func applyDropout(m *matrix, p float64, rng *rand.Rand) []float64 {
	if p <= 0 {
		return nil
	}
	keep := 1.0 - p
	mask := make([]float64, len(m.data))
	for i := range m.data {
		if rng.Float64() < keep {
			mask[i] = 1.0 / keep
			m.data[i] *= mask[i]
		} else {
			m.data[i] = 0
		}
	}
	return mask
}

func applyDropoutGrad(grad *matrix, mask []float64) {
	if mask == nil {
		return
	}
	for i := range grad.data {
		grad.data[i] *= mask[i]
	}
}

// evalProbs runs a dropout-free forward pass over cached inputs.
func evalProbs(m *Model, x *matrix, adj *adjacency) *matrix {
	z1, _ := m.layer1.forward(x, adj)
	reluForward(z1)
	z2, _ := m.layer2.forward(z1, adj)
	reluForward(z2)
	logits := matMul(z2, m.outWeight)
	addRowVector(logits, m.outBias)

	probs := newMatrix(logits.rows, numClasses)
	for i := 0; i < logits.rows; i++ {
		p0, p1 := softmax2(logits.at(i, 0), logits.at(i, 1))
		probs.set(i, 0, p0)
		probs.set(i, 1, p1)
	}
	return probs
}

func accuracyOn(m *Model, x *matrix, adj *adjacency, y []int, idxs []int) float64 {
	if len(idxs) == 0 {
		return 0
	}
	probs := evalProbs(m, x, adj)
	correct := 0
	for _, i := range idxs {
		pred := 0
		if probs.at(i, 1) > probs.at(i, 0) {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(idxs))
}

func evaluate(m *Model, x *matrix, adj *adjacency, y []int, idxs []int) *Metrics {
	probs := evalProbs(m, x, adj)

	var tp, fp, fn, correct int
	for _, i := range idxs {
		pred := 0
		if probs.at(i, 1) > probs.at(i, 0) {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
		switch {
		case pred == 1 && y[i] == 1:
			tp++
		case pred == 1 && y[i] == 0:
			fp++
		case pred == 0 && y[i] == 1:
			fn++
		}
	}

	metrics := &Metrics{}
	if len(idxs) > 0 {
		metrics.Accuracy = float64(correct) / float64(len(idxs))
	}
	if tp+fp > 0 {
		metrics.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		metrics.Recall = float64(tp) / float64(tp+fn)
	}
	if metrics.Precision+metrics.Recall > 0 {
		metrics.F1 = 2 * metrics.Precision * metrics.Recall / (metrics.Precision + metrics.Recall)
	}
	return metrics
}

// adam implements the Adam optimizer over flat parameter views. Weight decay
// is classic L2: added to the raw gradient before the moment updates.
type adam struct {
	lr, beta1, beta2, eps float64
	weightDecay           float64
	t                     int
	params                [][]float64
	m, v                  [][]float64
}

func newAdam(lr, weightDecay float64, params [][]float64) *adam {
	opt := &adam{
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		params:      params,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float64, len(p))
		opt.v[i] = make([]float64, len(p))
	}
	return opt
}

func (a *adam) step(grads [][]float64) {
	a.t++
	bc1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1.0 - math.Pow(a.beta2, float64(a.t))
	for i, p := range a.params {
		g := grads[i]
		for j := range p {
			grad := g[j] + a.weightDecay*p[j]
			a.m[i][j] = a.beta1*a.m[i][j] + (1-a.beta1)*grad
			a.v[i][j] = a.beta2*a.v[i][j] + (1-a.beta2)*grad*grad
			mHat := a.m[i][j] / bc1
			vHat := a.v[i][j] / bc2
			p[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// plateauScheduler halves the learning rate when validation accuracy stops
// improving for plateauPatience consecutive checks.
type plateauScheduler struct {
	opt   *adam
	best  float64
	stale int
}

const (
	plateauPatience = 10
	plateauFactor   = 0.5
)

func newPlateauScheduler(opt *adam) *plateauScheduler {
	return &plateauScheduler{opt: opt}
}

func (s *plateauScheduler) step(valAcc float64) {
	if valAcc > s.best {
		s.best = valAcc
		s.stale = 0
		return
	}
	s.stale++
	if s.stale >= plateauPatience {
		s.opt.lr *= plateauFactor
		s.stale = 0
		logger.Debug("learning rate reduced on plateau", zap.Float64("lr", s.opt.lr))
	}
}
