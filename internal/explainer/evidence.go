package explainer

import (
	"sort"
	"time"

	"github.com/sentinalhq/sentinal/internal/graph"
)

// ReasonCode is a fixed enumerated classification of why an account was
// flagged, independent of the free-text narrative.
type ReasonCode string

const (
	ReasonCyclicFlow       ReasonCode = "cyclic-flow"
	ReasonRapidPassthrough ReasonCode = "rapid-passthrough"
	ReasonFanOut           ReasonCode = "fan-out"
	ReasonNone             ReasonCode = "none"
)

// Evidence is the deterministic structural and temporal evidence computed
// over an account's k-hop neighborhood. Given the same graph and score table
// it is always identical.
type Evidence struct {
	AccountID        int64               `json:"account_id"`
	Hops             int                 `json:"hops"`
	NeighborhoodSize int                 `json:"neighborhood_size"`
	Cycle            []int64             `json:"cycle,omitempty"`
	CycleEdges       []graph.Transaction `json:"cycle_edges,omitempty"`
	RetentionRatios  []float64           `json:"retention_ratios,omitempty"`
	MaxTxInWindow    int                 `json:"max_tx_in_window"`
	FanOut           int                 `json:"fan_out"`
	FanIn            int                 `json:"fan_in"`
	FlaggedNeighbors int                 `json:"flagged_neighbors"`
}

// extractEvidence runs the deterministic evidence pipeline: neighborhood
// extraction, shortest-cycle detection, retention ratios, time clustering,
// degree counts and flagged-neighbor counts.
func extractEvidence(g *graph.Graph, scores graph.ScoreTable, threshold float64, accountID int64, hops int, clusterWindow time.Duration) (*Evidence, error) {
	hood, err := g.Neighborhood(accountID, hops)
	if err != nil {
		return nil, err
	}

	evidence := &Evidence{
		AccountID:        accountID,
		Hops:             hops,
		NeighborhoodSize: len(hood.Accounts),
		FanOut:           len(g.Outgoing(accountID)),
		FanIn:            len(g.Incoming(accountID)),
	}

	cycle, edges := shortestCycle(hood, accountID)
	evidence.Cycle = cycle
	evidence.CycleEdges = edges
	evidence.RetentionRatios = retentionRatios(edges)
	evidence.MaxTxInWindow = maxTransactionsInWindow(g, accountID, clusterWindow)

	for _, id := range hood.Accounts {
		if id != accountID && scores[id] >= threshold {
			evidence.FlaggedNeighbors++
		}
	}
	return evidence, nil
}

// classify picks the dominant pattern. A qualifying cycle always takes
// precedence over the temporal and degree rules.
func classify(evidence *Evidence, rapidThreshold, fanOutThreshold int) ReasonCode {
	switch {
	case len(evidence.Cycle) > 0:
		return ReasonCyclicFlow
	case evidence.MaxTxInWindow >= rapidThreshold:
		return ReasonRapidPassthrough
	case evidence.FanOut >= fanOutThreshold:
		return ReasonFanOut
	default:
		return ReasonNone
	}
}

// shortestCycle finds the shortest directed cycle through the center account,
// restricted to the neighborhood. Ties are broken by smallest total
// transferred amount, then by lowest account-ID sum. Returns the node path
// (first node repeated implicitly by the closing edge) and the chosen
// transaction per hop.
func shortestCycle(hood *graph.Neighborhood, center int64) ([]int64, []graph.Transaction) {
	// Cheapest deterministic edge per ordered pair: lowest amount, then
	// lowest transaction ID.
	adj := make(map[int64][]graph.Transaction)
	best := make(map[[2]int64]graph.Transaction)
	for _, tx := range hood.Transactions {
		key := [2]int64{tx.From, tx.To}
		if prev, ok := best[key]; !ok || tx.Amount < prev.Amount || (tx.Amount == prev.Amount && tx.ID < prev.ID) {
			best[key] = tx
		}
	}
	for _, tx := range best {
		adj[tx.From] = append(adj[tx.From], tx)
	}
	for from := range adj {
		edges := adj[from]
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
	}

	maxLen := len(hood.Accounts)
	for length := 2; length <= maxLen; length++ {
		if cycle, edges := bestCycleOfLength(adj, center, length); cycle != nil {
			return cycle, edges
		}
	}
	return nil, nil
}

type cycleCandidate struct {
	nodes []int64
	edges []graph.Transaction
}

// bestCycleOfLength enumerates all simple cycles of exactly the given length
// through the center and returns the winner under the tie-break rules, or nil.
func bestCycleOfLength(adj map[int64][]graph.Transaction, center int64, length int) ([]int64, []graph.Transaction) {
	var winner *cycleCandidate
	var winnerAmount float64
	var winnerIDSum int64

	path := []int64{center}
	edges := make([]graph.Transaction, 0, length)
	onPath := map[int64]bool{center: true}

	var dfs func(current int64, depth int)
	dfs = func(current int64, depth int) {
		for _, tx := range adj[current] {
			if depth == length {
				if tx.To != center {
					continue
				}
				candidate := cycleCandidate{
					nodes: append([]int64(nil), path...),
					edges: append(append([]graph.Transaction(nil), edges...), tx),
				}
				amount, idSum := cycleCost(candidate)
				if winner == nil || amount < winnerAmount || (amount == winnerAmount && idSum < winnerIDSum) {
					winner = &candidate
					winnerAmount = amount
					winnerIDSum = idSum
				}
				continue
			}
			if onPath[tx.To] {
				continue
			}
			onPath[tx.To] = true
			path = append(path, tx.To)
			edges = append(edges, tx)
			dfs(tx.To, depth+1)
			edges = edges[:len(edges)-1]
			path = path[:len(path)-1]
			onPath[tx.To] = false
		}
	}
	dfs(center, 1)

	if winner == nil {
		return nil, nil
	}
	return winner.nodes, winner.edges
}

func cycleCost(c cycleCandidate) (float64, int64) {
	amount := 0.0
	for _, tx := range c.edges {
		amount += tx.Amount
	}
	var idSum int64
	for _, id := range c.nodes {
		idSum += id
	}
	return amount, idSum
}

// retentionRatios computes the per-hop forwarded fraction along the cycle.
func retentionRatios(edges []graph.Transaction) []float64 {
	if len(edges) < 2 {
		return nil
	}
	ratios := make([]float64, 0, len(edges)-1)
	for i := 1; i < len(edges); i++ {
		if edges[i-1].Amount == 0 {
			ratios = append(ratios, 0)
			continue
		}
		ratios = append(ratios, edges[i].Amount/edges[i-1].Amount)
	}
	return ratios
}

// maxTransactionsInWindow slides a time window over the account's incident
// transactions and returns the largest count observed.
func maxTransactionsInWindow(g *graph.Graph, accountID int64, window time.Duration) int {
	var stamps []int64
	for _, tx := range g.Outgoing(accountID) {
		stamps = append(stamps, tx.Timestamp)
	}
	for _, tx := range g.Incoming(accountID) {
		stamps = append(stamps, tx.Timestamp)
	}
	if len(stamps) == 0 {
		return 0
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	span := window.Nanoseconds()
	max := 1
	lo := 0
	for hi := range stamps {
		for stamps[hi]-stamps[lo] > span {
			lo++
		}
		if count := hi - lo + 1; count > max {
			max = count
		}
	}
	return max
}
