package graph

import (
	"fmt"
	"sort"

	"github.com/sentinalhq/sentinal/pkg/common"
)

// RelationType enumerates the transaction edge types. Each relation gets its
// own learned transform in the detector.
type RelationType string

const (
	RelationPayment    RelationType = "payment"
	RelationTransfer   RelationType = "transfer"
	RelationWithdrawal RelationType = "withdrawal"
)

// Relations lists all relation types in a fixed order. The detector indexes
// its per-relation weights by position in this slice.
var Relations = []RelationType{RelationPayment, RelationTransfer, RelationWithdrawal}

// IsValid reports whether r is one of the enumerated relation types.
func (r RelationType) IsValid() bool {
	for _, known := range Relations {
		if r == known {
			return true
		}
	}
	return false
}

// Index returns the position of r in Relations, or -1 for unknown relations.
func (r RelationType) Index() int {
	for i, known := range Relations {
		if r == known {
			return i
		}
	}
	return -1
}

// Account is a node in the transaction graph. Features is the numeric vector
// the detector consumes. Ground-truth labels are deliberately not part of the
// account: they live in the out-of-band Labels map so the inference path
// cannot read them.
type Account struct {
	ID       int64     `json:"id"`
	Features []float64 `json:"features"`
}

// Transaction is a typed directed edge between two accounts. Timestamp is
// unix nanoseconds.
type Transaction struct {
	ID        int64        `json:"id"`
	From      int64        `json:"from"`
	To        int64        `json:"to"`
	Amount    float64      `json:"amount"`
	Timestamp int64        `json:"timestamp"`
	Relation  RelationType `json:"relation"`
}

// Labels holds generator-assigned ground truth, kept separate from the graph
// so it can be withheld from the inference path.
type Labels struct {
	Accounts     map[int64]bool `json:"accounts"`
	Transactions map[int64]bool `json:"transactions"`
}

// NewLabels returns an empty label set.
func NewLabels() *Labels {
	return &Labels{
		Accounts:     make(map[int64]bool),
		Transactions: make(map[int64]bool),
	}
}

// FraudCount returns the number of accounts labeled fraudulent.
func (l *Labels) FraudCount() int {
	count := 0
	for _, fraud := range l.Accounts {
		if fraud {
			count++
		}
	}
	return count
}

// ScoreTable records the detector's fraud probability per account. It is
// owned by the scoring pass and kept outside the immutable graph.
type ScoreTable map[int64]float64

// Builder accumulates accounts and transactions and produces an immutable
// Graph snapshot. It is not safe for concurrent use; the Graph it builds is.
type Builder struct {
	accounts map[int64]Account
	order    []int64
	txs      []Transaction
	txIDs    map[int64]struct{}
	nextTxID int64
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		accounts: make(map[int64]Account),
		txIDs:    make(map[int64]struct{}),
		nextTxID: 1,
	}
}

// AddAccount registers a node. Duplicate IDs are rejected.
func (b *Builder) AddAccount(account Account) error {
	if _, exists := b.accounts[account.ID]; exists {
		return common.NewConfigurationError(fmt.Sprintf("duplicate account id %d", account.ID))
	}
	b.accounts[account.ID] = account
	b.order = append(b.order, account.ID)
	return nil
}

// AddTransaction appends a typed edge, assigning it the next transaction ID.
// Both endpoints must already exist, the amount must be non-negative and the
// relation must be one of the enumerated set.
func (b *Builder) AddTransaction(from, to int64, amount float64, timestamp int64, relation RelationType) (int64, error) {
	if _, ok := b.accounts[from]; !ok {
		return 0, common.NewConfigurationError(fmt.Sprintf("transaction source account %d does not exist", from))
	}
	if _, ok := b.accounts[to]; !ok {
		return 0, common.NewConfigurationError(fmt.Sprintf("transaction destination account %d does not exist", to))
	}
	if amount < 0 {
		return 0, common.NewConfigurationError(fmt.Sprintf("negative transaction amount %.2f", amount))
	}
	if !relation.IsValid() {
		return 0, common.NewConfigurationError(fmt.Sprintf("unknown relation type %q", relation))
	}

	id := b.nextTxID
	b.nextTxID++
	b.txs = append(b.txs, Transaction{
		ID:        id,
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: timestamp,
		Relation:  relation,
	})
	b.txIDs[id] = struct{}{}
	return id, nil
}

// addExisting restores a transaction with its original ID during decoding.
func (b *Builder) addExisting(tx Transaction) error {
	if _, ok := b.accounts[tx.From]; !ok {
		return common.NewConfigurationError(fmt.Sprintf("transaction %d references unknown source %d", tx.ID, tx.From))
	}
	if _, ok := b.accounts[tx.To]; !ok {
		return common.NewConfigurationError(fmt.Sprintf("transaction %d references unknown destination %d", tx.ID, tx.To))
	}
	if !tx.Relation.IsValid() {
		return common.NewConfigurationError(fmt.Sprintf("transaction %d has unknown relation %q", tx.ID, tx.Relation))
	}
	if _, dup := b.txIDs[tx.ID]; dup {
		return common.NewConfigurationError(fmt.Sprintf("duplicate transaction id %d", tx.ID))
	}
	b.txs = append(b.txs, tx)
	b.txIDs[tx.ID] = struct{}{}
	if tx.ID >= b.nextTxID {
		b.nextTxID = tx.ID + 1
	}
	return nil
}

// NumAccounts returns the number of accounts added so far.
func (b *Builder) NumAccounts() int {
	return len(b.accounts)
}

// Build freezes the accumulated state into an immutable Graph with adjacency
// indexes. The builder must not be used after Build.
func (b *Builder) Build() *Graph {
	g := &Graph{
		accounts:   b.accounts,
		accountIDs: make([]int64, len(b.order)),
		txs:        b.txs,
		txByID:     make(map[int64]int, len(b.txs)),
		out:        make(map[int64][]int),
		in:         make(map[int64][]int),
	}
	copy(g.accountIDs, b.order)
	sort.Slice(g.accountIDs, func(i, j int) bool { return g.accountIDs[i] < g.accountIDs[j] })

	for i, tx := range g.txs {
		g.txByID[tx.ID] = i
		g.out[tx.From] = append(g.out[tx.From], i)
		g.in[tx.To] = append(g.in[tx.To], i)
	}
	return g
}

// Graph is an immutable snapshot of the transaction network. All reads are
// safe for concurrent use without locking.
type Graph struct {
	accounts   map[int64]Account
	accountIDs []int64
	txs        []Transaction
	txByID     map[int64]int
	out        map[int64][]int
	in         map[int64][]int
}

// Account returns the account with the given ID.
func (g *Graph) Account(id int64) (Account, bool) {
	account, ok := g.accounts[id]
	return account, ok
}

// HasAccount reports whether the account exists.
func (g *Graph) HasAccount(id int64) bool {
	_, ok := g.accounts[id]
	return ok
}

// AccountIDs returns all account IDs in ascending order. The returned slice
// must not be modified.
func (g *Graph) AccountIDs() []int64 {
	return g.accountIDs
}

// NumAccounts returns the number of accounts.
func (g *Graph) NumAccounts() int {
	return len(g.accounts)
}

// NumTransactions returns the number of transactions.
func (g *Graph) NumTransactions() int {
	return len(g.txs)
}

// Transaction returns the transaction with the given ID.
func (g *Graph) Transaction(id int64) (Transaction, bool) {
	i, ok := g.txByID[id]
	if !ok {
		return Transaction{}, false
	}
	return g.txs[i], true
}

// Transactions returns all transactions in insertion order. The returned
// slice must not be modified.
func (g *Graph) Transactions() []Transaction {
	return g.txs
}

// Outgoing returns the transactions leaving the account.
func (g *Graph) Outgoing(id int64) []Transaction {
	return g.collect(g.out[id])
}

// Incoming returns the transactions arriving at the account.
func (g *Graph) Incoming(id int64) []Transaction {
	return g.collect(g.in[id])
}

func (g *Graph) collect(indexes []int) []Transaction {
	if len(indexes) == 0 {
		return nil
	}
	txs := make([]Transaction, len(indexes))
	for i, idx := range indexes {
		txs[i] = g.txs[idx]
	}
	return txs
}

// Neighborhood is the induced subgraph of all accounts within k hops of a
// center account, in either edge direction. It is a read-only view derived
// from the graph.
type Neighborhood struct {
	Center       int64         `json:"center"`
	Hops         int           `json:"hops"`
	Accounts     []int64       `json:"accounts"`
	Transactions []Transaction `json:"transactions"`
}

// Neighborhood extracts the k-hop neighborhood around accountID via BFS over
// both incoming and outgoing edges. Accounts are sorted ascending and the
// induced transactions are ordered by ID for determinism.
func (g *Graph) Neighborhood(accountID int64, k int) (*Neighborhood, error) {
	if !g.HasAccount(accountID) {
		return nil, common.NewNotFoundError(fmt.Sprintf("account %d not found", accountID))
	}

	visited := map[int64]struct{}{accountID: {}}
	frontier := []int64{accountID}
	for hop := 0; hop < k && len(frontier) > 0; hop++ {
		var next []int64
		for _, id := range frontier {
			for _, idx := range g.out[id] {
				if to := g.txs[idx].To; !seen(visited, to) {
					visited[to] = struct{}{}
					next = append(next, to)
				}
			}
			for _, idx := range g.in[id] {
				if from := g.txs[idx].From; !seen(visited, from) {
					visited[from] = struct{}{}
					next = append(next, from)
				}
			}
		}
		frontier = next
	}

	accounts := make([]int64, 0, len(visited))
	for id := range visited {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	var txs []Transaction
	for _, tx := range g.txs {
		if seen(visited, tx.From) && seen(visited, tx.To) {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })

	return &Neighborhood{
		Center:       accountID,
		Hops:         k,
		Accounts:     accounts,
		Transactions: txs,
	}, nil
}

func seen(set map[int64]struct{}, id int64) bool {
	_, ok := set[id]
	return ok
}
