package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
	"github.com/sentinalhq/sentinal/pkg/logger"
)

var validate = validator.New()

// normalWindowHours is the span normal transaction timestamps are spread
// over, 30 days.
const normalWindowHours = 720

// RingSpec describes one cyclic laundering ring to inject. Hop i forwards
// BaseAmount * Retention^i, so amounts decay along the cycle.
type RingSpec struct {
	Size       int           `validate:"required,min=3"`
	BaseAmount float64       `validate:"required,gt=0"`
	Retention  float64       `validate:"required,gt=0,lte=1"`
	Window     time.Duration `validate:"required,min=1"`
}

// FanOutSpec describes a layering pattern: one source splitting BaseAmount
// across Targets destinations, Gap apart.
type FanOutSpec struct {
	Targets    int           `validate:"required,min=2"`
	BaseAmount float64       `validate:"required,gt=0"`
	Gap        time.Duration `validate:"required,min=1"`
}

// RapidFireSpec describes an automated burst: Count payments from one
// account, Gap apart (seconds, not hours).
type RapidFireSpec struct {
	Count      int           `validate:"required,min=2"`
	Gap        time.Duration `validate:"required,min=1"`
	AmountLow  float64       `validate:"required,gt=0"`
	AmountHigh float64       `validate:"required,gtfield=AmountLow"`
}

// ScatterGatherSpec describes a structuring pattern: Sources accounts funnel
// amounts into a hub, which forwards them on to Targets accounts.
type ScatterGatherSpec struct {
	Sources     int     `validate:"required,min=2"`
	Targets     int     `validate:"required,min=2"`
	GatherLow   float64 `validate:"required,gt=0"`
	GatherHigh  float64 `validate:"required,gtfield=GatherLow"`
	ScatterLow  float64 `validate:"required,gt=0"`
	ScatterHigh float64 `validate:"required,gtfield=ScatterLow"`
}

// Config drives one generation run. The same Seed always produces the same
// graph.
type Config struct {
	Population     int   `validate:"required,min=2"`
	NormalTxCount  int   `validate:"min=0"`
	Seed           int64
	BaseTime       time.Time
	Rings          []RingSpec          `validate:"dive"`
	FanOuts        []FanOutSpec        `validate:"dive"`
	RapidFires     []RapidFireSpec     `validate:"dive"`
	ScatterGathers []ScatterGatherSpec `validate:"dive"`
}

// Pattern names recorded in ground-truth annotations.
const (
	PatternCyclicRing    = "cyclic_ring"
	PatternFanOut        = "fanout"
	PatternRapidFire     = "rapidfire"
	PatternScatterGather = "scatter_gather"
)

// PatternAssignment records which accounts a single injected pattern claimed.
type PatternAssignment struct {
	Pattern  string  `json:"pattern"`
	Accounts []int64 `json:"accounts"`
}

// Result is the output of a generation run: the immutable graph plus the
// out-of-band ground truth.
type Result struct {
	Graph    *graph.Graph
	Labels   *graph.Labels
	Patterns []PatternAssignment
}

// run holds the mutable state of one generation pass.
type run struct {
	cfg      Config
	rng      *rand.Rand
	builder  *graph.Builder
	labels   *graph.Labels
	patterns []PatternAssignment
	unused   []int64
	base     time.Time
}

// Generate builds a synthetic transaction graph with the configured fraud
// topologies injected. Patterns never share accounts; when a pattern cannot
// claim enough previously-unused accounts, generation fails with a
// configuration error rather than silently reusing accounts.
func Generate(cfg Config) (*Result, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, common.NewConfigurationError(fmt.Sprintf("invalid generator config: %v", err))
	}

	base := cfg.BaseTime
	if base.IsZero() {
		// Fixed epoch keeps runs reproducible when no window start is given.
		base = time.Unix(1767225600, 0).UTC()
	}

	r := &run{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		builder: graph.NewBuilder(),
		labels:  graph.NewLabels(),
		base:    base,
	}

	r.generateAccounts()

	for i, spec := range cfg.Rings {
		if err := r.injectRing(spec); err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
	}
	for i, spec := range cfg.FanOuts {
		if err := r.injectFanOut(spec); err != nil {
			return nil, fmt.Errorf("fan-out %d: %w", i, err)
		}
	}
	for i, spec := range cfg.RapidFires {
		if err := r.injectRapidFire(spec); err != nil {
			return nil, fmt.Errorf("rapid-fire %d: %w", i, err)
		}
	}
	for i, spec := range cfg.ScatterGathers {
		if err := r.injectScatterGather(spec); err != nil {
			return nil, fmt.Errorf("scatter-gather %d: %w", i, err)
		}
	}

	if err := r.generateNormalTransactions(); err != nil {
		return nil, err
	}

	g := r.builder.Build()
	logger.Info("synthetic graph generated",
		zap.Int("accounts", g.NumAccounts()),
		zap.Int("transactions", g.NumTransactions()),
		zap.Int("fraud_accounts", r.labels.FraudCount()),
		zap.Int("patterns", len(r.patterns)),
		zap.Int64("seed", cfg.Seed))

	return &Result{Graph: g, Labels: r.labels, Patterns: r.patterns}, nil
}

// generateAccounts creates the base population. Features are
// [account_age_days normalized to a 5-year horizon, Beta(2,5) declared risk].
func (r *run) generateAccounts() {
	r.unused = make([]int64, 0, r.cfg.Population)
	for i := 0; i < r.cfg.Population; i++ {
		id := int64(i + 1)
		ageDays := 30 + r.rng.Intn(1796)
		risk := betaSample(r.rng, 2, 5)
		// AddAccount cannot fail here: IDs are sequential and unique.
		_ = r.builder.AddAccount(graph.Account{
			ID:       id,
			Features: []float64{float64(ageDays) / 1825.0, risk},
		})
		r.labels.Accounts[id] = false
		r.unused = append(r.unused, id)
	}
}

// claim removes n random accounts from the unused pool. Claimed accounts are
// never handed to another pattern.
func (r *run) claim(n int, pattern string) ([]int64, error) {
	if n > len(r.unused) {
		return nil, common.NewConfigurationError(fmt.Sprintf(
			"pattern %s needs %d unused accounts, only %d remain", pattern, n, len(r.unused)))
	}
	claimed := make([]int64, n)
	for i := 0; i < n; i++ {
		idx := r.rng.Intn(len(r.unused))
		claimed[i] = r.unused[idx]
		r.unused[idx] = r.unused[len(r.unused)-1]
		r.unused = r.unused[:len(r.unused)-1]
	}
	return claimed, nil
}

func (r *run) injectRing(spec RingSpec) error {
	members, err := r.claim(spec.Size, PatternCyclicRing)
	if err != nil {
		return err
	}

	step := spec.Window / time.Duration(spec.Size)
	for i := 0; i < spec.Size; i++ {
		from := members[i]
		to := members[(i+1)%spec.Size]
		amount := roundCents(spec.BaseAmount * math.Pow(spec.Retention, float64(i)))
		ts := r.base.Add(time.Duration(i) * step).UnixNano()

		txID, err := r.builder.AddTransaction(from, to, amount, ts, graph.RelationTransfer)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = true
		r.labels.Accounts[from] = true
	}

	r.patterns = append(r.patterns, PatternAssignment{Pattern: PatternCyclicRing, Accounts: members})
	logger.Debug("injected cyclic ring", zap.Int64s("accounts", members),
		zap.Float64("base_amount", spec.BaseAmount), zap.Float64("retention", spec.Retention))
	return nil
}

func (r *run) injectFanOut(spec FanOutSpec) error {
	claimed, err := r.claim(spec.Targets+1, PatternFanOut)
	if err != nil {
		return err
	}
	source, targets := claimed[0], claimed[1:]

	// Only the source is fraudulent; the targets receive the layered funds
	// without necessarily being complicit.
	r.labels.Accounts[source] = true
	amount := roundCents(spec.BaseAmount / float64(spec.Targets))
	for i, target := range targets {
		ts := r.base.Add(time.Duration(i) * spec.Gap).UnixNano()
		txID, err := r.builder.AddTransaction(source, target, amount, ts, graph.RelationTransfer)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = true
	}

	r.patterns = append(r.patterns, PatternAssignment{Pattern: PatternFanOut, Accounts: claimed})
	logger.Debug("injected fan-out", zap.Int64("source", source), zap.Int("targets", len(targets)))
	return nil
}

func (r *run) injectRapidFire(spec RapidFireSpec) error {
	claimed, err := r.claim(1, PatternRapidFire)
	if err != nil {
		return err
	}
	source := claimed[0]
	r.labels.Accounts[source] = true

	for i := 0; i < spec.Count; i++ {
		target := r.randomAccountExcept(source)
		amount := uniformAmount(r.rng, spec.AmountLow, spec.AmountHigh)
		ts := r.base.Add(time.Duration(i) * spec.Gap).UnixNano()
		txID, err := r.builder.AddTransaction(source, target, amount, ts, graph.RelationPayment)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = true
	}

	r.patterns = append(r.patterns, PatternAssignment{Pattern: PatternRapidFire, Accounts: claimed})
	logger.Debug("injected rapid-fire burst", zap.Int64("source", source), zap.Int("count", spec.Count))
	return nil
}

func (r *run) injectScatterGather(spec ScatterGatherSpec) error {
	claimed, err := r.claim(spec.Sources+spec.Targets+1, PatternScatterGather)
	if err != nil {
		return err
	}
	hub := claimed[0]
	sources := claimed[1 : spec.Sources+1]
	targets := claimed[spec.Sources+1:]

	r.labels.Accounts[hub] = true

	for i, source := range sources {
		amount := uniformAmount(r.rng, spec.GatherLow, spec.GatherHigh)
		ts := r.base.Add(time.Duration(i) * time.Hour).UnixNano()
		txID, err := r.builder.AddTransaction(source, hub, amount, ts, graph.RelationTransfer)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = true
	}
	for i, target := range targets {
		amount := uniformAmount(r.rng, spec.ScatterLow, spec.ScatterHigh)
		ts := r.base.Add(time.Duration(spec.Sources+i) * time.Hour).UnixNano()
		txID, err := r.builder.AddTransaction(hub, target, amount, ts, graph.RelationTransfer)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = true
	}

	r.patterns = append(r.patterns, PatternAssignment{Pattern: PatternScatterGather, Accounts: claimed})
	logger.Debug("injected scatter-gather", zap.Int64("hub", hub),
		zap.Int("sources", spec.Sources), zap.Int("targets", spec.Targets))
	return nil
}

// generateNormalTransactions emits background traffic between random account
// pairs: log-normal amounts clamped to [10, 5000], random relation,
// timestamps spread over a 30-day window.
func (r *run) generateNormalTransactions() error {
	for i := 0; i < r.cfg.NormalTxCount; i++ {
		from := r.randomAccount()
		to := r.randomAccount()
		if from == to {
			continue
		}
		amount := logNormalAmount(r.rng, 4.5, 1.5)
		relation := graph.Relations[r.rng.Intn(len(graph.Relations))]
		ts := r.base.Add(time.Duration(r.rng.Intn(normalWindowHours+1)) * time.Hour).UnixNano()

		txID, err := r.builder.AddTransaction(from, to, amount, ts, relation)
		if err != nil {
			return err
		}
		r.labels.Transactions[txID] = false
	}
	return nil
}

func (r *run) randomAccount() int64 {
	return int64(r.rng.Intn(r.cfg.Population)) + 1
}

func (r *run) randomAccountExcept(exclude int64) int64 {
	for {
		if id := r.randomAccount(); id != exclude {
			return id
		}
	}
}
