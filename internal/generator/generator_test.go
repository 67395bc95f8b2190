package generator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
)

func baseConfig() Config {
	return Config{
		Population:    100,
		NormalTxCount: 300,
		Seed:          42,
		Rings: []RingSpec{
			{Size: 5, BaseAmount: 1200, Retention: 0.95, Window: 5 * time.Hour},
		},
	}
}

func TestGenerateRing(t *testing.T) {
	result, err := Generate(baseConfig())
	require.NoError(t, err)

	require.Len(t, result.Patterns, 1)
	ring := result.Patterns[0]
	assert.Equal(t, PatternCyclicRing, ring.Pattern)
	require.Len(t, ring.Accounts, 5)

	// Every ring member carries fraud ground truth.
	for _, id := range ring.Accounts {
		assert.True(t, result.Labels.Accounts[id], "ring account %d must be labeled fraud", id)
	}
	assert.Equal(t, 5, result.Labels.FraudCount())

	// The ring's transfer edges decay by the retention ratio and close the
	// cycle with strictly increasing timestamps.
	member := map[int64]bool{}
	for _, id := range ring.Accounts {
		member[id] = true
	}
	var ringTxs []graph.Transaction
	for _, tx := range result.Graph.Transactions() {
		if result.Labels.Transactions[tx.ID] {
			ringTxs = append(ringTxs, tx)
		}
	}
	require.Len(t, ringTxs, 5)
	for i, tx := range ringTxs {
		assert.True(t, member[tx.From])
		assert.True(t, member[tx.To])
		assert.Equal(t, graph.RelationTransfer, tx.Relation)
		want := math.Round(1200*math.Pow(0.95, float64(i))*100) / 100
		assert.InDelta(t, want, tx.Amount, 1e-9)
		if i > 0 {
			assert.Greater(t, tx.Timestamp, ringTxs[i-1].Timestamp)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.FanOuts = []FanOutSpec{{Targets: 8, BaseAmount: 5000, Gap: 5 * time.Minute}}
	cfg.RapidFires = []RapidFireSpec{{Count: 15, Gap: 3 * time.Second, AmountLow: 50, AmountHigh: 200}}

	first, err := Generate(cfg)
	require.NoError(t, err)
	second, err := Generate(cfg)
	require.NoError(t, err)

	assert.Equal(t, first.Graph.Transactions(), second.Graph.Transactions())
	assert.Equal(t, first.Labels.Accounts, second.Labels.Accounts)
	assert.Equal(t, first.Patterns, second.Patterns)
	for _, id := range first.Graph.AccountIDs() {
		a, _ := first.Graph.Account(id)
		b, _ := second.Graph.Account(id)
		assert.Equal(t, a.Features, b.Features)
	}
}

func TestGenerateDifferentSeeds(t *testing.T) {
	cfg := baseConfig()
	first, err := Generate(cfg)
	require.NoError(t, err)

	cfg.Seed = 43
	second, err := Generate(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, first.Patterns, second.Patterns)
}

func TestPatternsNeverShareAccounts(t *testing.T) {
	cfg := Config{
		Population:    100,
		NormalTxCount: 0,
		Seed:          7,
		Rings: []RingSpec{
			{Size: 5, BaseAmount: 1000, Retention: 0.95, Window: 5 * time.Hour},
			{Size: 4, BaseAmount: 2000, Retention: 0.9, Window: 4 * time.Hour},
		},
		FanOuts:        []FanOutSpec{{Targets: 8, BaseAmount: 5000, Gap: 5 * time.Minute}},
		ScatterGathers: []ScatterGatherSpec{{Sources: 4, Targets: 4, GatherLow: 800, GatherHigh: 1200, ScatterLow: 900, ScatterHigh: 1100}},
	}

	result, err := Generate(cfg)
	require.NoError(t, err)

	seen := map[int64]string{}
	for _, pattern := range result.Patterns {
		for _, id := range pattern.Accounts {
			prev, taken := seen[id]
			require.False(t, taken, "account %d claimed by both %s and %s", id, prev, pattern.Pattern)
			seen[id] = pattern.Pattern
		}
	}
}

func TestGenerateExhaustsAccounts(t *testing.T) {
	cfg := Config{
		Population: 6,
		Seed:       1,
		Rings: []RingSpec{
			{Size: 4, BaseAmount: 1000, Retention: 0.95, Window: time.Hour},
			{Size: 4, BaseAmount: 1000, Retention: 0.95, Window: time.Hour},
		},
	}

	_, err := Generate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConfiguration))
}

func TestGenerateInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero population", Config{Population: 0, Seed: 1}},
		{"ring too small", Config{Population: 10, Seed: 1, Rings: []RingSpec{{Size: 2, BaseAmount: 100, Retention: 0.9, Window: time.Hour}}}},
		{"retention above one", Config{Population: 10, Seed: 1, Rings: []RingSpec{{Size: 3, BaseAmount: 100, Retention: 1.5, Window: time.Hour}}}},
		{"zero base amount", Config{Population: 10, Seed: 1, Rings: []RingSpec{{Size: 3, BaseAmount: 0, Retention: 0.9, Window: time.Hour}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrConfiguration))
		})
	}
}

func TestNormalTransactionBounds(t *testing.T) {
	cfg := Config{Population: 50, NormalTxCount: 500, Seed: 3}
	result, err := Generate(cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Labels.FraudCount())
	for _, tx := range result.Graph.Transactions() {
		assert.GreaterOrEqual(t, tx.Amount, 10.0)
		assert.LessOrEqual(t, tx.Amount, 5000.0)
		assert.NotEqual(t, tx.From, tx.To)
		assert.True(t, tx.Relation.IsValid())
	}
}

func TestAccountFeatures(t *testing.T) {
	result, err := Generate(Config{Population: 200, Seed: 11})
	require.NoError(t, err)

	for _, id := range result.Graph.AccountIDs() {
		account, _ := result.Graph.Account(id)
		require.Len(t, account.Features, 2)
		age, risk := account.Features[0], account.Features[1]
		assert.GreaterOrEqual(t, age, 30.0/1825.0)
		assert.LessOrEqual(t, age, 1.0)
		assert.Greater(t, risk, 0.0)
		assert.Less(t, risk, 1.0)
	}
}
