package graph

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinalhq/sentinal/pkg/common"
)

func buildTestGraph(t *testing.T) *Graph {
	t.Helper()

	builder := NewBuilder()
	for id := int64(1); id <= 6; id++ {
		require.NoError(t, builder.AddAccount(Account{ID: id, Features: []float64{float64(id) / 10, 0.5}}))
	}

	// 1 -> 2 -> 3 -> 1 form a cycle; 4 hangs off 3; 5 -> 6 is disconnected
	// from the cycle.
	edges := []struct {
		from, to int64
		amount   float64
		ts       int64
		relation RelationType
	}{
		{1, 2, 1000, 100, RelationTransfer},
		{2, 3, 950, 200, RelationTransfer},
		{3, 1, 902.5, 300, RelationTransfer},
		{3, 4, 50, 400, RelationPayment},
		{5, 6, 25, 500, RelationWithdrawal},
	}
	for _, e := range edges {
		_, err := builder.AddTransaction(e.from, e.to, e.amount, e.ts, e.relation)
		require.NoError(t, err)
	}
	return builder.Build()
}

func TestBuilderValidation(t *testing.T) {
	builder := NewBuilder()
	require.NoError(t, builder.AddAccount(Account{ID: 1, Features: []float64{0.1, 0.2}}))

	err := builder.AddAccount(Account{ID: 1})
	assert.True(t, errors.Is(err, common.ErrConfiguration), "duplicate account should be a configuration error")

	_, err = builder.AddTransaction(1, 99, 10, 0, RelationPayment)
	assert.True(t, errors.Is(err, common.ErrConfiguration), "unknown endpoint should be a configuration error")

	_, err = builder.AddTransaction(1, 1, -5, 0, RelationPayment)
	assert.True(t, errors.Is(err, common.ErrConfiguration), "negative amount should be a configuration error")

	_, err = builder.AddTransaction(1, 1, 5, 0, RelationType("loan"))
	assert.True(t, errors.Is(err, common.ErrConfiguration), "unknown relation should be a configuration error")
}

func TestAdjacency(t *testing.T) {
	g := buildTestGraph(t)

	out := g.Outgoing(3)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].To)
	assert.Equal(t, int64(4), out[1].To)

	in := g.Incoming(1)
	require.Len(t, in, 1)
	assert.Equal(t, int64(3), in[0].From)

	assert.Empty(t, g.Outgoing(4))
	assert.Empty(t, g.Incoming(5))
}

func TestNeighborhood(t *testing.T) {
	g := buildTestGraph(t)

	hood, err := g.Neighborhood(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, hood.Accounts)
	require.Len(t, hood.Transactions, 4)
	for i := 1; i < len(hood.Transactions); i++ {
		assert.Less(t, hood.Transactions[i-1].ID, hood.Transactions[i].ID)
	}

	// One hop from account 1 reaches 2 (out) and 3 (in) but not 4.
	hood, err = g.Neighborhood(1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, hood.Accounts)
	// The induced subgraph includes the 2 -> 3 edge even though neither
	// endpoint is the center.
	assert.Len(t, hood.Transactions, 3)

	// The disconnected pair is never reached.
	hood, err = g.Neighborhood(1, 10)
	require.NoError(t, err)
	assert.NotContains(t, hood.Accounts, int64(5))
	assert.NotContains(t, hood.Accounts, int64(6))
}

func TestNeighborhoodUnknownAccount(t *testing.T) {
	g := buildTestGraph(t)
	_, err := g.Neighborhood(999, 2)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestGraphRoundTrip(t *testing.T) {
	g := buildTestGraph(t)

	var buf bytes.Buffer
	require.NoError(t, g.Encode(&buf))

	decoded, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, g.NumAccounts(), decoded.NumAccounts())
	assert.Equal(t, g.NumTransactions(), decoded.NumTransactions())

	for _, id := range g.AccountIDs() {
		original, _ := g.Account(id)
		restored, ok := decoded.Account(id)
		require.True(t, ok)
		assert.Equal(t, original.Features, restored.Features)
	}
	assert.Equal(t, g.Transactions(), decoded.Transactions())

	// Identical graphs encode to identical bytes.
	var first, second bytes.Buffer
	require.NoError(t, g.Encode(&first))
	require.NoError(t, decoded.Encode(&second))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestLabelsRoundTrip(t *testing.T) {
	labels := NewLabels()
	labels.Accounts[1] = true
	labels.Accounts[2] = false
	labels.Transactions[10] = true

	var buf bytes.Buffer
	require.NoError(t, labels.Encode(&buf))

	decoded, err := DecodeLabels(&buf)
	require.NoError(t, err)
	assert.Equal(t, labels.Accounts, decoded.Accounts)
	assert.Equal(t, labels.Transactions, decoded.Transactions)
	assert.Equal(t, 1, decoded.FraudCount())
}

func TestScoreTableRoundTrip(t *testing.T) {
	table := ScoreTable{1: 0.91, 2: 0.03, 3: 0.5}

	var buf bytes.Buffer
	require.NoError(t, table.Encode(&buf))

	decoded, err := DecodeScores(&buf)
	require.NoError(t, err)
	assert.Equal(t, table, decoded)
}

func TestRelationIndex(t *testing.T) {
	assert.Equal(t, 0, RelationPayment.Index())
	assert.Equal(t, 1, RelationTransfer.Index())
	assert.Equal(t, 2, RelationWithdrawal.Index())
	assert.Equal(t, -1, RelationType("loan").Index())
	assert.False(t, RelationType("loan").IsValid())
}
