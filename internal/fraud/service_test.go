package fraud

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinalhq/sentinal/internal/explainer"
	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/cache"
	"github.com/sentinalhq/sentinal/pkg/common"
)

type fakeScorer struct {
	scores map[int64]float64
	calls  int
}

func (f *fakeScorer) Score(g *graph.Graph, accountID int64) (float64, error) {
	f.calls++
	return f.scores[accountID], nil
}

type fakeExplainer struct {
	calls int
}

func (f *fakeExplainer) Explain(ctx context.Context, accountID int64) (*explainer.Report, error) {
	f.calls++
	return &explainer.Report{
		ReportID:         "r-1",
		AccountID:        accountID,
		FraudProbability: 0.9,
		ReasonCode:       explainer.ReasonCyclicFlow,
		Narrative:        "funds cycle through five accounts",
		NarrativeSource:  explainer.NarrativeTemplate,
		Evidence:         &explainer.Evidence{AccountID: accountID, Hops: 2},
	}, nil
}

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	builder := graph.NewBuilder()
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, builder.AddAccount(graph.Account{ID: id, Features: []float64{0.5, 0.2}}))
	}
	return builder.Build()
}

func newService(t *testing.T, scorer Scorer) (*Service, *fakeExplainer) {
	t.Helper()
	exp := &fakeExplainer{}
	svc := NewService(testGraph(t), scorer, exp, cache.NewManager(nil), DefaultConfig())
	return svc, exp
}

func TestScoreThreshold(t *testing.T) {
	scorer := &fakeScorer{scores: map[int64]float64{1: 0.91, 2: 0.12}}
	svc, _ := newService(t, scorer)

	result, err := svc.Score(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.AccountID)
	assert.InDelta(t, 0.91, result.FraudProbability, 1e-9)
	assert.True(t, result.IsFraud)

	result, err = svc.Score(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, result.IsFraud)
}

func TestScoreCached(t *testing.T) {
	scorer := &fakeScorer{scores: map[int64]float64{1: 0.7}}
	svc, _ := newService(t, scorer)

	first, err := svc.Score(context.Background(), 1)
	require.NoError(t, err)
	second, err := svc.Score(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, scorer.calls, "repeated calls within the TTL must not re-invoke the detector")
	assert.Equal(t, first, second)
}

func TestScoreUnknownAccount(t *testing.T) {
	svc, _ := newService(t, &fakeScorer{})
	_, err := svc.Score(context.Background(), 999)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestScoreModelUnavailable(t *testing.T) {
	svc, _ := newService(t, nil)
	_, err := svc.Score(context.Background(), 1)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
}

func TestExplainCached(t *testing.T) {
	svc, exp := newService(t, &fakeScorer{})

	first, err := svc.Explain(context.Background(), 1)
	require.NoError(t, err)
	second, err := svc.Explain(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, exp.calls, "explanations are cached under their own TTL")
	assert.Equal(t, first, second)
	assert.Equal(t, explainer.ReasonCyclicFlow, first.ReasonCode)
	assert.Equal(t, int64(1), first.AccountID)
}

func TestExplainNoEngineConfigured(t *testing.T) {
	svc := NewService(testGraph(t), &fakeScorer{}, nil, cache.NewManager(nil), DefaultConfig())
	_, err := svc.Explain(context.Background(), 1)
	assert.True(t, errors.Is(err, common.ErrModelUnavailable))
}

func TestExplainUnknownAccount(t *testing.T) {
	svc, exp := newService(t, &fakeScorer{})
	_, err := svc.Explain(context.Background(), 999)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Equal(t, 0, exp.calls)
}
