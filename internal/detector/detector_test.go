package detector

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinalhq/sentinal/internal/generator"
	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/common"
)

func generateRingGraph(t *testing.T) *generator.Result {
	t.Helper()
	result, err := generator.Generate(generator.Config{
		Population:    100,
		NormalTxCount: 300,
		Seed:          42,
		Rings: []generator.RingSpec{
			{Size: 5, BaseAmount: 1200, Retention: 0.95, Window: 5 * time.Hour},
		},
	})
	require.NoError(t, err)
	return result
}

func quickTrainConfig() TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 120
	return cfg
}

func TestTrainSeparatesRingAccounts(t *testing.T) {
	data := generateRingGraph(t)

	model, metrics, err := Train(data.Graph, data.Labels, quickTrainConfig())
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Greater(t, metrics.EpochsTrained, 0)

	table, err := model.ScoreAll(data.Graph)
	require.NoError(t, err)

	ring := map[int64]bool{}
	for _, id := range data.Patterns[0].Accounts {
		ring[id] = true
	}

	var ringSum, otherSum float64
	var ringN, otherN int
	for id, p := range table {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		if ring[id] {
			ringSum += p
			ringN++
		} else {
			otherSum += p
			otherN++
		}
	}
	require.Equal(t, 5, ringN)

	ringMean := ringSum / float64(ringN)
	otherMean := otherSum / float64(otherN)
	assert.Greater(t, ringMean, otherMean,
		"mean fraud probability over ring accounts must exceed the non-ring mean")
}

func TestDefaultTrainingFlagsRingAccounts(t *testing.T) {
	data := generateRingGraph(t)
	cfg := DefaultTrainConfig()

	model, metrics, err := Train(data.Graph, data.Labels, cfg)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	// Ten validation checks fit in 200 epochs at the 20-epoch cadence, so
	// a patience of 20 stale checks can never halt this run early.
	assert.Equal(t, cfg.Epochs, metrics.EpochsTrained,
		"default configuration must use the full epoch budget")

	table, err := model.ScoreAll(data.Graph)
	require.NoError(t, err)

	ring := map[int64]bool{}
	for _, id := range data.Patterns[0].Accounts {
		ring[id] = true
	}

	flagged := 0
	lowestOutside := 1.0
	for id, p := range table {
		if ring[id] {
			if p >= 0.8 {
				flagged++
			}
		} else if p < lowestOutside {
			lowestOutside = p
		}
	}

	// Ring members seen during training converge well past the 0.8
	// threshold. Members held out of the train split can stay low with
	// only [age, risk] features to go on, so not all five are required.
	assert.GreaterOrEqual(t, flagged, 3,
		"most ring members must cross the fraud threshold")
	assert.Less(t, lowestOutside, 0.2,
		"quiet accounts outside the ring stay low risk")
}

func TestScoreDeterministic(t *testing.T) {
	data := generateRingGraph(t)
	model, _, err := Train(data.Graph, data.Labels, quickTrainConfig())
	require.NoError(t, err)

	id := data.Patterns[0].Accounts[0]
	first, err := model.Score(data.Graph, id)
	require.NoError(t, err)
	second, err := model.Score(data.Graph, id)
	require.NoError(t, err)
	assert.Equal(t, first, second, "scoring is a pure function of weights and graph")
}

func TestScoreUnknownAccount(t *testing.T) {
	data := generateRingGraph(t)
	model, _, err := Train(data.Graph, data.Labels, quickTrainConfig())
	require.NoError(t, err)

	_, err = model.Score(data.Graph, 9999)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestTrainNoFraudExamples(t *testing.T) {
	result, err := generator.Generate(generator.Config{Population: 50, NormalTxCount: 100, Seed: 1})
	require.NoError(t, err)

	_, _, err = Train(result.Graph, result.Labels, DefaultTrainConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDegenerateData))
}

func TestTrainInvalidConfig(t *testing.T) {
	data := generateRingGraph(t)

	cfg := DefaultTrainConfig()
	cfg.TrainRatio = 0.7
	cfg.ValRatio = 0.3
	_, _, err := Train(data.Graph, data.Labels, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConfiguration))

	cfg = DefaultTrainConfig()
	cfg.LearningRate = 0
	_, _, err = Train(data.Graph, data.Labels, cfg)
	assert.True(t, errors.Is(err, common.ErrConfiguration))

	cfg = DefaultTrainConfig()
	cfg.EvalInterval = 0
	_, _, err = Train(data.Graph, data.Labels, cfg)
	assert.True(t, errors.Is(err, common.ErrConfiguration))
}

func TestIsolatedAccountScoresFromOwnFeatures(t *testing.T) {
	builder := graph.NewBuilder()
	// A small labeled core plus an isolated account with no transactions.
	for id := int64(1); id <= 20; id++ {
		require.NoError(t, builder.AddAccount(graph.Account{ID: id, Features: []float64{0.5, 0.2}}))
	}
	labels := graph.NewLabels()
	for id := int64(1); id <= 20; id++ {
		labels.Accounts[id] = id <= 4
	}
	for i := int64(1); i <= 4; i++ {
		next := i%4 + 1
		_, err := builder.AddTransaction(i, next, 1000, i*int64(time.Hour), graph.RelationTransfer)
		require.NoError(t, err)
	}
	g := builder.Build()

	cfg := DefaultTrainConfig()
	cfg.Epochs = 30
	model, _, err := Train(g, labels, cfg)
	require.NoError(t, err)

	// Account 20 has no incident transactions; the convolution degrades to
	// the self-loop path and still yields a valid probability.
	p, err := model.Score(g, 20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}

func TestWeightsRoundTrip(t *testing.T) {
	data := generateRingGraph(t)
	cfg := quickTrainConfig()
	cfg.Epochs = 40
	model, _, err := Train(data.Graph, data.Labels, cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, model.Encode(&buf))

	restored, err := DecodeModel(&buf)
	require.NoError(t, err)
	assert.Equal(t, model.InputDim(), restored.InputDim())

	original, err := model.ScoreAll(data.Graph)
	require.NoError(t, err)
	reloaded, err := restored.ScoreAll(data.Graph)
	require.NoError(t, err)
	assert.Equal(t, original, reloaded, "reloaded weights must reproduce scores exactly")
}

func TestDecodeModelShapeValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"bad dims", `{"input_dim":0,"hidden_dim":16,"num_relations":3}`},
		{"missing relations", `{"input_dim":2,"hidden_dim":4,"num_relations":3,
			"layer1":{"relations":[[0,0]],"self":[0,0,0,0,0,0,0,0],"bias":[0,0,0,0]},
			"layer2":{"relations":[],"self":[],"bias":[]},
			"out_weight":[],"out_bias":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeModel(bytes.NewReader([]byte(tt.doc)))
			assert.Error(t, err)
		})
	}
}

func TestStratifiedSplitKeepsClassesInTrain(t *testing.T) {
	y := make([]int, 100)
	for i := 95; i < 100; i++ {
		y[i] = 1
	}
	split := stratifiedSplit(y, 0.6, 0.2, rand.New(rand.NewSource(1)))

	assert.Len(t, split.train, 60) // 57 negatives + 3 positives
	trainPos := 0
	for _, i := range split.train {
		trainPos += y[i]
	}
	assert.Equal(t, 3, trainPos)

	total := len(split.train) + len(split.val) + len(split.test)
	assert.Equal(t, 100, total)

	seen := map[int]bool{}
	for _, idxs := range [][]int{split.train, split.val, split.test} {
		for _, i := range idxs {
			require.False(t, seen[i], "splits must be disjoint")
			seen[i] = true
		}
	}
}

func TestInverseFrequencyWeights(t *testing.T) {
	y := []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	train := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	weights, err := inverseFrequencyWeights(y, train)
	require.NoError(t, err)
	assert.Greater(t, weights[1], weights[0], "minority class gets the larger weight")
	assert.InDelta(t, float64(numClasses), weights[0]+weights[1], 1e-9)

	_, err = inverseFrequencyWeights(y, []int{0, 1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDegenerateData))
}
