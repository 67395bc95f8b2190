package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinalhq/sentinal/internal/explainer"
	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/cache"
	"github.com/sentinalhq/sentinal/pkg/common"
	"github.com/sentinalhq/sentinal/pkg/logger"
)

// Scorer produces a fraud probability for one account. Implemented by the
// trained detector model.
type Scorer interface {
	Score(g *graph.Graph, accountID int64) (float64, error)
}

// Explainer produces an explanation report for one account. Implemented by
// the explanation engine.
type Explainer interface {
	Explain(ctx context.Context, accountID int64) (*explainer.Report, error)
}

// Config tunes the service facade.
type Config struct {
	FraudThreshold float64
	ScoreTTL       time.Duration
	ExplanationTTL time.Duration
}

// DefaultConfig flags accounts at probability 0.8 and keeps explanation
// results far longer than scores, since explanations are much more expensive
// to produce.
func DefaultConfig() Config {
	return Config{
		FraudThreshold: 0.8,
		ScoreTTL:       5 * time.Minute,
		ExplanationTTL: time.Hour,
	}
}

// ScoreResult is the caller-facing scoring output.
type ScoreResult struct {
	AccountID        int64   `json:"account_id"`
	FraudProbability float64 `json:"fraud_probability"`
	IsFraud          bool    `json:"is_fraud"`
}

// Service is the external surface of the detection core: Score and Explain,
// both memoized through the result cache with single-flight de-duplication.
type Service struct {
	graph     *graph.Graph
	scorer    Scorer
	explainer Explainer
	cache     *cache.Manager
	cfg       Config
}

// NewService wires the facade. A nil scorer means no trained detector is
// loaded yet; scoring requests fail with a model-unavailable error until one
// is.
func NewService(g *graph.Graph, scorer Scorer, exp Explainer, cacheManager *cache.Manager, cfg Config) *Service {
	return &Service{
		graph:     g,
		scorer:    scorer,
		explainer: exp,
		cache:     cacheManager,
		cfg:       cfg,
	}
}

// Score returns the account's fraud probability and threshold verdict.
// Results are cached under the score TTL; repeated calls inside the TTL
// return identical results without re-invoking the detector.
func (s *Service) Score(ctx context.Context, accountID int64) (*ScoreResult, error) {
	ctx = withRequestID(ctx)
	if !s.graph.HasAccount(accountID) {
		return nil, common.NewNotFoundError(fmt.Sprintf("account %d not found", accountID))
	}
	if s.scorer == nil {
		return nil, common.NewModelUnavailableError("no trained detector is loaded")
	}

	var result ScoreResult
	err := s.cache.GetOrCompute(ctx, cache.Keys.Score(accountID), s.cfg.ScoreTTL, &result,
		func(ctx context.Context) (interface{}, error) {
			probability, err := s.scorer.Score(s.graph, accountID)
			if err != nil {
				return nil, err
			}
			logger.WithContext(ctx).Debug("scored account",
				zap.Int64("account_id", accountID), zap.Float64("fraud_probability", probability))
			return ScoreResult{
				AccountID:        accountID,
				FraudProbability: probability,
				IsFraud:          probability >= s.cfg.FraudThreshold,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Explain returns the explanation report for an account, cached under the
// explanation TTL. Language-model unavailability is recovered inside the
// engine and never fails the request.
func (s *Service) Explain(ctx context.Context, accountID int64) (*explainer.Report, error) {
	ctx = withRequestID(ctx)
	if !s.graph.HasAccount(accountID) {
		return nil, common.NewNotFoundError(fmt.Sprintf("account %d not found", accountID))
	}
	if s.explainer == nil {
		return nil, common.NewModelUnavailableError("no explanation engine is configured")
	}

	var report explainer.Report
	err := s.cache.GetOrCompute(ctx, cache.Keys.Explanation(accountID), s.cfg.ExplanationTTL, &report,
		func(ctx context.Context) (interface{}, error) {
			return s.explainer.Explain(ctx, accountID)
		})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// withRequestID tags the context with a correlation ID so log lines from the
// detector and the explanation engine can be tied back to one request.
func withRequestID(ctx context.Context) context.Context {
	if logger.CorrelationIDFromContext(ctx) != "" {
		return ctx
	}
	return logger.ContextWithCorrelationID(ctx, uuid.NewString())
}
