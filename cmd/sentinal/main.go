package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentinalhq/sentinal/internal/detector"
	"github.com/sentinalhq/sentinal/internal/explainer"
	"github.com/sentinalhq/sentinal/internal/fraud"
	"github.com/sentinalhq/sentinal/internal/generator"
	"github.com/sentinalhq/sentinal/internal/graph"
	"github.com/sentinalhq/sentinal/pkg/cache"
	"github.com/sentinalhq/sentinal/pkg/config"
	"github.com/sentinalhq/sentinal/pkg/errors"
	"github.com/sentinalhq/sentinal/pkg/logger"
)

const serviceName = "sentinal"

func main() {
	accountID := flag.Int64("account", 0, "explain a specific account (0 explains the top suspicious accounts)")
	topN := flag.Int("top", 5, "number of top suspicious accounts to explain")
	dataDir := flag.String("data-dir", "data", "directory for graph and score artifacts")
	noExplain := flag.Bool("no-explain", false, "skip the explanation phase")
	flag.Parse()

	cfg, err := config.Load(serviceName)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Environment); err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Sentry.Enabled {
		sentryConfig := errors.DefaultSentryConfig()
		sentryConfig.DSN = cfg.Sentry.DSN
		sentryConfig.Environment = cfg.Environment
		sentryConfig.ServerName = serviceName
		if err := errors.InitSentry(sentryConfig); err != nil {
			logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
		} else {
			defer errors.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stage 1: synthetic graph with injected fraud topologies.
	genCfg := generator.Config{
		Population:    cfg.Generator.Population,
		NormalTxCount: cfg.Generator.NormalTxCount,
		Seed:          cfg.Generator.Seed,
	}
	if cfg.Generator.RingSize > 0 {
		genCfg.Rings = []generator.RingSpec{{
			Size:       cfg.Generator.RingSize,
			BaseAmount: cfg.Generator.RingAmount,
			Retention:  cfg.Generator.RingRetention,
			Window:     cfg.Generator.RingWindow,
		}}
	}
	if cfg.Generator.Enhanced {
		genCfg.FanOuts = []generator.FanOutSpec{{Targets: 8, BaseAmount: 5000, Gap: 5 * time.Minute}}
		genCfg.RapidFires = []generator.RapidFireSpec{{Count: 15, Gap: 3 * time.Second, AmountLow: 50, AmountHigh: 200}}
		genCfg.ScatterGathers = []generator.ScatterGatherSpec{{
			Sources: 4, Targets: 4,
			GatherLow: 800, GatherHigh: 1200,
			ScatterLow: 900, ScatterHigh: 1100,
		}}
	}

	result, err := generator.Generate(genCfg)
	if err != nil {
		errors.CaptureErrorWithContext(ctx, err, map[string]interface{}{"stage": "generate"})
		logger.Fatal("Graph generation failed", zap.Error(err))
	}

	// Stage 2: train the relational detector and score every account.
	trainCfg := detector.TrainConfig{
		HiddenDim:    cfg.Detector.HiddenSize,
		Epochs:       cfg.Detector.Epochs,
		LearningRate: cfg.Detector.LearningRate,
		WeightDecay:  cfg.Detector.WeightDecay,
		Dropout:      cfg.Detector.Dropout,
		EvalInterval: cfg.Detector.EvalInterval,
		Patience:     cfg.Detector.Patience,
		TrainRatio:   cfg.Detector.TrainRatio,
		ValRatio:     cfg.Detector.ValRatio,
		Seed:         cfg.Generator.Seed,
	}
	model, metrics, err := detector.Train(result.Graph, result.Labels, trainCfg)
	if err != nil {
		errors.CaptureErrorWithContext(ctx, err, map[string]interface{}{"stage": "train"})
		logger.Fatal("Detector training failed", zap.Error(err))
	}
	logger.Info("detector trained",
		zap.Float64("test_accuracy", metrics.Accuracy),
		zap.Float64("test_precision", metrics.Precision),
		zap.Float64("test_recall", metrics.Recall),
		zap.Float64("test_f1", metrics.F1))

	scores, err := model.ScoreAll(result.Graph)
	if err != nil {
		logger.Fatal("Scoring failed", zap.Error(err))
	}

	if err := persistArtifacts(*dataDir, cfg.Detector.WeightsPath, result, model, scores); err != nil {
		logger.Fatal("Failed to persist artifacts", zap.Error(err))
	}

	if *noExplain {
		logger.Info("explanation phase skipped")
		return
	}

	// Stage 3: explanations through the cached service facade.
	cacheManager := cache.NewManager(newRedisClient(ctx, cfg))
	llm := explainer.NewOllamaClient(
		explainer.WithBaseURL(cfg.Explainer.OllamaURL),
		explainer.WithModel(cfg.Explainer.Model),
		explainer.WithTemperature(cfg.Explainer.Temperature),
		explainer.WithTimeout(cfg.Explainer.Timeout),
	)
	engineCfg := explainer.DefaultConfig()
	engineCfg.Hops = cfg.Explainer.Hops
	engineCfg.MaxToolRounds = cfg.Explainer.MaxToolRounds
	engineCfg.FraudThreshold = cfg.Detector.FraudThreshold
	engineCfg.Timeout = cfg.Explainer.Timeout
	engine := explainer.New(result.Graph, scores, llm, engineCfg)

	service := fraud.NewService(result.Graph, model, engine, cacheManager, fraud.Config{
		FraudThreshold: cfg.Detector.FraudThreshold,
		ScoreTTL:       cfg.Cache.ScoreTTL,
		ExplanationTTL: cfg.Cache.ExplanationTTL,
	})

	targets := []int64{*accountID}
	if *accountID == 0 {
		targets = topSuspicious(scores, *topN)
	}

	for rank, id := range targets {
		if ctx.Err() != nil {
			logger.Info("explanation phase interrupted")
			return
		}

		score, err := service.Score(ctx, id)
		if err != nil {
			logger.Error("Scoring failed", zap.Int64("account_id", id), zap.Error(err))
			continue
		}
		report, err := service.Explain(ctx, id)
		if err != nil {
			logger.Error("Explanation failed", zap.Int64("account_id", id), zap.Error(err))
			continue
		}

		logger.Info("compliance report",
			zap.Int("rank", rank+1),
			zap.Int64("account_id", id),
			zap.Float64("fraud_probability", score.FraudProbability),
			zap.Bool("is_fraud", score.IsFraud),
			zap.String("reason_code", string(report.ReasonCode)),
			zap.String("narrative_source", string(report.NarrativeSource)),
			zap.String("report_id", report.ReportID))
		fmt.Printf("\n=== Account %d (fraud probability %.3f, %s) ===\n%s\n",
			id, score.FraudProbability, report.ReasonCode, report.Narrative)
	}
}

// newRedisClient connects the result-cache backing store. An unreachable
// redis is not fatal: the cache manager degrades to its in-process store.
func newRedisClient(ctx context.Context, cfg *config.Config) cache.RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, result cache will run in-process only", zap.Error(err))
	}
	return client
}

// persistArtifacts writes the serialized graph, label maps, trained weights
// and per-account score table.
func persistArtifacts(dataDir, weightsPath string, result *generator.Result, model *detector.Model, scores graph.ScoreTable) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(weightsPath), 0o755); err != nil {
		return err
	}

	if err := writeTo(filepath.Join(dataDir, "graph.json"), result.Graph.Encode); err != nil {
		return err
	}
	if err := writeTo(filepath.Join(dataDir, "labels.json"), result.Labels.Encode); err != nil {
		return err
	}
	if err := writeTo(weightsPath, model.Encode); err != nil {
		return err
	}
	if err := writeTo(filepath.Join(dataDir, "scores.json"), scores.Encode); err != nil {
		return err
	}

	logger.Info("artifacts persisted",
		zap.String("data_dir", dataDir),
		zap.String("weights", weightsPath))
	return nil
}

func writeTo(path string, encode func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// topSuspicious returns the n highest-scoring accounts, ties broken by ID
// for a stable ordering.
func topSuspicious(scores graph.ScoreTable, n int) []int64 {
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}
