package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Environment string
	ServiceName string
	Redis       RedisConfig
	Generator   GeneratorConfig
	Detector    DetectorConfig
	Explainer   ExplainerConfig
	Cache       CacheConfig
	Sentry      SentryConfig
}

// RedisConfig holds Redis configuration for the result cache backing store
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// GeneratorConfig holds synthetic graph generation parameters
type GeneratorConfig struct {
	Population    int     `validate:"gte=2"`
	NormalTxCount int     `validate:"gte=0"`
	Seed          int64
	RingSize      int     `validate:"gte=0"`
	RingAmount    float64 `validate:"gte=0"`
	RingRetention float64 `validate:"gte=0,lte=1"`
	RingWindow    time.Duration
	Enhanced      bool
}

// DetectorConfig holds R-GCN training parameters
type DetectorConfig struct {
	HiddenSize     int     `validate:"gte=1"`
	Epochs         int     `validate:"gte=1"`
	LearningRate   float64 `validate:"gt=0"`
	WeightDecay    float64 `validate:"gte=0"`
	Dropout        float64 `validate:"gte=0,lt=1"`
	EvalInterval   int     `validate:"gte=1"`
	Patience       int     `validate:"gte=1"`
	TrainRatio     float64 `validate:"gt=0,lt=1"`
	ValRatio       float64 `validate:"gt=0,lt=1"`
	FraudThreshold float64 `validate:"gt=0,lte=1"`
	WeightsPath    string
}

// ExplainerConfig holds explanation engine parameters
type ExplainerConfig struct {
	OllamaURL     string
	Model         string
	Temperature   float64
	Hops          int `validate:"gte=1"`
	MaxToolRounds int `validate:"gte=1"`
	Timeout       time.Duration
}

// CacheConfig holds result cache TTLs. Explanations are far more expensive
// than scores, so they live longer.
type CacheConfig struct {
	ScoreTTL       time.Duration
	ExplanationTTL time.Duration
}

// SentryConfig holds error tracking configuration
type SentryConfig struct {
	DSN     string
	Enabled bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServiceName: serviceName,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Generator: GeneratorConfig{
			Population:    getEnvAsInt("GEN_POPULATION", 100),
			NormalTxCount: getEnvAsInt("GEN_NORMAL_TX", 300),
			Seed:          int64(getEnvAsInt("GEN_SEED", 42)),
			RingSize:      getEnvAsInt("GEN_RING_SIZE", 5),
			RingAmount:    getEnvAsFloat("GEN_RING_AMOUNT", 1000),
			RingRetention: getEnvAsFloat("GEN_RING_RETENTION", 0.95),
			RingWindow:    getEnvAsDuration("GEN_RING_WINDOW", 5*time.Hour),
			Enhanced:      getEnvAsBool("GEN_ENHANCED", false),
		},
		Detector: DetectorConfig{
			HiddenSize:     getEnvAsInt("DETECTOR_HIDDEN", 16),
			Epochs:         getEnvAsInt("DETECTOR_EPOCHS", 200),
			LearningRate:   getEnvAsFloat("DETECTOR_LR", 0.01),
			WeightDecay:    getEnvAsFloat("DETECTOR_WEIGHT_DECAY", 5e-4),
			Dropout:        getEnvAsFloat("DETECTOR_DROPOUT", 0.3),
			EvalInterval:   getEnvAsInt("DETECTOR_EVAL_INTERVAL", 20),
			Patience:       getEnvAsInt("DETECTOR_PATIENCE", 20),
			TrainRatio:     getEnvAsFloat("DETECTOR_TRAIN_RATIO", 0.6),
			ValRatio:       getEnvAsFloat("DETECTOR_VAL_RATIO", 0.2),
			FraudThreshold: getEnvAsFloat("DETECTOR_FRAUD_THRESHOLD", 0.8),
			WeightsPath:    getEnv("DETECTOR_WEIGHTS_PATH", "models/detector.json"),
		},
		Explainer: ExplainerConfig{
			OllamaURL:     getEnv("OLLAMA_URL", "http://localhost:11434"),
			Model:         getEnv("OLLAMA_MODEL", "llama3.2:1b"),
			Temperature:   getEnvAsFloat("OLLAMA_TEMPERATURE", 0.3),
			Hops:          getEnvAsInt("EXPLAINER_HOPS", 2),
			MaxToolRounds: getEnvAsInt("EXPLAINER_MAX_TOOL_ROUNDS", 5),
			Timeout:       getEnvAsDuration("EXPLAINER_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			ScoreTTL:       getEnvAsDuration("CACHE_SCORE_TTL", 5*time.Minute),
			ExplanationTTL: getEnvAsDuration("CACHE_EXPLANATION_TTL", time.Hour),
		},
		Sentry: SentryConfig{
			DSN:     getEnv("SENTRY_DSN", ""),
			Enabled: getEnvAsBool("SENTRY_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks generator/detector parameters for structural validity.
// Cross-field constraints that validator tags cannot express are checked
// explicitly.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c.Generator); err != nil {
		return fmt.Errorf("generator config: %w", err)
	}
	if err := v.Struct(c.Detector); err != nil {
		return fmt.Errorf("detector config: %w", err)
	}
	if err := v.Struct(c.Explainer); err != nil {
		return fmt.Errorf("explainer config: %w", err)
	}
	if c.Detector.TrainRatio+c.Detector.ValRatio >= 1 {
		return fmt.Errorf("detector config: train ratio %.2f + val ratio %.2f leaves no test split",
			c.Detector.TrainRatio, c.Detector.ValRatio)
	}
	return nil
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
