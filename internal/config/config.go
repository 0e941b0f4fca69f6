// Package config provides configuration management functionality.
//
// Configuration is assembled from three layers:
// 1. config.yaml in the data directory (portfolio weights, thresholds, cadences)
// 2. Environment variables / .env file (credentials, data directory, log level)
// 3. Built-in defaults for everything left unset
//
// Credentials never live in config.yaml; they come from the environment
// so the yaml file can be committed or shared safely.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jbb100/kairos/internal/domain"
)

// PortfolioConfig holds the fixed intra-crypto allocation.
type PortfolioConfig struct {
	IntraCrypto map[domain.Asset]float64 `yaml:"intra_crypto"`
}

// ClassifierConfig holds market-season classifier parameters.
type ClassifierConfig struct {
	BufferBand float64 `yaml:"buffer_band"`
}

// PlannerConfig holds rebalance planner parameters.
type PlannerConfig struct {
	MinNotionalKRW int64 `yaml:"min_notional_krw"`
}

// SchedulerConfig holds TWAP scheduler parameters.
type SchedulerConfig struct {
	TickCadenceMinutes    int     `yaml:"tick_cadence_minutes"`
	DriftThreshold        float64 `yaml:"drift_threshold"`
	DriftMinGapKRW        int64   `yaml:"drift_min_gap_krw"`
	DriftCooldownMinutes  int     `yaml:"drift_cooldown_minutes"`
	ExecutionTimeoutHours int     `yaml:"execution_timeout_hours"`
	ReplaceGraceSeconds   int     `yaml:"replace_grace_seconds"`
}

// AdapterConfig holds exchange adapter safety parameters.
type AdapterConfig struct {
	MaxRetries   int                    `yaml:"max_retries"`
	SafetyMargin float64                `yaml:"safety_margin"`
	MaxOrderKRW  map[domain.Asset]int64 `yaml:"max_order_krw"`
	MinOrderKRW  int64                  `yaml:"min_order_krw"`
}

// MarketDataConfig holds market data fallbacks.
type MarketDataConfig struct {
	USDKRWRate float64 `yaml:"usd_krw_rate"`
}

// BackupConfig holds S3 backup settings. An empty bucket disables backup.
type BackupConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
}

// Config holds application configuration.
type Config struct {
	DataDir          string `yaml:"-"`
	LogLevel         string `yaml:"-"`
	Port             int    `yaml:"-"`
	DevMode          bool   `yaml:"-"`
	CoinoneAPIKey    string `yaml:"-"`
	CoinoneAPISecret string `yaml:"-"`

	Portfolio  PortfolioConfig  `yaml:"portfolio"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Planner    PlannerConfig    `yaml:"planner"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Backup     BackupConfig     `yaml:"backup"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Port:     8001,
		Portfolio: PortfolioConfig{
			IntraCrypto: map[domain.Asset]float64{
				domain.BTC: 0.40,
				domain.ETH: 0.30,
				domain.XRP: 0.15,
				domain.SOL: 0.15,
			},
		},
		Classifier: ClassifierConfig{BufferBand: 0.05},
		Planner:    PlannerConfig{MinNotionalKRW: 10_000},
		Scheduler: SchedulerConfig{
			TickCadenceMinutes:    15,
			DriftThreshold:        0.03,
			DriftMinGapKRW:        20_000,
			DriftCooldownMinutes:  30,
			ExecutionTimeoutHours: 24,
			ReplaceGraceSeconds:   5,
		},
		Adapter: AdapterConfig{
			MaxRetries:   3,
			SafetyMargin: 0.01,
			MaxOrderKRW: map[domain.Asset]int64{
				domain.BTC: 500_000_000,
				domain.ETH: 500_000_000,
				domain.XRP: 200_000_000,
				domain.SOL: 200_000_000,
			},
			MinOrderKRW: 1_000,
		},
		MarketData: MarketDataConfig{USDKRWRate: 1400.0},
		Backup:     BackupConfig{S3Prefix: "kairos"},
	}
}

// Load reads configuration from the environment and the optional
// config.yaml in the data directory.
//
// dataDirOverride - Optional CLI flag override for the data directory
func Load(dataDirOverride ...string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	// Data directory: CLI flag > KAIROS_DATA_DIR > ./data
	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("KAIROS_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	// Overlay config.yaml when present
	yamlPath := filepath.Join(absDataDir, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Port = getEnvAsInt("GO_PORT", cfg.Port)
	cfg.DevMode = getEnvAsBool("DEV_MODE", cfg.DevMode)
	cfg.CoinoneAPIKey = getEnv("COINONE_API_KEY", "")
	cfg.CoinoneAPISecret = getEnv("COINONE_API_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants. Failure refuses startup.
func (c *Config) Validate() error {
	sum := 0.0
	for asset, w := range c.Portfolio.IntraCrypto {
		if !asset.IsCrypto() {
			return fmt.Errorf("intra_crypto contains non-crypto asset %s", asset)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("intra_crypto weight out of range for %s: %f", asset, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > domain.WeightTolerance {
		return fmt.Errorf("intra_crypto weights sum to %f, expected 1.0", sum)
	}

	if c.Classifier.BufferBand <= 0 || c.Classifier.BufferBand >= 1 {
		return fmt.Errorf("classifier buffer_band out of range: %f", c.Classifier.BufferBand)
	}
	if c.Planner.MinNotionalKRW <= 0 {
		return fmt.Errorf("planner min_notional_krw must be positive")
	}
	if c.Scheduler.TickCadenceMinutes <= 0 {
		return fmt.Errorf("scheduler tick_cadence_minutes must be positive")
	}
	if c.Scheduler.DriftThreshold <= 0 {
		return fmt.Errorf("scheduler drift_threshold must be positive")
	}
	if c.Scheduler.ExecutionTimeoutHours <= 0 {
		return fmt.Errorf("scheduler execution_timeout_hours must be positive")
	}
	if c.Adapter.MaxRetries < 0 {
		return fmt.Errorf("adapter max_retries must not be negative")
	}
	if c.Adapter.SafetyMargin < 0 || c.Adapter.SafetyMargin >= 1 {
		return fmt.Errorf("adapter safety_margin out of range: %f", c.Adapter.SafetyMargin)
	}
	if c.MarketData.USDKRWRate <= 0 {
		return fmt.Errorf("market_data usd_krw_rate must be positive")
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
