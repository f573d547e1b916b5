// Package config loads Quorum's runtime configuration from an
// optional YAML file, then applies defaults and environment variable
// overrides on top, in that order — the same precedence the terminal
// host's process manager relies on for air-gapped deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mdzesseis/quorum/pkg/qerrors"
)

// AI holds the detection-engine knobs, each overridable by its own
// AI_* environment variable.
type AI struct {
	SVMMaxSamples         int     `yaml:"svm_max_samples"`
	LargeDatasetThreshold int     `yaml:"large_dataset_threshold"`
	AnomalyThreshold      float64 `yaml:"anomaly_threshold"`
	Contamination         float64 `yaml:"contamination"`
	RandomSeed            int64   `yaml:"random_seed"`
}

// Storage holds the persistent store location.
type Storage struct {
	DatabasePath  string `yaml:"database_path"`
	ModelStoreDir string `yaml:"model_store_dir"`
	BatchSize     int    `yaml:"batch_size"`
}

// Node holds this host's identity within the sync mesh.
type Node struct {
	IdentityFile string `yaml:"identity_file"`
	Role         string `yaml:"role"` // "terminal" or "hub"
	Hostname     string `yaml:"hostname"`
}

// Sync holds the terminal-to-hub export/import settings.
type Sync struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyDir   string `yaml:"public_key_dir"`
	OutboxDir      string `yaml:"outbox_dir"`
	InboxDir       string `yaml:"inbox_dir"`
	MaxAnomalies   int    `yaml:"max_anomalies"`
}

// Tailer holds the real-time file watcher settings.
type Tailer struct {
	Paths      []string      `yaml:"paths"`
	QueueDepth int           `yaml:"queue_depth"`
	PollPeriod time.Duration `yaml:"poll_period"`
}

// Logging holds the structured logger's settings.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Metrics holds the Prometheus exporter's settings.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the top-level configuration tree.
type Config struct {
	AI      AI      `yaml:"ai"`
	Storage Storage `yaml:"storage"`
	Node    Node    `yaml:"node"`
	Sync    Sync    `yaml:"sync"`
	Tailer  Tailer  `yaml:"tailer"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Load reads configFile if non-empty, applies defaults for anything
// left unset, then applies environment variable overrides, and
// validates the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			return nil, qerrors.Configuration("config", "load_file", err.Error()).Wrap(err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, qerrors.Configuration("config", "validate", err.Error()).Wrap(err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.AI.SVMMaxSamples == 0 {
		cfg.AI.SVMMaxSamples = 10000
	}
	if cfg.AI.LargeDatasetThreshold == 0 {
		cfg.AI.LargeDatasetThreshold = 100000
	}
	if cfg.AI.AnomalyThreshold == 0 {
		cfg.AI.AnomalyThreshold = 0.95
	}
	if cfg.AI.Contamination == 0 {
		cfg.AI.Contamination = 0.01
	}
	if cfg.AI.RandomSeed == 0 {
		cfg.AI.RandomSeed = 42
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./data/quorum.db"
	}
	if cfg.Storage.ModelStoreDir == "" {
		cfg.Storage.ModelStoreDir = "./data/models"
	}
	if cfg.Storage.BatchSize == 0 {
		cfg.Storage.BatchSize = 10000
	}
	if cfg.Node.IdentityFile == "" {
		cfg.Node.IdentityFile = "./data/node_identity.json"
	}
	if cfg.Node.Role == "" {
		cfg.Node.Role = "terminal"
	}
	if cfg.Node.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Node.Hostname = h
		}
	}
	if cfg.Sync.PublicKeyDir == "" {
		cfg.Sync.PublicKeyDir = "./data/trusted_keys"
	}
	if cfg.Sync.OutboxDir == "" {
		cfg.Sync.OutboxDir = "./data/sync/outbox"
	}
	if cfg.Sync.InboxDir == "" {
		cfg.Sync.InboxDir = "./data/sync/inbox"
	}
	if cfg.Sync.MaxAnomalies == 0 {
		cfg.Sync.MaxAnomalies = 500
	}
	if cfg.Tailer.QueueDepth == 0 {
		cfg.Tailer.QueueDepth = 1000
	}
	if cfg.Tailer.PollPeriod == 0 {
		cfg.Tailer.PollPeriod = time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9464"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.AI.SVMMaxSamples = getEnvInt("AI_SVM_MAX_SAMPLES", cfg.AI.SVMMaxSamples)
	cfg.AI.LargeDatasetThreshold = getEnvInt("AI_LARGE_DATASET_THRESHOLD", cfg.AI.LargeDatasetThreshold)
	cfg.AI.AnomalyThreshold = getEnvFloat("AI_ANOMALY_THRESHOLD", cfg.AI.AnomalyThreshold)
	cfg.AI.Contamination = getEnvFloat("AI_CONTAMINATION", cfg.AI.Contamination)
	cfg.AI.RandomSeed = int64(getEnvInt("AI_RANDOM_SEED", int(cfg.AI.RandomSeed)))
	cfg.Storage.BatchSize = getEnvInt("BATCH_SIZE", cfg.Storage.BatchSize)
	cfg.Storage.DatabasePath = getEnvString("QUORUM_DATABASE_PATH", cfg.Storage.DatabasePath)
	cfg.Node.Role = getEnvString("QUORUM_NODE_ROLE", cfg.Node.Role)
	cfg.Logging.Level = getEnvString("QUORUM_LOG_LEVEL", cfg.Logging.Level)
}

// Validate rejects configurations the core cannot safely run with.
func Validate(cfg *Config) error {
	if cfg.AI.Contamination <= 0 || cfg.AI.Contamination >= 1 {
		return fmt.Errorf("ai.contamination must be in (0,1), got %v", cfg.AI.Contamination)
	}
	if cfg.AI.AnomalyThreshold <= 0 || cfg.AI.AnomalyThreshold > 1 {
		return fmt.Errorf("ai.anomaly_threshold must be in (0,1], got %v", cfg.AI.AnomalyThreshold)
	}
	if cfg.Node.Role != "terminal" && cfg.Node.Role != "hub" {
		return fmt.Errorf("node.role must be terminal or hub, got %q", cfg.Node.Role)
	}
	if cfg.Sync.MaxAnomalies <= 0 {
		return fmt.Errorf("sync.max_anomalies must be positive, got %v", cfg.Sync.MaxAnomalies)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
