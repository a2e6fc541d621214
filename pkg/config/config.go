package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corvid-labs/rookery/pkg/errdefs"
)

// Config is the root configuration for a Rookery node.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bus       BusConfig       `yaml:"bus"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// EngineConfig bounds the task engine.
type EngineConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	RetentionWindow    time.Duration `yaml:"retention_window"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMultiplier    float64       `yaml:"retry_multiplier"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	RetryJitter        bool          `yaml:"retry_jitter"`
}

// BreakerConfig tunes the circuit breaker set.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit"`
}

// SchedulerConfig tunes agent selection and work stealing.
type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	StealThreshold   float64       `yaml:"steal_threshold"`
	MaxStealBatch    int           `yaml:"max_steal_batch"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	CapabilityWeight float64       `yaml:"capability_weight"`
	LoadWeight       float64       `yaml:"load_weight"`
	PriorityWeight   float64       `yaml:"priority_weight"`
}

// BusConfig bounds the message bus.
type BusConfig struct {
	MaxMessageSize int           `yaml:"max_message_size"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	SnapshotDir    string        `yaml:"snapshot_dir"`
	SnapshotRetain int           `yaml:"snapshot_retain"`
	Compress       bool          `yaml:"compress"`
	EncryptionKey  string        `yaml:"encryption_key"` // hex, 32 bytes when set
}

// MemoryConfig bounds the shared memory layer.
type MemoryConfig struct {
	MaxEntries      int    `yaml:"max_entries"`
	PersistencePath string `yaml:"persistence_path"`
	KnowledgeBases  bool   `yaml:"knowledge_bases"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/rookery",
		ListenAddr: ":7420",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Engine: EngineConfig{
			MaxConcurrentTasks: 64,
			QueueCapacity:      1024,
			RetentionWindow:    24 * time.Hour,
			RetryBaseDelay:     time.Second,
			RetryMultiplier:    2,
			RetryMaxDelay:      30 * time.Second,
			RetryJitter:        true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
			HalfOpenLimit:    1,
		},
		Scheduler: SchedulerConfig{
			TickInterval:     5 * time.Second,
			StealThreshold:   2,
			MaxStealBatch:    3,
			HeartbeatTimeout: 30 * time.Second,
			CapabilityWeight: 1.0,
			LoadWeight:       0.6,
			PriorityWeight:   0.1,
		},
		Bus: BusConfig{
			MaxMessageSize: 1 << 20, // 1 MiB
			AckTimeout:     30 * time.Second,
			RetryInterval:  5 * time.Second,
			RetryAttempts:  3,
			SnapshotRetain: 10,
		},
		Memory: MemoryConfig{
			MaxEntries:     10000,
			KnowledgeBases: true,
		},
	}
}

// Load reads a YAML config file on top of the defaults, then applies
// environment overrides. A missing path returns defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errdefs.NotFound("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "failed to parse config %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ROOKERY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ROOKERY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ROOKERY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ROOKERY_ENCRYPTION_KEY"); v != "" {
		cfg.Bus.EncryptionKey = v
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentTasks <= 0 {
		return errdefs.InvalidInput("engine.max_concurrent_tasks must be positive")
	}
	if c.Engine.QueueCapacity <= 0 {
		return errdefs.InvalidInput("engine.queue_capacity must be positive")
	}
	if c.Engine.RetryMultiplier < 1 {
		return errdefs.InvalidInput("engine.retry_multiplier must be >= 1")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return errdefs.InvalidInput("breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return errdefs.InvalidInput("breaker.success_threshold must be positive")
	}
	if c.Breaker.HalfOpenLimit <= 0 {
		return errdefs.InvalidInput("breaker.half_open_limit must be positive")
	}
	if c.Bus.MaxMessageSize <= 0 {
		return errdefs.InvalidInput("bus.max_message_size must be positive")
	}
	if c.Bus.SnapshotRetain <= 0 {
		return errdefs.InvalidInput("bus.snapshot_retain must be positive")
	}
	if c.Memory.MaxEntries <= 0 {
		return errdefs.InvalidInput("memory.max_entries must be positive")
	}
	return nil
}
