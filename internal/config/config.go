package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	PendingDrainInterval  time.Duration `yaml:"pending_drain_interval"`
	ReclaimerInterval     time.Duration `yaml:"reclaimer_interval"`
	StuckThreshold        time.Duration `yaml:"stuck_threshold"`
	PerNodeCapacity       int           `yaml:"per_node_capacity"`
	MaxRetryAttempts      int           `yaml:"max_retry_attempts"`
	LivenessWindow        time.Duration `yaml:"liveness_window"`
	SelectionShardCount   int           `yaml:"selection_shard_count"`
	ReconcilerInterval    time.Duration `yaml:"reconciler_interval"`
	DefaultLockTTL        time.Duration `yaml:"default_lock_ttl"`
	DefaultLockWait       time.Duration `yaml:"default_lock_wait"`

	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type NATS struct {
	URL           string `yaml:"url"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Subject       string `yaml:"subject"`
	StreamName    string `yaml:"stream_name"`
}

func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatalf("config: cannot unmarshal yaml: %v", err)
	}

	applyDefaults(&cfg)

	if cfg.Redis.Addr == "" {
		log.Fatalf("config: redis.addr is empty")
	}
	if cfg.Postgres.DSN == "" {
		log.Fatalf("config: postgres.dsn is empty")
	}
	if cfg.NATS.Subject == "" {
		log.Fatalf("config: nats.subject is empty")
	}
	if cfg.PerNodeCapacity <= 0 {
		log.Fatalf("config: per_node_capacity must be positive, got %d", cfg.PerNodeCapacity)
	}

	return &cfg
}

// applyDefaults fills every tunable spec.md §6's Configuration paragraph
// names a default for, when the YAML document leaves it at its zero value.
func applyDefaults(cfg *Config) {
	setDuration(&cfg.PendingDrainInterval, 30*time.Second)
	setDuration(&cfg.ReclaimerInterval, 300*time.Second)
	setDuration(&cfg.StuckThreshold, 30*time.Minute)
	setDuration(&cfg.LivenessWindow, 5*time.Minute)
	setDuration(&cfg.ReconcilerInterval, 30*time.Second)
	setDuration(&cfg.DefaultLockTTL, 30*time.Second)
	setDuration(&cfg.DefaultLockWait, 5*time.Second)

	if cfg.PerNodeCapacity == 0 {
		cfg.PerNodeCapacity = 10
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 10
	}
	if cfg.SelectionShardCount == 0 {
		cfg.SelectionShardCount = 5
	}
	if cfg.NATS.StreamName == "" {
		cfg.NATS.StreamName = "TASK_EVENTS"
	}
}

func setDuration(field *time.Duration, def time.Duration) {
	if *field == 0 {
		*field = def
	}
}
