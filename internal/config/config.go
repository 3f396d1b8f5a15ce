package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all coordinator settings.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Redis (result cache / request collapsing)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Cache
	ResultCacheTTL time.Duration `yaml:"result_cache_ttl"` // cached outcome lifetime
	InflightTTL    time.Duration `yaml:"inflight_ttl"`     // request collapsing sentinel lifetime

	// Task brokering
	MaxAttempts       int           `yaml:"max_attempts"`        // per task, across all peers
	DefaultDeadline   time.Duration `yaml:"default_deadline"`    // per attempt, when the requester gives none
	WaitTimeout       time.Duration `yaml:"wait_timeout"`        // max time the HTTP handler blocks for an outcome
	SweepTick         time.Duration `yaml:"sweep_tick"`          // assignment deadline sweep period
	StreamBufferDepth int           `yaml:"stream_buffer_depth"` // max unresolved tasks per ordered stream

	// Peer health
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // advisory, echoed to peers in docs
	SuspectAfter      time.Duration `yaml:"suspect_after"`      // silence before ACTIVE→SUSPECT
	DeadAfter         time.Duration `yaml:"dead_after"`         // silence before →DEAD
	EvictAfter        time.Duration `yaml:"evict_after"`        // grace before a DEAD record is dropped
	MonitorTick       time.Duration `yaml:"monitor_tick"`       // health monitor period

	// Scheduling policy
	WeightReputation float64 `yaml:"weight_reputation"`
	WeightLatency    float64 `yaml:"weight_latency"`
	WeightLoad       float64 `yaml:"weight_load"`
	SuspectPenalty   float64 `yaml:"suspect_penalty"` // flat score penalty for SUSPECT peers

	// Reputation policy. Failures erode trust faster than successes
	// rebuild it, so the penalty default exceeds the reward.
	ReputationReward  float64 `yaml:"reputation_reward"`
	ReputationPenalty float64 `yaml:"reputation_penalty"`

	// PostgreSQL (task log / peer event archive)
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
}

// Load reads configuration from environment variables with sensible
// defaults. If path is non-empty the YAML file is applied first and env
// vars override it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envIntOr("REDIS_DB", cfg.RedisDB)
	cfg.ResultCacheTTL = envDurationOr("RESULT_CACHE_TTL", cfg.ResultCacheTTL)
	cfg.InflightTTL = envDurationOr("INFLIGHT_TTL", cfg.InflightTTL)
	cfg.MaxAttempts = envIntOr("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.DefaultDeadline = envDurationOr("DEFAULT_DEADLINE", cfg.DefaultDeadline)
	cfg.WaitTimeout = envDurationOr("WAIT_TIMEOUT", cfg.WaitTimeout)
	cfg.SweepTick = envDurationOr("SWEEP_TICK", cfg.SweepTick)
	cfg.StreamBufferDepth = envIntOr("STREAM_BUFFER_DEPTH", cfg.StreamBufferDepth)
	cfg.HeartbeatInterval = envDurationOr("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.SuspectAfter = envDurationOr("SUSPECT_AFTER", cfg.SuspectAfter)
	cfg.DeadAfter = envDurationOr("DEAD_AFTER", cfg.DeadAfter)
	cfg.EvictAfter = envDurationOr("EVICT_AFTER", cfg.EvictAfter)
	cfg.MonitorTick = envDurationOr("MONITOR_TICK", cfg.MonitorTick)
	cfg.WeightReputation = envFloatOr("WEIGHT_REPUTATION", cfg.WeightReputation)
	cfg.WeightLatency = envFloatOr("WEIGHT_LATENCY", cfg.WeightLatency)
	cfg.WeightLoad = envFloatOr("WEIGHT_LOAD", cfg.WeightLoad)
	cfg.SuspectPenalty = envFloatOr("SUSPECT_PENALTY", cfg.SuspectPenalty)
	cfg.ReputationReward = envFloatOr("REPUTATION_REWARD", cfg.ReputationReward)
	cfg.ReputationPenalty = envFloatOr("REPUTATION_PENALTY", cfg.ReputationPenalty)
	cfg.DBHost = envOr("DB_HOST", cfg.DBHost)
	cfg.DBPort = envOr("DB_PORT", cfg.DBPort)
	cfg.DBUser = envOr("DB_USER", cfg.DBUser)
	cfg.DBPassword = envOr("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envOr("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envOr("DB_SSLMODE", cfg.DBSSLMode)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		ResultCacheTTL:    time.Hour,
		InflightTTL:       5 * time.Minute,
		MaxAttempts:       3,
		DefaultDeadline:   30 * time.Second,
		WaitTimeout:       90 * time.Second,
		SweepTick:         500 * time.Millisecond,
		StreamBufferDepth: 64,
		HeartbeatInterval: 10 * time.Second,
		SuspectAfter:      30 * time.Second,
		DeadAfter:         90 * time.Second,
		EvictAfter:        5 * time.Minute,
		MonitorTick:       5 * time.Second,
		WeightReputation:  1.0,
		WeightLatency:     1.0,
		WeightLoad:        1.0,
		SuspectPenalty:    0.25,
		ReputationReward:  0.05,
		ReputationPenalty: 0.15,
		DBHost:            "localhost",
		DBPort:            "5432",
		DBUser:            "postgres",
		DBPassword:        "postgres",
		DBName:            "hivegrid",
		DBSSLMode:         "disable",
	}
}

func (c *Config) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.SuspectAfter >= c.DeadAfter {
		return fmt.Errorf("suspect_after (%s) must be below dead_after (%s)", c.SuspectAfter, c.DeadAfter)
	}
	if c.StreamBufferDepth < 1 {
		return fmt.Errorf("stream_buffer_depth must be >= 1, got %d", c.StreamBufferDepth)
	}
	return nil
}

// DBDSN assembles the PostgreSQL connection string.
func (c *Config) DBDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
