package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the lead engine processes.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rating    RatingConfig    `yaml:"rating"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Sender    SenderConfig    `yaml:"sender"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings used for cross-process
// singleton locks. Empty URL falls back to PG advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig holds cache daemon and cache client settings.
type CacheConfig struct {
	SocketPath      string `yaml:"socket_path"`
	MaxValueBytes   int    `yaml:"max_value_bytes"`
	MaxCacheBytes   int64  `yaml:"max_cache_bytes"`
	DefaultTTLHours int    `yaml:"default_ttl_hours"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
	PoolSize        int    `yaml:"pool_size"`
	RPCTimeoutMS    int    `yaml:"rpc_timeout_ms"`
}

// DefaultTTL returns the cache default TTL as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLHours) * time.Hour
}

// RPCTimeout returns the per-call client timeout as a duration.
func (c CacheConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}

// SchedulerConfig holds tick worker settings.
type SchedulerConfig struct {
	TickMS        int `yaml:"tick_ms"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Tick returns the scheduler tick as a duration.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// RatingConfig holds rating pipeline settings.
type RatingConfig struct {
	BatchSize            int     `yaml:"batch_size"`
	WorkProbability      float64 `yaml:"work_probability"`
	GuardMaxParallel     int     `yaml:"guard_max_parallel"`
	EntityLockTTLSeconds int     `yaml:"entity_lock_ttl_seconds"`
	MaxFill              int     `yaml:"max_fill"`
	MaxCandidates        int     `yaml:"max_candidates"`
}

// EntityLockTTL returns the per-entity lease TTL as a duration.
func (c RatingConfig) EntityLockTTL() time.Duration {
	return time.Duration(c.EntityLockTTLSeconds) * time.Second
}

// CrawlerConfig holds crawl coordination settings.
type CrawlerConfig struct {
	QueueBuildLimit  int    `yaml:"queue_build_limit"`
	PerTaskPickLimit int    `yaml:"per_task_pick_limit"`
	CellWindow       int    `yaml:"cell_window"`
	CellDiff         int    `yaml:"cell_diff"`
	PriorityOffset   int    `yaml:"priority_offset"`
	SpiderURL        string `yaml:"spider_url"`
}

// SenderConfig holds sender supervisor settings.
type SenderConfig struct {
	ReconcileSeconds    int `yaml:"reconcile_seconds"`
	HeartbeatGraceSec   int `yaml:"heartbeat_grace_seconds"`
	CrashLoopStarts     int `yaml:"crash_loop_starts"`
	CrashLoopWindowSec  int `yaml:"crash_loop_window_seconds"`
	CrashLoopPauseMin   int `yaml:"crash_loop_pause_minutes"`
	DeathJitterMinMin   int `yaml:"death_jitter_min_minutes"`
	DeathJitterMaxMin   int `yaml:"death_jitter_max_minutes"`

	// SendOneURL is the delivery service endpoint encapsulating rendering,
	// SMTP and the sent record.
	SendOneURL string `yaml:"send_one_url"`
}

// OpenAIConfig holds LLM oracle settings.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	ServiceTier    string `yaml:"service_tier"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file is fine; defaults plus env cover local setups.
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Cache.SocketPath == "" {
		cfg.Cache.SocketPath = "/tmp/lead-cache.sock"
	}
	if cfg.Cache.MaxValueBytes == 0 {
		cfg.Cache.MaxValueBytes = 128 * 1024
	}
	if cfg.Cache.MaxCacheBytes == 0 {
		cfg.Cache.MaxCacheBytes = 50 * 1024 * 1024
	}
	if cfg.Cache.DefaultTTLHours == 0 {
		cfg.Cache.DefaultTTLHours = 7 * 24
	}
	if cfg.Cache.LockTTLSeconds == 0 {
		cfg.Cache.LockTTLSeconds = 60
	}
	if cfg.Cache.PoolSize == 0 {
		cfg.Cache.PoolSize = 10
	}
	if cfg.Cache.RPCTimeoutMS == 0 {
		cfg.Cache.RPCTimeoutMS = 1000
	}
	if cfg.Scheduler.TickMS == 0 {
		cfg.Scheduler.TickMS = 500
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 8
	}
	if cfg.Rating.BatchSize == 0 {
		cfg.Rating.BatchSize = 20
	}
	if cfg.Rating.WorkProbability == 0 {
		cfg.Rating.WorkProbability = 0.7
	}
	if cfg.Rating.GuardMaxParallel == 0 {
		cfg.Rating.GuardMaxParallel = 10
	}
	if cfg.Rating.EntityLockTTLSeconds == 0 {
		cfg.Rating.EntityLockTTLSeconds = 900
	}
	if cfg.Rating.MaxFill == 0 {
		cfg.Rating.MaxFill = 1000
	}
	if cfg.Rating.MaxCandidates == 0 {
		cfg.Rating.MaxCandidates = 2000
	}
	if cfg.Crawler.QueueBuildLimit == 0 {
		cfg.Crawler.QueueBuildLimit = 500
	}
	if cfg.Crawler.PerTaskPickLimit == 0 {
		cfg.Crawler.PerTaskPickLimit = 500
	}
	if cfg.Crawler.CellWindow == 0 {
		cfg.Crawler.CellWindow = 100000
	}
	if cfg.Crawler.CellDiff == 0 {
		cfg.Crawler.CellDiff = 50
	}
	if cfg.Crawler.PriorityOffset == 0 {
		cfg.Crawler.PriorityOffset = 100
	}
	if cfg.Sender.ReconcileSeconds == 0 {
		cfg.Sender.ReconcileSeconds = 5
	}
	if cfg.Sender.HeartbeatGraceSec == 0 {
		cfg.Sender.HeartbeatGraceSec = 30
	}
	if cfg.Sender.CrashLoopStarts == 0 {
		cfg.Sender.CrashLoopStarts = 10
	}
	if cfg.Sender.CrashLoopWindowSec == 0 {
		cfg.Sender.CrashLoopWindowSec = 60
	}
	if cfg.Sender.CrashLoopPauseMin == 0 {
		cfg.Sender.CrashLoopPauseMin = 10
	}
	if cfg.Sender.DeathJitterMinMin == 0 {
		cfg.Sender.DeathJitterMinMin = 25
	}
	if cfg.Sender.DeathJitterMaxMin == 0 {
		cfg.Sender.DeathJitterMaxMin = 45
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.TimeoutSeconds == 0 {
		cfg.OpenAI.TimeoutSeconds = 120
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if sock := os.Getenv("CACHE_SOCKET"); sock != "" {
		cfg.Cache.SocketPath = sock
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAI.Model = model
	}
	if u := os.Getenv("SPIDER_URL"); u != "" {
		cfg.Crawler.SpiderURL = u
	}
	if u := os.Getenv("SEND_ONE_URL"); u != "" {
		cfg.Sender.SendOneURL = u
	}

	return cfg, nil
}
