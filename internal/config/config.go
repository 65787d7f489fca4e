package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the engine configuration.
const (
	DefaultHTTPPort = 8080
	DefaultGRPCPort = 50051

	DefaultCacheMaxSize       = 1000
	DefaultCacheTTL           = 5 * time.Minute
	DefaultCacheSweepInterval = time.Minute

	DefaultPageSize = 50

	DefaultDebounceDelay = 300 * time.Millisecond
	DefaultWatchBatch    = 100 * time.Millisecond
	DefaultMaxFileSize   = 10 << 20

	DefaultPoolCapacity      = 100
	DefaultRoomsPerConn      = 50
	DefaultBatchDelay        = 50 * time.Millisecond
	DefaultConnectionTimeout = 5 * time.Minute
	DefaultHeartbeat         = 30 * time.Second
	DefaultAcquireBackoff    = 100 * time.Millisecond

	DefaultSampleInterval   = 30 * time.Second
	DefaultOptimizeInterval = 5 * time.Minute
	DefaultHistorySize      = 100
	DefaultMemoryBudgetMB   = 1024
	DefaultCacheBudgetMB    = 100

	DefaultSelfCheckInterval = time.Minute
	DefaultBatchConcurrency  = 8

	DefaultAuditBuffer = 500
	DefaultAuditRate   = 5.0
)

// Config is the full engine configuration parsed from config.yaml.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Cache       CacheConfig       `yaml:"cache"`
	Loader      LoaderConfig      `yaml:"loader"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	QueryStats  QueryStatsConfig  `yaml:"query_stats"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Audit       AuditConfig       `yaml:"audit"`
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Sentry      SentryConfig      `yaml:"sentry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is one of: json | text.
	Format string `yaml:"format"`
}

// CacheConfig sizes the TTL/LRU cache.
type CacheConfig struct {
	MaxSize       int           `yaml:"max_size"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Policies override the built-in key-prefix TTL table. Empty keeps the
	// built-in table.
	Policies []PolicyConfig `yaml:"policies"`
}

// PolicyConfig maps a key prefix to a TTL.
type PolicyConfig struct {
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// LoaderConfig tunes the request coalescer.
type LoaderConfig struct {
	PageSize     int           `yaml:"page_size"`
	PageTTL      time.Duration `yaml:"page_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Preload      []string      `yaml:"preload"`
}

// WatcherConfig holds the default watch options and the resources watched
// at startup.
type WatcherConfig struct {
	Debounce          bool          `yaml:"debounce"`
	DebounceDelay     time.Duration `yaml:"debounce_delay"`
	Batch             bool          `yaml:"batch"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	IgnoredExtensions []string      `yaml:"ignored_extensions"`
	IgnoredDirs       []string      `yaml:"ignored_dirs"`
	IgnoreHidden      bool          `yaml:"ignore_hidden"`
	MaxFileSize       int64         `yaml:"max_file_size"`
	Recursive         bool          `yaml:"recursive"`
	Paths             []WatchPath   `yaml:"paths"`
}

// WatchPath binds a resource id to a directory.
type WatchPath struct {
	Resource string `yaml:"resource"`
	Path     string `yaml:"path"`
}

// BroadcasterConfig sizes connection pools and batching.
type BroadcasterConfig struct {
	MaxConnectionsPerPool int            `yaml:"max_connections_per_pool"`
	PoolCapacities        map[string]int `yaml:"pool_capacities"`
	MaxRoomsPerConnection int            `yaml:"max_rooms_per_connection"`
	BatchDelay            time.Duration  `yaml:"batch_delay"`
	ConnectionTimeout     time.Duration  `yaml:"connection_timeout"`
	HeartbeatInterval     time.Duration  `yaml:"heartbeat_interval"`
	AcquireRetries        int            `yaml:"acquire_retries"`
	AcquireBackoff        time.Duration  `yaml:"acquire_backoff"`
}

// MonitorConfig controls health sampling and the optimization cycle.
type MonitorConfig struct {
	SampleInterval   time.Duration `yaml:"sample_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
	HistorySize      int           `yaml:"history_size"`

	// MemoryBudgetMB is the heap size treated as full utilization.
	MemoryBudgetMB float64 `yaml:"memory_budget_mb"`

	// CacheBudgetMB is the cache footprint above which the cache score is
	// penalized.
	CacheBudgetMB float64 `yaml:"cache_budget_mb"`

	// AutoOptimize runs Optimize on OptimizeInterval. When false only
	// sampling and bottleneck detection run.
	AutoOptimize bool `yaml:"auto_optimize"`

	// Rules replace the built-in bottleneck rules when non-empty.
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig defines one bottleneck rule.
type RuleConfig struct {
	// Type names the bottleneck, e.g. "memory" or "cache".
	Type string `yaml:"type"`

	// Condition is a simple expression: "cache_hit_rate < 0.7",
	// "memory_mb > 1000", "status == poor".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity       string `yaml:"severity"`
	Description    string `yaml:"description"`
	Recommendation string `yaml:"recommendation"`
}

// QueryStatsConfig selects where query-layer latency comes from.
type QueryStatsConfig struct {
	// Source is one of: recorder | prometheus. "recorder" measures the
	// operations run through the coordinator.
	Source string `yaml:"source"`

	// Endpoint is the Prometheus text exposition URL scraped when Source is
	// prometheus.
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`

	// LatencyMetric is the histogram or summary family holding query
	// latency in seconds.
	LatencyMetric string `yaml:"latency_metric"`

	// ErrorMetric is an optional counter of failed queries.
	ErrorMetric string `yaml:"error_metric"`
}

// CoordinatorConfig tunes the integration coordinator.
type CoordinatorConfig struct {
	SelfCheckInterval time.Duration `yaml:"self_check_interval"`
	BatchConcurrency  int           `yaml:"batch_concurrency"`
}

// AuditConfig controls delivery of audit records.
type AuditConfig struct {
	Enabled    bool            `yaml:"enabled"`
	BufferSize int             `yaml:"buffer_size"`
	RatePerSec float64         `yaml:"rate_per_sec"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	// HTTPPort serves the status API, /metrics and the WebSocket stream.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. Zero disables it.
	GRPCPort int `yaml:"grpc_port"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication on the gRPC and REST listeners.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// RedisConfig enables the Redis relay transport.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	PasswordEnv   string `yaml:"password_env"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SentryConfig controls error reporting. Reporting is off unless the DSN
// variable is set.
type SentryConfig struct {
	DSNEnv      string `yaml:"dsn_env"`
	Environment string `yaml:"environment"`
}

// DSN returns the Sentry DSN resolved from the environment.
func (s SentryConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			MaxSize:       DefaultCacheMaxSize,
			DefaultTTL:    DefaultCacheTTL,
			SweepInterval: DefaultCacheSweepInterval,
		},
		Loader: LoaderConfig{
			PageSize: DefaultPageSize,
			Preload:  []string{"file_tree", "task"},
		},
		Watcher: WatcherConfig{
			Debounce:          true,
			DebounceDelay:     DefaultDebounceDelay,
			Batch:             true,
			BatchDelay:        DefaultWatchBatch,
			IgnoredExtensions: []string{".log", ".tmp", ".swp", ".swo", ".bak", ".lock"},
			IgnoredDirs: []string{
				"node_modules", ".git", "vendor", "build", "dist", "out", ".next",
				"target", "__pycache__", ".pytest_cache", ".vscode", ".idea", "coverage",
			},
			IgnoreHidden: true,
			MaxFileSize:  DefaultMaxFileSize,
			Recursive:    true,
		},
		Broadcaster: BroadcasterConfig{
			MaxConnectionsPerPool: DefaultPoolCapacity,
			MaxRoomsPerConnection: DefaultRoomsPerConn,
			BatchDelay:            DefaultBatchDelay,
			ConnectionTimeout:     DefaultConnectionTimeout,
			HeartbeatInterval:     DefaultHeartbeat,
			AcquireRetries:        10,
			AcquireBackoff:        DefaultAcquireBackoff,
		},
		Monitor: MonitorConfig{
			SampleInterval:   DefaultSampleInterval,
			OptimizeInterval: DefaultOptimizeInterval,
			HistorySize:      DefaultHistorySize,
			MemoryBudgetMB:   DefaultMemoryBudgetMB,
			CacheBudgetMB:    DefaultCacheBudgetMB,
			AutoOptimize:     true,
		},
		QueryStats: QueryStatsConfig{
			Source:  "recorder",
			Timeout: 5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			SelfCheckInterval: DefaultSelfCheckInterval,
			BatchConcurrency:  DefaultBatchConcurrency,
		},
		Audit: AuditConfig{
			BufferSize: DefaultAuditBuffer,
			RatePerSec: DefaultAuditRate,
		},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			GRPCPort: DefaultGRPCPort,
		},
		Redis: RedisConfig{Addr: "localhost:6379", QueueSize: 1024},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "perfcore",
			SampleRatio: 0.1,
		},
		Sentry: SentryConfig{DSNEnv: "SENTRY_DSN", Environment: "development"},
	}
}

// Validate checks structural constraints on a configuration. Parse calls it;
// callers building a Config by hand should too.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}

	if cfg.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if cfg.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}
	for i, p := range cfg.Cache.Policies {
		if p.Prefix == "" {
			return fmt.Errorf("cache.policies[%d]: prefix is required", i)
		}
		if p.TTL <= 0 {
			return fmt.Errorf("cache.policies[%d] (%s): ttl must be positive", i, p.Prefix)
		}
	}

	if cfg.Loader.PageSize <= 0 {
		return fmt.Errorf("loader.page_size must be positive, got %d", cfg.Loader.PageSize)
	}
	if cfg.Loader.PageTTL < 0 || cfg.Loader.FetchTimeout < 0 {
		return fmt.Errorf("loader durations must not be negative")
	}

	if cfg.Watcher.DebounceDelay <= 0 || cfg.Watcher.BatchDelay <= 0 {
		return fmt.Errorf("watcher.debounce_delay and watcher.batch_delay must be positive")
	}
	if cfg.Watcher.MaxFileSize < 0 {
		return fmt.Errorf("watcher.max_file_size must not be negative")
	}
	seen := make(map[string]bool, len(cfg.Watcher.Paths))
	for i, p := range cfg.Watcher.Paths {
		if p.Resource == "" || p.Path == "" {
			return fmt.Errorf("watcher.paths[%d]: resource and path are required", i)
		}
		if seen[p.Resource] {
			return fmt.Errorf("watcher.paths[%d]: duplicate resource %q", i, p.Resource)
		}
		seen[p.Resource] = true
	}

	b := cfg.Broadcaster
	if b.MaxConnectionsPerPool <= 0 {
		return fmt.Errorf("broadcaster.max_connections_per_pool must be positive")
	}
	for role, n := range b.PoolCapacities {
		if n <= 0 {
			return fmt.Errorf("broadcaster.pool_capacities[%s] must be positive", role)
		}
	}
	if b.MaxRoomsPerConnection <= 0 {
		return fmt.Errorf("broadcaster.max_rooms_per_connection must be positive")
	}
	if b.BatchDelay <= 0 || b.ConnectionTimeout <= 0 || b.HeartbeatInterval <= 0 {
		return fmt.Errorf("broadcaster delays and timeouts must be positive")
	}
	if b.AcquireRetries < 0 || b.AcquireBackoff < 0 {
		return fmt.Errorf("broadcaster.acquire_retries and acquire_backoff must not be negative")
	}

	m := cfg.Monitor
	if m.SampleInterval <= 0 || m.OptimizeInterval <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	if m.HistorySize <= 0 {
		return fmt.Errorf("monitor.history_size must be positive")
	}
	if m.MemoryBudgetMB <= 0 || m.CacheBudgetMB <= 0 {
		return fmt.Errorf("monitor.memory_budget_mb and cache_budget_mb must be positive")
	}
	for i, r := range m.Rules {
		if r.Type == "" || r.Condition == "" {
			return fmt.Errorf("monitor.rules[%d]: type and condition are required", i)
		}
		switch r.Severity {
		case "critical", "warning", "info":
		default:
			return fmt.Errorf("monitor.rules[%d]: severity %q unknown: want critical|warning|info", i, r.Severity)
		}
	}

	switch cfg.QueryStats.Source {
	case "recorder":
	case "prometheus":
		if cfg.QueryStats.Endpoint == "" || cfg.QueryStats.LatencyMetric == "" {
			return fmt.Errorf("query_stats: prometheus source requires endpoint and latency_metric")
		}
	default:
		return fmt.Errorf("query_stats.source %q unknown: want recorder|prometheus", cfg.QueryStats.Source)
	}

	if cfg.Coordinator.SelfCheckInterval <= 0 {
		return fmt.Errorf("coordinator.self_check_interval must be positive")
	}
	if cfg.Coordinator.BatchConcurrency <= 0 {
		return fmt.Errorf("coordinator.batch_concurrency must be positive")
	}

	if cfg.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be positive")
	}
	if cfg.Audit.RatePerSec <= 0 {
		return fmt.Errorf("audit.rate_per_sec must be positive")
	}
	for i, w := range cfg.Audit.Webhooks {
		switch w.Type {
		case "slack", "http":
		default:
			return fmt.Errorf("audit.webhooks[%d]: type %q unknown: want slack|http", i, w.Type)
		}
	}

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if cfg.Redis.QueueSize < 0 {
		return fmt.Errorf("redis.queue_size must not be negative")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
