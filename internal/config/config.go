// Package config handles loading and validating datagate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for datagate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.datagate/data. Override: DATAGATE_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Interpreter   *InterpreterConfig   `json:"interpreter,omitempty" yaml:"interpreter,omitempty"` // nil = defaults
	Guard         *GuardConfig         `json:"guard,omitempty" yaml:"guard,omitempty"`             // nil = built-in patterns only
	Memory        *MemoryConfig        `json:"memory,omitempty" yaml:"memory,omitempty"`           // nil = in-process store with defaults
	DataSource    DataSourceConfig     `json:"data_source" yaml:"data_source"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the data directory
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`     // nil = JSONL audit log under the data directory
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Policy        *PolicyConfig        `json:"policy,omitempty" yaml:"policy,omitempty"`               // nil = built-in policy
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"` // "openai", "anthropic" or "ollama". Empty = "openai".
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// InterpreterConfig tunes the model call.
type InterpreterConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
	MaxTokens      int `json:"max_tokens" yaml:"max_tokens"`           // Default: 1500.
}

// Timeout returns the model call timeout with a default of 30s.
func (i *InterpreterConfig) Timeout() time.Duration {
	if i != nil && i.TimeoutSeconds > 0 {
		return time.Duration(i.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Tokens returns the reply token cap with a default of 1500.
func (i *InterpreterConfig) Tokens() int {
	if i != nil && i.MaxTokens > 0 {
		return i.MaxTokens
	}
	return 1500
}

// GuardConfig extends the input guard.
type GuardConfig struct {
	MaxChars       int      `json:"max_chars" yaml:"max_chars"` // Default: 2000.
	ExtraJailbreak []string `json:"extra_jailbreak_patterns,omitempty" yaml:"extra_jailbreak_patterns,omitempty"`
	ExtraOffTopic  []string `json:"extra_off_topic_patterns,omitempty" yaml:"extra_off_topic_patterns,omitempty"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	Backend            string       `json:"backend" yaml:"backend"`                             // "memory" (default) or "redis".
	MaxHistoryMessages int          `json:"max_history_messages" yaml:"max_history_messages"`   // Window size. Default: 20.
	TokenBudget        int          `json:"token_budget" yaml:"token_budget"`                   // Window token cap. Default: 3000.
	MaxStoredMessages  int          `json:"max_stored_messages" yaml:"max_stored_messages"`     // Stored log cap per session. Default: 200.
	IdleTTLMinutes     int          `json:"idle_ttl_minutes" yaml:"idle_ttl_minutes"`           // Default: 30.
	SweepSchedule      string       `json:"sweep_schedule" yaml:"sweep_schedule"`               // Cron spec. Default: "@every 1m".
	SummarizeOverflow  bool         `json:"summarize_overflow" yaml:"summarize_overflow"`       // Fold dropped messages via the LLM.
	Redis              *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig configures the shared session store.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"` // Override: DATAGATE_REDIS_ADDR env var.
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"` // Default: "datagate".
}

// MemoryBackend returns the store backend, defaulting to "memory".
func (m *MemoryConfig) MemoryBackend() string {
	if m != nil && m.Backend != "" {
		return m.Backend
	}
	return "memory"
}

func (m *MemoryConfig) MaxHistory() int {
	if m != nil && m.MaxHistoryMessages > 0 {
		return m.MaxHistoryMessages
	}
	return 20
}

func (m *MemoryConfig) Budget() int {
	if m != nil && m.TokenBudget > 0 {
		return m.TokenBudget
	}
	return 3000
}

func (m *MemoryConfig) MaxStored() int {
	if m != nil && m.MaxStoredMessages > 0 {
		return m.MaxStoredMessages
	}
	return 200
}

// IdleTTL returns the session inactivity window with a default of 30m.
func (m *MemoryConfig) IdleTTL() time.Duration {
	if m != nil && m.IdleTTLMinutes > 0 {
		return time.Duration(m.IdleTTLMinutes) * time.Minute
	}
	return 30 * time.Minute
}

func (m *MemoryConfig) Schedule() string {
	if m != nil && m.SweepSchedule != "" {
		return m.SweepSchedule
	}
	return "@every 1m"
}

// Prefix returns the Redis key prefix with a default of "datagate".
func (r *RedisConfig) Prefix() string {
	if r != nil && r.KeyPrefix != "" {
		return r.KeyPrefix
	}
	return "datagate"
}

// DataSourceConfig is the database queried on behalf of users. The
// credentials should grant SELECT only.
type DataSourceConfig struct {
	Driver         string `json:"driver" yaml:"driver"` // "postgres" (default) or "sqlite".
	DSN            string `json:"dsn" yaml:"dsn"`       // Override: DATAGATE_DATA_DSN env var.
	MaxOpenConns   int    `json:"max_open_conns" yaml:"max_open_conns"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query timeout. Default: 10.
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Executor row ceiling. Default: 100.
	Parallelism    int    `json:"parallelism" yaml:"parallelism"`         // Concurrent queries per turn. Default: 4.
}

func (d DataSourceConfig) SourceDriver() string {
	if d.Driver != "" {
		return d.Driver
	}
	return "postgres"
}

// QueryTimeout returns the per-query timeout with a default of 10s.
func (d DataSourceConfig) QueryTimeout() time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// StorageConfig configures where audit events are persisted.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data_dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl.
	Store   bool   `json:"store" yaml:"store"`                           // Also write to the storage backend.
	Disable bool   `json:"disable" yaml:"disable"`
}

// GatewaysConfig defines the enabled surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Auth                AuthConfig      `json:"auth" yaml:"auth"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// AuthConfig configures how callers are resolved to principals.
type AuthConfig struct {
	JWTSecret string                     `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"` // HS256 key. Override: DATAGATE_JWT_SECRET env var.
	JWTIssuer string                     `json:"jwt_issuer,omitempty" yaml:"jwt_issuer,omitempty"` // When set, the "iss" claim must match.
	APIKeys   map[string]PrincipalConfig `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`     // SHA-256 hex of the key → principal.
}

// PrincipalConfig is a statically configured principal.
type PrincipalConfig struct {
	ID          string `json:"id" yaml:"id"`
	Role        string `json:"role" yaml:"role"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
}

// RateLimitConfig configures per-principal rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketGatewayConfig configures the websocket chat surface.
type WebSocketGatewayConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Path                string `json:"path" yaml:"path"`                                   // Default: "/v1/ws".
	MaxMessageBytes     int64  `json:"max_message_bytes" yaml:"max_message_bytes"`         // Default: 64 KiB.
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`   // Default: 300.
	PingIntervalSeconds int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds"` // Default: 30.
}

// WSPath returns the WebSocket path with a default of "/v1/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/ws"
}

func (w *WebSocketGatewayConfig) ReadLimit() int64 {
	if w != nil && w.MaxMessageBytes > 0 {
		return w.MaxMessageBytes
	}
	return 64 << 10
}

// IdleTimeout returns the connection idle timeout with a default of 5m.
func (w *WebSocketGatewayConfig) IdleTimeout() time.Duration {
	if w != nil && w.IdleTimeoutSeconds > 0 {
		return time.Duration(w.IdleTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// PingInterval returns the keepalive interval with a default of 30s.
func (w *WebSocketGatewayConfig) PingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "datagate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
	// Headers are sent with every export, e.g. collector credentials.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// AnomalyConfig configures error-rate alerts on upstream calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// PolicyConfig overrides parts of the built-in data access policy.
type PolicyConfig struct {
	PublicStatuses []string `json:"public_statuses,omitempty" yaml:"public_statuses,omitempty"`
	MaxRows        int      `json:"max_rows" yaml:"max_rows"`
}

// DefaultConfigPath returns the default config file path (~/.datagate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/datagate.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".datagate", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Secrets can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envDD := os.Getenv("DATAGATE_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if dsn := os.Getenv("DATAGATE_DATA_DSN"); dsn != "" {
		c.DataSource.DSN = dsn
	}
	if secret := os.Getenv("DATAGATE_JWT_SECRET"); secret != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("DATAGATE_REDIS_ADDR"); addr != "" {
		if c.Memory == nil {
			c.Memory = &MemoryConfig{}
		}
		if c.Memory.Redis == nil {
			c.Memory.Redis = &RedisConfig{}
		}
		c.Memory.Redis.Addr = addr
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".datagate", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "datagate.db")
}

// AuditLogPath returns the configured audit log path or the default under the data directory.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	if c.DataSource.DSN == "" {
		return fmt.Errorf("data_source.dsn is required (set DATAGATE_DATA_DSN env var)")
	}
	switch c.DataSource.SourceDriver() {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("data_source.driver %q is not supported (use postgres or sqlite)", c.DataSource.Driver)
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	switch c.Memory.MemoryBackend() {
	case "memory":
	case "redis":
		if c.Memory.Redis == nil || c.Memory.Redis.Addr == "" {
			return fmt.Errorf("memory.redis.addr is required for the redis backend (set DATAGATE_REDIS_ADDR env var)")
		}
	default:
		return fmt.Errorf("memory.backend %q is not supported (use memory or redis)", c.Memory.Backend)
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled {
		if h.Auth.JWTSecret == "" && len(h.Auth.APIKeys) == 0 {
			return fmt.Errorf("gateways.http.auth needs a jwt_secret or at least one api key")
		}
		for hash, p := range h.Auth.APIKeys {
			if p.ID == "" {
				return fmt.Errorf("gateways.http.auth.api_keys[%s].id is required", shortHash(hash))
			}
		}
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
	}
	if c.Policy != nil && c.Policy.MaxRows < 0 {
		return fmt.Errorf("policy.max_rows must not be negative")
	}
	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
func (c *Config) validateProvider() error {
	switch c.Providers.Default {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use openai, anthropic, or ollama)", c.Providers.Default)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
