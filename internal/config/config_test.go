package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalYAML = `
providers:
  default: openai
  openai:
    api_key: sk-test
    model: gpt-4o-mini
data_source:
  driver: sqlite
  dsn: file:test.db
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "datagate.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Providers.OpenAI.Model)
	}
	if cfg.DataSource.SourceDriver() != "sqlite" {
		t.Errorf("driver = %q", cfg.DataSource.SourceDriver())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("storage driver = %q", cfg.StorageDriverName())
	}
}

func TestLoad_JSON(t *testing.T) {
	body := `{
		"providers": {"default": "ollama", "ollama": {"model": "llama3"}},
		"data_source": {"dsn": "postgres://localhost/app"}
	}`
	cfg, err := Load(writeConfig(t, "datagate.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataSource.SourceDriver() != "postgres" {
		t.Errorf("default data source driver = %q, want postgres", cfg.DataSource.SourceDriver())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DATAGATE_DATA_DSN", "postgres://env/app")
	t.Setenv("DATAGATE_JWT_SECRET", "env-secret")
	t.Setenv("DATAGATE_REDIS_ADDR", "redis:6379")

	body := `
providers:
  openai:
    model: gpt-4o-mini
`
	cfg, err := Load(writeConfig(t, "datagate.yml", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Default != "openai" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.DataSource.DSN != "postgres://env/app" {
		t.Errorf("dsn = %q", cfg.DataSource.DSN)
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret not applied: %+v", cfg.Gateways.HTTP)
	}
	if cfg.Memory == nil || cfg.Memory.Redis == nil || cfg.Memory.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr not applied: %+v", cfg.Memory)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown provider",
			body: "providers: {default: gemini}\ndata_source: {dsn: x}\n",
			want: "providers.default",
		},
		{
			name: "missing model",
			body: "providers: {default: anthropic, anthropic: {api_key: k}}\ndata_source: {dsn: x}\n",
			want: "providers.anthropic.model",
		},
		{
			name: "missing dsn",
			body: "providers: {default: ollama, ollama: {model: m}}\n",
			want: "data_source.dsn",
		},
		{
			name: "bad data source driver",
			body: "providers: {default: ollama, ollama: {model: m}}\ndata_source: {driver: mysql, dsn: x}\n",
			want: "data_source.driver",
		},
		{
			name: "redis without addr",
			body: "providers: {default: ollama, ollama: {model: m}}\ndata_source: {dsn: x}\nmemory: {backend: redis}\n",
			want: "memory.redis.addr",
		},
		{
			name: "http without auth",
			body: "providers: {default: ollama, ollama: {model: m}}\ndata_source: {dsn: x}\ngateways: {http: {enabled: true}}\n",
			want: "gateways.http.auth",
		},
		{
			name: "postgres storage without dsn",
			body: "providers: {default: ollama, ollama: {model: m}}\ndata_source: {dsn: x}\nstorage: {driver: postgres}\n",
			want: "storage.postgres.dsn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Keep ambient credentials out of the validation cases.
			t.Setenv("DATAGATE_DATA_DSN", "")
			t.Setenv("DATAGATE_JWT_SECRET", "")
			t.Setenv("DATAGATE_REDIS_ADDR", "")
			t.Setenv("ANTHROPIC_API_KEY", "")

			_, err := Load(writeConfig(t, "c.yaml", tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestAccessors_NilDefaults(t *testing.T) {
	var m *MemoryConfig
	if m.MemoryBackend() != "memory" || m.MaxHistory() != 20 || m.Budget() != 3000 {
		t.Errorf("memory defaults: %s %d %d", m.MemoryBackend(), m.MaxHistory(), m.Budget())
	}
	if m.IdleTTL() != 30*time.Minute || m.Schedule() != "@every 1m" || m.MaxStored() != 200 {
		t.Errorf("memory defaults: %s %s %d", m.IdleTTL(), m.Schedule(), m.MaxStored())
	}

	var i *InterpreterConfig
	if i.Timeout() != 30*time.Second || i.Tokens() != 1500 {
		t.Errorf("interpreter defaults: %s %d", i.Timeout(), i.Tokens())
	}

	var w *WebSocketGatewayConfig
	if w.WSPath() != "/v1/ws" || w.ReadLimit() != 64<<10 {
		t.Errorf("websocket defaults: %s %d", w.WSPath(), w.ReadLimit())
	}

	var h *HTTPGatewayConfig
	if h.Addr() != ":8080" {
		t.Errorf("http addr = %q", h.Addr())
	}

	var r *RedisConfig
	if r.Prefix() != "datagate" {
		t.Errorf("redis prefix = %q", r.Prefix())
	}
}

func TestAuditLogPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/datagate"}
	if got := cfg.AuditLogPath(); got != filepath.Join("/var/lib/datagate", "audit.jsonl") {
		t.Errorf("AuditLogPath = %q", got)
	}
	cfg.Audit = &AuditConfig{LogPath: "/tmp/a.jsonl"}
	if got := cfg.AuditLogPath(); got != "/tmp/a.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
}
