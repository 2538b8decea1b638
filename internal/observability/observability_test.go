package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/executor"
	"github.com/jkaninda/datagate/internal/llm"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/security"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("disabled features created: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	obs.RecordTurn("answered")
	obs.RecordSecurityCheck("input_screen", "accepted")
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}

	_, span := obs.StartSpan(context.Background(), "noop")
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	span.End()
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vectors only appear in Gather after first use.
	m.ChatTurnsTotal.WithLabelValues("answered").Inc()
	m.LLMRequestsTotal.WithLabelValues("openai", "success").Inc()
	m.QueryExecutionsTotal.WithLabelValues("hackathons", "success").Inc()
	m.SecurityChecksTotal.WithLabelValues("authorize", "allowed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/chat/{surface}", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"datagate_chat_turns_total",
		"datagate_llm_requests_total",
		"datagate_query_executions_total",
		"datagate_security_checks_total",
		"datagate_http_requests_total",
		"datagate_http_rate_limited_total",
		"datagate_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestObservability_RecordTurn(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	obs.RecordTurn("answered")
	obs.RecordTurn("answered")
	obs.RecordTurn("rejected")
	obs.RecordSecurityCheck("input_screen", "jailbreak")

	reg := obs.Metrics.Registry
	if v := counterValue(t, reg, "datagate_chat_turns_total", prometheus.Labels{"outcome": "answered"}); v != 2 {
		t.Errorf("answered = %v, want 2", v)
	}
	if v := counterValue(t, reg, "datagate_chat_turns_total", prometheus.Labels{"outcome": "rejected"}); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
	if v := counterValue(t, reg, "datagate_security_checks_total", prometheus.Labels{"check_type": "input_screen", "result": "jailbreak"}); v != 1 {
		t.Errorf("security check = %v, want 1", v)
	}
}

// --- HealthChecker ---

func TestHealthChecker(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]error
		want   string
	}{
		{"no checks", nil, "ok"},
		{"all pass", map[string]error{"data_source": nil, "sessions": nil}, "ok"},
		{"one fails", map[string]error{"data_source": errors.New("connection refused"), "sessions": nil}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(nil)
			for name, err := range tt.checks {
				h.AddCheck(name, func(ctx context.Context) error { return err })
			}
			status := h.CheckReady(context.Background())
			if status.Status != tt.want {
				t.Errorf("status = %q, want %q", status.Status, tt.want)
			}
			for name, err := range tt.checks {
				want := "ok"
				if err != nil {
					want = "fail"
				}
				if got := status.Checks[name].Status; got != want {
					t.Errorf("%s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.Record("test", errors.New("x"))
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero error rate")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.Record(OpQueryExecute, nil)
	}
	for i := 0; i < 6; i++ {
		a.Record(OpQueryExecute, errors.New("boom"))
	}

	if got := a.ErrorRate(OpQueryExecute); got != 0.6 {
		t.Errorf("error rate = %v, want 0.6", got)
	}
	a.mu.Lock()
	_, alerted := a.lastAlert[OpQueryExecute]
	a.mu.Unlock()
	if !alerted {
		t.Error("expected an alert above threshold")
	}

	// Entries fall out of the window.
	now = now.Add(2 * time.Minute)
	if got := a.ErrorRate(OpQueryExecute); got != 0 {
		t.Errorf("error rate after window = %v, want 0", got)
	}
}

func TestAnomalyDetector_NeedsMinimumSamples(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.1}, nil)
	a.RecordError(OpLLMRequest)
	a.RecordError(OpLLMRequest)

	a.mu.Lock()
	_, alerted := a.lastAlert[OpLLMRequest]
	a.mu.Unlock()
	if alerted {
		t.Error("alert raised below the minimum sample count")
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	inner := &mockProvider{
		name: "openai",
		resp: &llm.Response{Content: "{}", Usage: llm.Usage{InputTokens: 100, OutputTokens: 50}},
	}
	p := NewInstrumentedProvider(inner, obs)

	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if resp.Content != "{}" || inner.called != 1 {
		t.Errorf("resp = %+v, called = %d", resp, inner.called)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}

	reg := obs.Metrics.Registry
	if v := counterValue(t, reg, "datagate_llm_requests_total", prometheus.Labels{"provider": "openai", "status": "success"}); v != 1 {
		t.Errorf("requests = %v, want 1", v)
	}
	if v := counterValue(t, reg, "datagate_llm_tokens_used_total", prometheus.Labels{"provider": "openai", "direction": "input"}); v != 100 {
		t.Errorf("input tokens = %v, want 100", v)
	}
	if v := counterValue(t, reg, "datagate_llm_tokens_used_total", prometheus.Labels{"provider": "openai", "direction": "output"}); v != 50 {
		t.Errorf("output tokens = %v, want 50", v)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	obs := &Observability{
		Metrics: NewMetricsCollector(),
		Anomaly: NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil),
	}
	p := NewInstrumentedProvider(&mockProvider{name: "anthropic", err: errors.New("api error")}, obs)

	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}
	if v := counterValue(t, obs.Metrics.Registry, "datagate_llm_requests_total", prometheus.Labels{"provider": "anthropic", "status": "error"}); v != 1 {
		t.Errorf("error count = %v, want 1", v)
	}
	if got := obs.Anomaly.ErrorRate(OpLLMRequest); got != 1 {
		t.Errorf("anomaly error rate = %v, want 1", got)
	}
}

func TestInstrumentedProvider_NilObservability(t *testing.T) {
	inner := &mockProvider{name: "ollama", resp: &llm.Response{Content: "ok"}}
	p := NewInstrumentedProvider(inner, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
}

// --- InstrumentedExecutor ---

type mockExecutor struct {
	res *executor.Result
	err error
}

func (m *mockExecutor) Execute(ctx context.Context, req query.AuthorizedDataRequest) (*executor.Result, error) {
	return m.res, m.err
}

func authorized(t *testing.T, table string) query.AuthorizedDataRequest {
	t.Helper()
	req, err := query.NewAuthorizer(nil).Authorize(
		query.DataRequest{Table: table},
		domain.Principal{ID: "admin-1", Role: domain.RoleAdmin},
		security.Resolve(domain.RoleAdmin),
	)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return req
}

func TestInstrumentedExecutor(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockExecutor
		status string
	}{
		{"success", &mockExecutor{res: &executor.Result{Table: "teams", RowCount: 3}}, "success"},
		{"timeout", &mockExecutor{err: executor.ErrTimeout}, "timeout"},
		{"error", &mockExecutor{err: errors.New("relation does not exist")}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &Observability{Metrics: NewMetricsCollector()}
			ex := NewInstrumentedExecutor(tt.inner, obs)

			_, err := ex.Execute(context.Background(), authorized(t, "teams"))
			if !errors.Is(err, tt.inner.err) {
				t.Errorf("err = %v, want %v", err, tt.inner.err)
			}
			if v := counterValue(t, obs.Metrics.Registry, "datagate_query_executions_total", prometheus.Labels{"table": "teams", "status": tt.status}); v != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tt.status, v)
			}
		})
	}
}

// --- Tracing ---

func TestNewTracerSetup_Disabled(t *testing.T) {
	for _, cfg := range []*config.TracingConfig{nil, {Enabled: false, Endpoint: "collector:4317"}} {
		ts, err := NewTracerSetup(cfg)
		if err != nil || ts != nil {
			t.Errorf("NewTracerSetup(%+v) = %v, %v; want nil, nil", cfg, ts, err)
		}
	}
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil setup returned a nil tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

func TestNewTracerSetup_UnknownProtocol(t *testing.T) {
	_, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Protocol: "zipkin"})
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tt.rate, got, tt.want)
		}
	}
}

func TestTracerSetup_ShutdownFlushes(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	ts := newTracerSetup(exp, resource.Empty(), "datagate-test", 1)

	_, span := ts.Tracer().Start(context.Background(), "chat.handle")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "chat.handle" {
		t.Errorf("exported spans = %+v", spans)
	}
}

// --- HTTP Middleware ---

func TestRouteTemplate_FallsBackToPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/schema", nil)
	if got := routeTemplate(req); got != "/v1/schema" {
		t.Errorf("routeTemplate = %q", got)
	}
}

func TestMetricsMiddleware_HandlersSeeRequestSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	var handlerSpan trace.SpanContext
	handler := MetricsMiddleware(nil, tracer)(func(c *okapi.Context) error {
		_, child := tracer.Start(c.Context(), "chat.handle")
		handlerSpan = child.SpanContext()
		child.End()
		return nil
	})

	c, _ := okapi.NewTestContext("POST", "/v1/chat/web", nil)
	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	var httpSpan, chatSpan sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case "http.request":
			httpSpan = s
		case "chat.handle":
			chatSpan = s
		}
	}
	if httpSpan == nil || chatSpan == nil {
		t.Fatalf("missing spans: %v", spans)
	}
	if chatSpan.Parent().SpanID() != httpSpan.SpanContext().SpanID() {
		t.Errorf("chat span parent = %s, want http span %s", chatSpan.Parent().SpanID(), httpSpan.SpanContext().SpanID())
	}
	if chatSpan.SpanContext().TraceID() != handlerSpan.TraceID() {
		t.Errorf("trace IDs differ")
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
