package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/datagate/internal/executor"
	"github.com/jkaninda/datagate/internal/llm"
	"github.com/jkaninda/datagate/internal/query"
)

// Anomaly operation names.
const (
	OpLLMRequest   = "llm_request"
	OpQueryExecute = "query_execute"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with the enabled parts of obs.
func NewInstrumentedProvider(inner llm.Provider, obs *Observability) *InstrumentedProvider {
	p := &InstrumentedProvider{
		inner:   inner,
		metrics: obs.MetricsOrNil(),
		anomaly: obs.AnomalyOrNil(),
	}
	if ts := obs.TracerOrNil(); ts != nil {
		p.tracer = ts.Tracer()
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		recordSpanError(ctx, p.tracer, err)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	p.anomaly.Record(OpLLMRequest, err)

	return resp, err
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an executor.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   executor.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with the enabled parts of obs.
func NewInstrumentedExecutor(inner executor.Executor, obs *Observability) *InstrumentedExecutor {
	e := &InstrumentedExecutor{
		inner:   inner,
		metrics: obs.MetricsOrNil(),
		anomaly: obs.AnomalyOrNil(),
	}
	if ts := obs.TracerOrNil(); ts != nil {
		e.tracer = ts.Tracer()
	}
	return e
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req query.AuthorizedDataRequest) (*executor.Result, error) {
	table := req.Table()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "query.execute",
			trace.WithAttributes(
				attribute.String("db.table", table),
				attribute.String("datagate.scope", req.Scope().String()),
				attribute.Int("db.joins", len(req.Joins())),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, executor.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	if err != nil {
		recordSpanError(ctx, e.tracer, err)
	} else if e.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.rows", res.RowCount),
			attribute.Bool("db.truncated", res.Truncated),
		)
	}

	if e.metrics != nil {
		e.metrics.QueryExecutionsTotal.WithLabelValues(table, status).Inc()
		e.metrics.QueryExecutionDuration.WithLabelValues(table).Observe(duration)
		if res != nil {
			e.metrics.QueryRowsReturned.WithLabelValues(table).Observe(float64(res.RowCount))
		}
	}

	e.anomaly.Record(OpQueryExecute, err)

	return res, err
}

func recordSpanError(ctx context.Context, tracer trace.Tracer, err error) {
	if tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider      = (*InstrumentedProvider)(nil)
	_ executor.Executor = (*InstrumentedExecutor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
