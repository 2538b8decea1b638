package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/datagate/internal/config"
)

const minAnomalySamples = 5

// AnomalyDetector warns when an upstream operation's error rate over a
// sliding window crosses a threshold. Operations are "llm_request" and
// "query_execute".
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	lastAlert     map[string]time.Time
	threshold     float64
	window        time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	windowSecs := cfg.WindowSeconds
	if windowSecs <= 0 {
		windowSecs = 300
	}

	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		lastAlert:     make(map[string]time.Time),
		threshold:     cfg.ErrorRateThreshold,
		window:        time.Duration(windowSecs) * time.Second,
		now:           time.Now,
		logger:        logger,
	}
}

// Record counts one outcome of operation.
func (a *AnomalyDetector) Record(operation string, err error) {
	if err != nil {
		a.RecordError(operation)
		return
	}
	a.RecordSuccess(operation)
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, operation).add(now, 1)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// ErrorRate returns the current error rate for operation, or 0 without data.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	rate, _ := a.rate(operation, a.now())
	return rate
}

func (a *AnomalyDetector) rate(operation string, now time.Time) (float64, float64) {
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum(now)
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate logs at most one warning per operation per window.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	if a.threshold <= 0 {
		return
	}

	rate, total := a.rate(operation, now)
	if total < minAnomalySamples || rate <= a.threshold {
		return
	}
	if last, ok := a.lastAlert[operation]; ok && now.Sub(last) < a.window {
		return
	}
	a.lastAlert[operation] = now

	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
