package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/vipu/internal/config"
)

// minSamples is the number of events needed before a rate is judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
//
// Two rates are tracked per operation: infrastructure errors over all calls,
// and runs killed by the timeout over all completed runs. A sustained timeout
// rate usually means a toolchain is hanging or the host is overloaded.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	timeoutCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
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
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		timeoutCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a completed operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// RecordTimeout records a completed operation that hit its time limit.
// The operation also counts as a success for the error rate.
func (a *AnomalyDetector) RecordTimeout(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.successCounts, operation).add(now, 1)
	a.getOrCreateWindow(a.timeoutCounts, operation).add(now, 1)
	a.checkTimeoutRate(operation)
}

// ErrorRate returns the current error rate for an operation.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	errs, total := a.errorTotals(operation)
	if total == 0 {
		return 0
	}
	return errs / total
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errs, total := a.errorTotals(operation)
	if total < minSamples {
		return
	}

	rate := errs / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}

// checkTimeoutRate checks if the timeout rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkTimeoutRate(operation string) {
	threshold := a.cfg.TimeoutThreshold
	if threshold <= 0 {
		return
	}

	now := a.now()
	timeouts := a.getOrCreateWindow(a.timeoutCounts, operation).sum(now)
	total := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	if total < minSamples {
		return
	}

	rate := timeouts / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high timeout rate",
			slog.String("operation", operation),
			slog.Float64("timeout_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("timeouts", timeouts),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) errorTotals(operation string) (errs, total float64) {
	now := a.now()
	errs = a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	return errs, errs + successes
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
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
