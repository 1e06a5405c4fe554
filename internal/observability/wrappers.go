package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/runner"
	"github.com/jkaninda/vipu/internal/sandbox"
)

// Execution outcomes used as metric label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure" // non-zero exit, compile error
	OutcomeTimeout   = "timeout"
	OutcomeTruncated = "truncated"
	OutcomeRejected  = "rejected" // invalid request or unsupported language
	OutcomeError     = "error"    // infrastructure failure or cancellation
)

// Outcome classifies an execution for metrics and logs.
func Outcome(res *executor.Result, err error) string {
	switch {
	case err != nil:
		var unsupported *executor.UnsupportedLanguageError
		if errors.Is(err, executor.ErrInvalidRequest) || errors.As(err, &unsupported) {
			return OutcomeRejected
		}
		return OutcomeError
	case res == nil:
		return OutcomeError
	case res.TimedOut:
		return OutcomeTimeout
	case res.Truncated:
		return OutcomeTruncated
	case res.Success:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an executor.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   executor.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner executor.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	language := req.Language
	if language == "" {
		language = string(runner.Default)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.execute",
			trace.WithAttributes(
				attribute.String("code.language", language),
				attribute.Int("code.size", len(req.Code)),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	res, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()
	outcome := Outcome(res, err)

	if span != nil {
		span.SetAttributes(attribute.String("code.outcome", outcome))
		if res != nil {
			span.SetAttributes(attribute.Int("code.exit_code", res.ExitCode))
		}
		if outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	// Rejected requests carry arbitrary language strings; keep them out of
	// the label set.
	label := language
	if outcome == OutcomeRejected {
		label = "invalid"
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(label, outcome).Inc()
		if res != nil {
			e.metrics.ExecutionDuration.WithLabelValues(label).Observe(duration)
			e.metrics.OutputBytes.WithLabelValues(label).Observe(float64(len(res.Stdout) + len(res.Stderr)))
		}
	}

	if e.anomaly != nil {
		switch outcome {
		case OutcomeError:
			e.anomaly.RecordError("execute")
		case OutcomeTimeout:
			e.anomaly.RecordTimeout("execute")
		case OutcomeRejected:
		default:
			e.anomaly.RecordSuccess("execute")
		}
	}

	return res, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) GuestDir(hostDir string) string {
	return s.inner.GuestDir(hostDir)
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
				attribute.String("sandbox.language", req.Language),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.TimedOut:
		status = "timeout"
	case result != nil && result.Truncated:
		status = "truncated"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
	}
	if s.tracer != nil && result != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("sandbox_" + s.sandboxType)
		} else {
			s.anomaly.RecordSuccess("sandbox_" + s.sandboxType)
		}
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ executor.Executor = (*InstrumentedExecutor)(nil)
	_ sandbox.Sandbox   = (*InstrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
