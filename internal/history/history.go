// Package history records finished executions.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/vipu/internal/executor"
)

// Listing bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// ErrNotFound is returned by Store.Get for an unknown id.
var ErrNotFound = errors.New("execution not found")

// Execution is one recorded program run.
type Execution struct {
	ID         uuid.UUID `json:"id"`
	Code       string    `json:"code"`
	Language   string    `json:"language"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exitCode"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timedOut"`
	Truncated  bool      `json:"truncated"`
	DurationMS int64     `json:"durationMs"`
	UserID     string    `json:"userId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists executions.
type Store interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)
	// List returns the newest executions first.
	List(ctx context.Context, limit int) ([]Execution, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClampLimit applies the default and maximum to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// FromResult builds a record from a request and its result.
func FromResult(req executor.Request, res *executor.Result) *Execution {
	resp := executor.NewResponse(res)
	return &Execution{
		Code:       req.Code,
		Language:   resp.Language,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ExitCode:   resp.ExitCode,
		Success:    resp.Success,
		TimedOut:   resp.TimedOut,
		Truncated:  resp.Truncated,
		DurationMS: resp.DurationMS,
		UserID:     req.UserID,
	}
}

// Recorder persists finished runs. Failures are logged, never returned, so
// a storage outage cannot fail an execution. A nil Recorder is a no-op.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. A nil store disables recording.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if store == nil {
		return nil
	}
	return &Recorder{store: store, timeout: 5 * time.Second, logger: logger}
}

// Record stores the outcome of one execution.
func (r *Recorder) Record(ctx context.Context, req executor.Request, res *executor.Result) {
	if r == nil || res == nil {
		return
	}
	// Detach from the request so a disconnecting client does not drop the record.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.Create(ctx, FromResult(req, res)); err != nil {
		r.logger.Warn("failed to record execution",
			slog.String("language", string(res.Language)),
			slog.String("error", err.Error()),
		)
	}
}

// Enabled reports whether the recorder persists anything.
func (r *Recorder) Enabled() bool {
	return r != nil
}
