package executor

import (
	"errors"
	"fmt"

	"github.com/jkaninda/vipu/internal/runner"
)

// ErrInvalidRequest marks caller errors other than an unknown language.
var ErrInvalidRequest = errors.New("invalid request")

// ErrEmptyCode is returned when a request carries no source code.
var ErrEmptyCode = fmt.Errorf("%w: code is required", ErrInvalidRequest)

// UnsupportedLanguageError is returned for an unknown language id.
type UnsupportedLanguageError = runner.UnsupportedLanguageError

// InfrastructureError reports a failure of the service itself (scratch
// directory, source write, process spawn). Op names the failed step; Err
// carries the detail, which is logged but not shown to callers.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err is an InfrastructureError.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}
