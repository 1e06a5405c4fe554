package executor

import (
	"errors"
	"unicode/utf8"
)

// Response is the wire shape of a finished execution.
type Response struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	Success    bool   `json:"success"`
	Language   string `json:"language"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// ErrorResponse is the wire shape of a rejected or failed request.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   string   `json:"details,omitempty"`
	Supported []string `json:"supported,omitempty"`
}

// NewResponse converts a Result into its wire shape. A nil result yields
// empty output rather than nulls.
func NewResponse(r *Result) Response {
	if r == nil {
		return Response{}
	}
	stdout, stderr := r.Stdout, r.Stderr
	if r.Truncated {
		stdout, stderr = trimPartialRune(stdout), trimPartialRune(stderr)
	}
	return Response{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   r.ExitCode,
		Success:    r.Success,
		Language:   string(r.Language),
		TimedOut:   r.TimedOut,
		Truncated:  r.Truncated,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// NewErrorResponse converts an Execute error into its wire shape.
// Infrastructure details never reach the caller.
func NewErrorResponse(err error) ErrorResponse {
	var unsupported *UnsupportedLanguageError
	var infra *InfrastructureError
	switch {
	case errors.Is(err, ErrEmptyCode):
		return ErrorResponse{Error: "Code is required"}
	case errors.Is(err, ErrInvalidRequest):
		return ErrorResponse{Error: "Invalid request", Details: err.Error()}
	case errors.As(err, &unsupported):
		return ErrorResponse{
			Error:     "Unsupported language: " + unsupported.Language,
			Supported: unsupported.SupportedIDs(),
		}
	case errors.As(err, &infra):
		return ErrorResponse{Error: "Execution failed", Details: infra.Op}
	case IsCanceled(err):
		return ErrorResponse{Error: "Execution canceled"}
	default:
		return ErrorResponse{Error: "Execution failed"}
	}
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of s
// by byte-level truncation.
func trimPartialRune(s string) string {
	if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size != 1 {
		return s
	}
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return s[:i]
			}
			break
		}
	}
	return s
}
