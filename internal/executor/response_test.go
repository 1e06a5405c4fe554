package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/vipu/internal/runner"
)

func TestNewResponse(t *testing.T) {
	resp := NewResponse(&Result{
		Stdout:   "hi\n",
		Stderr:   "",
		ExitCode: 0,
		Success:  true,
		Language: runner.Python,
		Duration: 1500 * time.Millisecond,
	})

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stdout":"hi\n","stderr":"","exitCode":0,"success":true,"language":"python","durationMs":1500}`, string(data))
}

func TestNewResponse_Nil(t *testing.T) {
	data, err := json.Marshal(NewResponse(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stdout":"","stderr":"","exitCode":0,"success":false,"language":"","durationMs":0}`, string(data))
}

func TestNewResponse_TruncatedTrimsPartialRune(t *testing.T) {
	// "é" is 0xC3 0xA9; keep only the first byte.
	resp := NewResponse(&Result{Stdout: "caf\xc3", Stderr: "ok", Truncated: true})
	assert.Equal(t, "caf", resp.Stdout)
	assert.Equal(t, "ok", resp.Stderr)
	assert.True(t, resp.Truncated)
}

func TestTrimPartialRune(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"café", "café"},
		{"caf\xc3", "caf"},
		{"x\xe2\x82", "x"},      // 2 of 3 bytes of "€"
		{"x\xf0\x9f\x98", "x"},  // 3 of 4 bytes of an emoji
		{"bad\xff", "bad\xff"}, // invalid byte, not a partial sequence
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trimPartialRune(tt.in), "%q", tt.in)
	}
}

func TestNewErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorResponse
	}{
		{"empty code", ErrEmptyCode, ErrorResponse{Error: "Code is required"}},
		{
			"other invalid",
			fmt.Errorf("%w: body too large", ErrInvalidRequest),
			ErrorResponse{Error: "Invalid request", Details: "invalid request: body too large"},
		},
		{
			"unsupported",
			&UnsupportedLanguageError{Language: "cobol", Supported: []runner.Language{runner.Go, runner.Rust}},
			ErrorResponse{Error: "Unsupported language: cobol", Supported: []string{"go", "rust"}},
		},
		{
			"infrastructure hides detail",
			&InfrastructureError{Op: "create workspace", Err: errors.New("mkdir /tmp/vipu-run-123: no space left")},
			ErrorResponse{Error: "Execution failed", Details: "create workspace"},
		},
		{"canceled", fmt.Errorf("waiting for execution slot: %w", context.Canceled), ErrorResponse{Error: "Execution canceled"}},
		{"unknown", errors.New("boom"), ErrorResponse{Error: "Execution failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewErrorResponse(tt.err))
		})
	}
}
