package postgres

import (
	"github.com/jkaninda/vipu/internal/history"
)

// --- Execution ---

func toExecutionModel(e *history.Execution) ExecutionModel {
	return ExecutionModel{
		ID:         e.ID,
		Code:       e.Code,
		Language:   e.Language,
		Output:     e.Stdout,
		Error:      e.Stderr,
		ExitCode:   e.ExitCode,
		Success:    e.Success,
		TimedOut:   e.TimedOut,
		Truncated:  e.Truncated,
		DurationMS: e.DurationMS,
		UserID:     e.UserID,
		CreatedAt:  e.CreatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *history.Execution {
	return &history.Execution{
		ID:         m.ID,
		Code:       m.Code,
		Language:   m.Language,
		Stdout:     m.Output,
		Stderr:     m.Error,
		ExitCode:   m.ExitCode,
		Success:    m.Success,
		TimedOut:   m.TimedOut,
		Truncated:  m.Truncated,
		DurationMS: m.DurationMS,
		UserID:     m.UserID,
		CreatedAt:  m.CreatedAt,
	}
}
