package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/vipu/internal/history"
)

// ExecutionRepository implements history.Store with GORM.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create persists a new execution. A zero ID or timestamp is filled in.
func (r *ExecutionRepository) Create(ctx context.Context, e *history.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*history.Execution, error) {
	var model ExecutionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting execution %s: %w", id, history.ErrNotFound)
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toExecutionDomain(&model), nil
}

// List returns up to limit executions, newest first.
func (r *ExecutionRepository) List(ctx context.Context, limit int) ([]history.Execution, error) {
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(history.ClampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]history.Execution, len(models))
	for i := range models {
		out[i] = *toExecutionDomain(&models[i])
	}
	return out, nil
}

// DeleteBefore removes executions created before cutoff.
func (r *ExecutionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ history.Store = (*ExecutionRepository)(nil)
