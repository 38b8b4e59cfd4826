package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run in processing state.
func (r *RunRepository) Create(ctx context.Context, run *models.ReconciliationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusProcessing
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("reconciliation run", id)
		}
		return nil, err
	}
	return &run, nil
}

// MarkCompleted stores the final counters of run.
func (r *RunRepository) MarkCompleted(ctx context.Context, run *models.ReconciliationRun) error {
	return r.finish(ctx, run, models.RunStatusCompleted)
}

// MarkFailed closes a run that stopped early, keeping the counters reached
// so far.
func (r *RunRepository) MarkFailed(ctx context.Context, run *models.ReconciliationRun) error {
	return r.finish(ctx, run, models.RunStatusFailed)
}

func (r *RunRepository) finish(ctx context.Context, run *models.ReconciliationRun, status string) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	return r.db.WithContext(ctx).Model(&models.ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"processed_count":    run.ProcessedCount,
			"auto_matched_count": run.AutoMatchedCount,
			"suggested_count":    run.SuggestedCount,
			"unmatched_count":    run.UnmatchedCount,
			"error_count":        run.ErrorCount,
			"errors":             run.Errors,
			"status":             run.Status,
			"completed_at":       now,
		}).Error
}

// ListRecent returns the latest runs first.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	var runs []models.ReconciliationRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
