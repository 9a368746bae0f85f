package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/models"
)

// RunRepository records stage executions.
type RunRepository struct {
	Store *database.Store
}

func NewRunRepository(store *database.Store) *RunRepository {
	return &RunRepository{Store: store}
}

// Start inserts a running record.
func (r *RunRepository) Start(ctx context.Context, run *models.StageRun) error {
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().Unix()
	}
	run.Outcome = models.RunOutcomeRunning
	err := r.Store.WithGormWriteTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record start of run %s: %w", run.RunID, err)
	}
	return nil
}

// Finish stores the final counts and outcome of a run.
func (r *RunRepository) Finish(ctx context.Context, run *models.StageRun) error {
	now := time.Now().Unix()
	run.FinishedAt = &now
	err := r.Store.WithGormWriteTx(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.StageRun{}).
			Where("run_id = ?", run.RunID).
			Updates(map[string]interface{}{
				"finished_at": now,
				"processed":   run.Processed,
				"skipped":     run.Skipped,
				"failed":      run.Failed,
				"rejected":    run.Rejected,
				"outcome":     run.Outcome,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record end of run %s: %w", run.RunID, err)
	}
	return nil
}

// List returns the most recent runs first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]models.StageRun, error) {
	var runs []models.StageRun
	q := r.Store.Gorm.WithContext(ctx).Order("started_at DESC, run_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list stage runs: %w", err)
	}
	return runs, nil
}
