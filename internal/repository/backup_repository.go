package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/models"
)

// BackupRepository handles backup and restore job records
type BackupRepository struct {
	db *gorm.DB
}

// NewBackupRepository creates a new backup repository
func NewBackupRepository(db *gorm.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// Create creates a pending backup job record
func (r *BackupRepository) Create(ctx context.Context, job *models.BackupJob) (*models.BackupJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.BackupStatusPending
	}
	if len(job.Warnings) == 0 {
		job.Warnings = models.JSONB("[]")
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create backup job: %w", err)
	}

	return job, nil
}

// GetByID retrieves a backup job by ID
func (r *BackupRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BackupJob, error) {
	var job models.BackupJob

	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("backup job not found")
		}
		return nil, fmt.Errorf("failed to get backup job: %w", err)
	}

	return &job, nil
}

// ListByCustomer retrieves backup jobs for a customer, newest first
func (r *BackupRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.BackupJob, error) {
	var jobs []models.BackupJob

	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).
		Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list backup jobs: %w", err)
	}

	return jobs, nil
}

// Start atomically transitions a backup job from pending to running, but
// only while the customer has no other running backup or restore. Returns
// false when the slot is taken. The count check catches the common case;
// the partial unique index on (customer_id) over running rows is what
// guarantees the slot when two requests race past it.
func (r *BackupRepository) Start(ctx context.Context, jobID, customerID uuid.UUID) (bool, error) {
	started := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&models.BackupJob{}).
			Where("customer_id = ? AND status = ? AND id <> ?",
				customerID, models.BackupStatusRunning, jobID).
			Count(&running).Error; err != nil {
			return fmt.Errorf("failed to check running backup jobs: %w", err)
		}
		if running > 0 {
			return nil
		}

		now := time.Now().UTC()
		result := tx.Model(&models.BackupJob{}).
			Where("id = ? AND status = ?", jobID, models.BackupStatusPending).
			Updates(map[string]interface{}{
				"status":     models.BackupStatusRunning,
				"started_at": now,
			})
		if result.Error != nil {
			if isUniqueViolation(result.Error) {
				return result.Error
			}
			return fmt.Errorf("failed to start backup job: %w", result.Error)
		}

		started = result.RowsAffected > 0
		return nil
	})
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return started, nil
}

// Finish records a backup job's terminal status, snapshot id and warnings
func (r *BackupRepository) Finish(ctx context.Context, jobID uuid.UUID, status, snapshotID, errorDetail string, warnings []string) error {
	now := time.Now().UTC()

	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}

	updates := map[string]interface{}{
		"status":       status,
		"error_detail": errorDetail,
		"warnings":     models.JSONB(warningsJSON),
		"finished_at":  now,
	}
	if snapshotID != "" {
		updates["snapshot_id"] = snapshotID
	}

	result := r.db.WithContext(ctx).Model(&models.BackupJob{}).
		Where("id = ? AND status = ?", jobID, models.BackupStatusRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finish backup job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("backup job %s is not running", jobID)
	}

	return nil
}
