package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/models"
)

// StagingRepository handles staging environments and their sync records
type StagingRepository struct {
	db *gorm.DB
}

// NewStagingRepository creates a new staging repository
func NewStagingRepository(db *gorm.DB) *StagingRepository {
	return &StagingRepository{db: db}
}

// CreateEnvironment creates a staging environment record
func (r *StagingRepository) CreateEnvironment(ctx context.Context, env *models.StagingEnvironment) (*models.StagingEnvironment, error) {
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(env).Error; err != nil {
		return nil, fmt.Errorf("failed to create staging environment: %w", err)
	}

	return env, nil
}

// GetEnvironmentByCustomer retrieves the customer's staging environment, if any
func (r *StagingRepository) GetEnvironmentByCustomer(ctx context.Context, customerID uuid.UUID) (*models.StagingEnvironment, error) {
	var env models.StagingEnvironment

	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status <> ?", customerID, models.StagingStatusDeleted).
		First(&env).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staging environment: %w", err)
	}

	return &env, nil
}

// SetEnvironmentStatus updates a staging environment's status
func (r *StagingRepository) SetEnvironmentStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&models.StagingEnvironment{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set staging status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("staging environment not found")
	}
	return nil
}

// TouchSyncTime records the last successful sync time for one direction
func (r *StagingRepository) TouchSyncTime(ctx context.Context, id uuid.UUID, push bool) error {
	column := "last_pull_at"
	if push {
		column = "last_push_at"
	}

	if err := r.db.WithContext(ctx).Model(&models.StagingEnvironment{}).
		Where("id = ?", id).
		Update(column, time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

// UsedStagingPorts returns all ports held by live staging environments
func (r *StagingRepository) UsedStagingPorts(ctx context.Context) ([]int, error) {
	var ports []int

	if err := r.db.WithContext(ctx).Model(&models.StagingEnvironment{}).
		Where("status <> ?", models.StagingStatusDeleted).
		Pluck("port", &ports).Error; err != nil {
		return nil, fmt.Errorf("failed to list staging ports: %w", err)
	}

	return ports, nil
}

// CreateSyncRecord creates a pending sync record
func (r *StagingRepository) CreateSyncRecord(ctx context.Context, record *models.StagingSyncRecord) (*models.StagingSyncRecord, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = models.SyncStatusPending
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync record: %w", err)
	}

	return record, nil
}

// StartSync atomically transitions a sync record from pending to running,
// but only while the environment has no other running sync. Returns false
// when another sync already holds the slot. The count check catches the
// common case; the partial unique index on (staging_environment_id) over
// running rows is what guarantees the slot when two requests race past it.
func (r *StagingRepository) StartSync(ctx context.Context, recordID, envID uuid.UUID) (bool, error) {
	started := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&models.StagingSyncRecord{}).
			Where("staging_environment_id = ? AND status = ? AND id <> ?",
				envID, models.SyncStatusRunning, recordID).
			Count(&running).Error; err != nil {
			return fmt.Errorf("failed to check running syncs: %w", err)
		}
		if running > 0 {
			return nil
		}

		now := time.Now().UTC()
		result := tx.Model(&models.StagingSyncRecord{}).
			Where("id = ? AND status = ?", recordID, models.SyncStatusPending).
			Updates(map[string]interface{}{
				"status":     models.SyncStatusRunning,
				"started_at": now,
			})
		if result.Error != nil {
			if isUniqueViolation(result.Error) {
				return result.Error
			}
			return fmt.Errorf("failed to start sync: %w", result.Error)
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

// FinishSync records a sync record's terminal status
func (r *StagingRepository) FinishSync(ctx context.Context, recordID uuid.UUID, status, errorDetail string) error {
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.StagingSyncRecord{}).
		Where("id = ? AND status = ?", recordID, models.SyncStatusRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"error_detail": errorDetail,
			"finished_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish sync: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sync record %s is not running", recordID)
	}

	return nil
}

// ListSyncRecords retrieves sync history for an environment, newest first
func (r *StagingRepository) ListSyncRecords(ctx context.Context, envID uuid.UUID) ([]models.StagingSyncRecord, error) {
	var records []models.StagingSyncRecord

	if err := r.db.WithContext(ctx).Where("staging_environment_id = ?", envID).
		Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}

	return records, nil
}
