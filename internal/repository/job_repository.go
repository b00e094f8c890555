package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-orchestrator/internal/models"
)

// JobRepository handles provisioning job records
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create enqueues a new provisioning job for a customer. A locking select
// catches the common case and returns the existing non-terminal job; the
// partial unique index on (customer_id) over queued and running rows is
// what actually guarantees one active job when two enqueues race past an
// empty select.
func (r *JobRepository) Create(ctx context.Context, job *models.ProvisioningJob) (*models.ProvisioningJob, *models.ProvisioningJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if len(job.StepLog) == 0 {
		job.StepLog = models.JSONB("[]")
	}

	var existing *models.ProvisioningJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active models.ProvisioningJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("customer_id = ? AND status IN ?", job.CustomerID,
				[]string{models.JobStatusQueued, models.JobStatusRunning}).
			First(&active).Error
		if err == nil {
			existing = &active
			return gorm.ErrDuplicatedKey
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to check active jobs: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			if isUniqueViolation(err) {
				return err
			}
			return fmt.Errorf("failed to create provisioning job: %w", err)
		}
		return nil
	})

	if isUniqueViolation(err) {
		if existing == nil {
			// A concurrent enqueue won the index race; surface its job
			existing, err = r.GetActiveByCustomer(ctx, job.CustomerID)
			if err != nil {
				return nil, nil, err
			}
			if existing == nil {
				return nil, nil, fmt.Errorf("concurrent enqueue for customer %s, retry", job.CustomerID)
			}
		}
		return nil, existing, nil
	}
	if err != nil {
		return nil, nil, err
	}

	return job, nil, nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error) {
	var job models.ProvisioningJob

	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("provisioning job not found")
		}
		return nil, fmt.Errorf("failed to get provisioning job: %w", err)
	}

	return &job, nil
}

// GetActiveByCustomer retrieves the customer's current non-terminal job, if any
func (r *JobRepository) GetActiveByCustomer(ctx context.Context, customerID uuid.UUID) (*models.ProvisioningJob, error) {
	var job models.ProvisioningJob

	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status IN ?", customerID,
			[]string{models.JobStatusQueued, models.JobStatusRunning}).
		First(&job).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}

	return &job, nil
}

// ListByCustomer retrieves all jobs for a customer, newest first
func (r *JobRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.ProvisioningJob, error) {
	var jobs []models.ProvisioningJob

	if err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).
		Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ClaimNextQueued atomically transitions the oldest queued job to running
// and returns it. The conditional update is the claim: when RowsAffected is
// zero another worker already took the job. Returns nil when the queue is
// empty.
func (r *JobRepository) ClaimNextQueued(ctx context.Context) (*models.ProvisioningJob, error) {
	for {
		var job models.ProvisioningJob

		err := r.db.WithContext(ctx).
			Where("status = ?", models.JobStatusQueued).
			Order("created_at ASC").
			First(&job).Error
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find queued job: %w", err)
		}

		now := time.Now().UTC()
		result := r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.JobStatusRunning,
				"started_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to claim job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the race for this job, try the next one
			continue
		}

		job.Status = models.JobStatusRunning
		job.StartedAt = &now
		return &job, nil
	}
}

// AppendStepLog appends one entry to the job's ordered step log
func (r *JobRepository) AppendStepLog(ctx context.Context, jobID uuid.UUID, entry models.StepLogEntry) error {
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	var log []models.StepLogEntry
	if len(job.StepLog) > 0 {
		if err := json.Unmarshal(job.StepLog, &log); err != nil {
			return fmt.Errorf("failed to decode step log: %w", err)
		}
	}
	log = append(log, entry)

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode step log: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
		Where("id = ?", jobID).
		Update("step_log", models.JSONB(data)).Error; err != nil {
		return fmt.Errorf("failed to append step log: %w", err)
	}

	return nil
}

// Finish records a job's terminal status
func (r *JobRepository) Finish(ctx context.Context, jobID uuid.UUID, status, failedStep, errorDetail string) error {
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"failed_step":  failedStep,
			"error_detail": errorDetail,
			"finished_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}

	return nil
}

// RequestCancel marks a queued or running job as cancel-requested. The
// worker honors the request at the next step boundary; a queued job is
// cancelled immediately.
func (r *JobRepository) RequestCancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	now := time.Now().UTC()

	// Queued jobs can be cancelled outright
	result := r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      models.JobStatusCancelled,
			"finished_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Running jobs get a cancel request honored at the next step boundary
	result = r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusRunning).
		Update("cancel_requested", true)
	if result.Error != nil {
		return false, fmt.Errorf("failed to request cancel: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// CancelRequested reports whether a cancel has been requested for the job
func (r *JobRepository) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// MarkCancelled records a running job as cancelled at a step boundary
func (r *JobRepository) MarkCancelled(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":      models.JobStatusCancelled,
			"finished_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}

	return nil
}
