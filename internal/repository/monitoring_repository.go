package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/models"
)

// MonitoringRepository handles monitoring status rows, probe samples and alerts
type MonitoringRepository struct {
	db *gorm.DB
}

// NewMonitoringRepository creates a new monitoring repository
func NewMonitoringRepository(db *gorm.DB) *MonitoringRepository {
	return &MonitoringRepository{db: db}
}

// GetOrCreateStatus retrieves the customer's monitoring status row,
// creating it on first use
func (r *MonitoringRepository) GetOrCreateStatus(ctx context.Context, customerID uuid.UUID) (*models.MonitoringStatus, error) {
	var status models.MonitoringStatus

	err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&status).Error
	if err == nil {
		return &status, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to get monitoring status: %w", err)
	}

	status = models.MonitoringStatus{
		ID:              uuid.New(),
		CustomerID:      customerID,
		HTTPStatus:      models.HealthUnknown,
		ContainerStatus: models.HealthUnknown,
	}
	if err := r.db.WithContext(ctx).Create(&status).Error; err != nil {
		return nil, fmt.Errorf("failed to create monitoring status: %w", err)
	}

	return &status, nil
}

// UpdateStatus persists a monitoring status row
func (r *MonitoringRepository) UpdateStatus(ctx context.Context, status *models.MonitoringStatus) error {
	if err := r.db.WithContext(ctx).Save(status).Error; err != nil {
		return fmt.Errorf("failed to update monitoring status: %w", err)
	}
	return nil
}

// RecordProbe stores one probe outcome sample
func (r *MonitoringRepository) RecordProbe(ctx context.Context, customerID uuid.UUID, up bool, at time.Time) error {
	sample := models.ProbeSample{
		ID:         uuid.New(),
		CustomerID: customerID,
		Up:         up,
		CheckedAt:  at,
	}

	if err := r.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return fmt.Errorf("failed to record probe sample: %w", err)
	}
	return nil
}

// UptimeRatio computes the ratio of up probes over the trailing window.
// Returns 1.0 when no samples exist yet.
func (r *MonitoringRepository) UptimeRatio(ctx context.Context, customerID uuid.UUID, window time.Duration) (float64, error) {
	cutoff := time.Now().UTC().Add(-window)

	var total, up int64
	if err := r.db.WithContext(ctx).Model(&models.ProbeSample{}).
		Where("customer_id = ? AND checked_at >= ?", customerID, cutoff).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count probe samples: %w", err)
	}
	if total == 0 {
		return 1.0, nil
	}

	if err := r.db.WithContext(ctx).Model(&models.ProbeSample{}).
		Where("customer_id = ? AND checked_at >= ? AND up = ?", customerID, cutoff, true).
		Count(&up).Error; err != nil {
		return 0, fmt.Errorf("failed to count up samples: %w", err)
	}

	return float64(up) / float64(total), nil
}

// PruneSamples removes probe samples older than the retention window
func (r *MonitoringRepository) PruneSamples(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	result := r.db.WithContext(ctx).
		Where("checked_at < ?", cutoff).
		Delete(&models.ProbeSample{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune probe samples: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// CreateAlert stores a new alert
func (r *MonitoringRepository) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	return alert, nil
}

// ListAlerts retrieves alerts, optionally filtered by customer and
// acknowledgement state
func (r *MonitoringRepository) ListAlerts(ctx context.Context, customerID *uuid.UUID, unacknowledgedOnly bool) ([]models.Alert, error) {
	var alerts []models.Alert

	query := r.db.WithContext(ctx).Order("created_at DESC")
	if customerID != nil {
		query = query.Where("customer_id = ?", *customerID)
	}
	if unacknowledgedOnly {
		query = query.Where("acknowledged = ?", false)
	}

	if err := query.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	return alerts, nil
}

// AcknowledgeAlert marks an alert as acknowledged
func (r *MonitoringRepository) AcknowledgeAlert(ctx context.Context, alertID uuid.UUID) error {
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND acknowledged = ?", alertID, false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("alert not found or already acknowledged")
	}

	return nil
}
