package models

import (
	"time"

	"github.com/google/uuid"
)

// Health status values for HTTP and container probes
const (
	HealthUp       = "up"
	HealthDown     = "down"
	HealthDegraded = "degraded"
	HealthUnknown  = "unknown"
)

// Alert types
const (
	AlertTypeDown            = "down"
	AlertTypeDegraded        = "degraded"
	AlertTypeRecovered       = "recovered"
	AlertTypeResourceWarning = "resource_warning"
)

// MonitoringStatus holds the current derived health state for one customer.
// Exactly one row exists per monitored customer.
type MonitoringStatus struct {
	ID                  uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID          uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;uniqueIndex"`
	HTTPStatus          string     `json:"http_status" gorm:"default:'unknown'" validate:"oneof=up down degraded unknown"`
	ContainerStatus     string     `json:"container_status" gorm:"default:'unknown'" validate:"oneof=up down degraded unknown"`
	LastHTTPCheck       *time.Time `json:"last_http_check"`
	LastContainerCheck  *time.Time `json:"last_container_check"`
	CPUPercent          float64    `json:"cpu_percent"`
	MemoryPercent       float64    `json:"memory_percent"`
	MemoryUsedMB        float64    `json:"memory_used_mb"`
	DiskUsedMB          float64    `json:"disk_used_mb"`
	DiskPercent         float64    `json:"disk_percent"`
	Uptime24h           float64    `json:"uptime_24h"`
	ConsecutiveFailures int        `json:"consecutive_failures" gorm:"default:0"`
	LastStateChange     *time.Time `json:"last_state_change"`
	LastAlertSent       *time.Time `json:"last_alert_sent"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ProbeSample is one recorded probe outcome, kept for the rolling uptime window
type ProbeSample struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID uuid.UUID `json:"customer_id" gorm:"type:uuid;not null;index:idx_probe_customer_time"`
	Up         bool      `json:"up"`
	CheckedAt  time.Time `json:"checked_at" gorm:"index:idx_probe_customer_time"`
}

// Alert is an operator-visible health event for one customer
type Alert struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID     uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;index"`
	Type           string     `json:"type" gorm:"not null;index" validate:"oneof=down degraded recovered resource_warning"`
	Message        string     `json:"message" gorm:"not null"`
	Acknowledged   bool       `json:"acknowledged" gorm:"default:false;index"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
