package models

import (
	"time"

	"github.com/google/uuid"
)

// Server status values
const (
	ServerStatusActive      = "active"
	ServerStatusMaintenance = "maintenance"
	ServerStatusOffline     = "offline"
)

// Customer status values
const (
	CustomerStatusPending        = "pending"
	CustomerStatusPendingPayment = "pending_payment"
	CustomerStatusProvisioning   = "provisioning"
	CustomerStatusActive         = "active"
	CustomerStatusSuspended      = "suspended"
	CustomerStatusFailed         = "failed"
)

// Customer platform values
const (
	PlatformWooCommerce = "woocommerce"
	PlatformPrestaShop  = "prestashop"
)

// ProvisioningJob status values
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Server represents a fleet host that runs tenant container stacks.
// Port ranges across active servers are disjoint in allocation space.
type Server struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Name          string     `json:"name" gorm:"uniqueIndex;not null" validate:"required,min=2,max=100"`
	Hostname      string     `json:"hostname" gorm:"not null" validate:"required"`
	IPAddress     string     `json:"ip_address" gorm:"not null"`
	Status        string     `json:"status" gorm:"default:'active';index" validate:"oneof=active maintenance offline"`
	MaxTenants    int        `json:"max_tenants" gorm:"not null;default:50"`
	PortRangeMin  int        `json:"port_range_min" gorm:"not null"`
	PortRangeMax  int        `json:"port_range_max" gorm:"not null"`
	QueueName     string     `json:"queue_name" gorm:"not null"`
	LastHeartbeat *time.Time `json:"last_heartbeat" gorm:"index"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Customers []Customer `json:"customers,omitempty" gorm:"foreignKey:ServerID"`
}

// Customer represents one tenant's store and its container stack.
// Rows are never deleted by the orchestrator, only status-transitioned.
type Customer struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Email       string     `json:"email" gorm:"not null;index" validate:"required,email"`
	StoreName   string     `json:"store_name" gorm:"not null" validate:"required,min=2,max=100"`
	Slug        string     `json:"slug" gorm:"uniqueIndex;not null" validate:"required,min=2,max=50"`
	Platform    string     `json:"platform" gorm:"not null" validate:"required,oneof=woocommerce prestashop"`
	Status      string     `json:"status" gorm:"default:'pending';index" validate:"oneof=pending pending_payment provisioning active suspended failed"`
	ServerID    *uuid.UUID `json:"server_id" gorm:"type:uuid;index"`
	Port        *int       `json:"port"`
	PlanCPUs    float64    `json:"plan_cpus" gorm:"default:1"`
	PlanMemoryMB int       `json:"plan_memory_mb" gorm:"default:1024"`
	PlanDiskMB  int        `json:"plan_disk_mb" gorm:"default:10240"`
	ErrorDetail string     `json:"error_detail"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Server             *Server             `json:"server,omitempty" gorm:"foreignKey:ServerID"`
	ProvisioningJobs   []ProvisioningJob   `json:"provisioning_jobs,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	StagingEnvironment *StagingEnvironment `json:"staging_environment,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	BackupJobs         []BackupJob         `json:"backup_jobs,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	MonitoringStatus   *MonitoringStatus   `json:"monitoring_status,omitempty" gorm:"constraint:OnDelete:CASCADE"`
	Alerts             []Alert             `json:"alerts,omitempty" gorm:"constraint:OnDelete:CASCADE"`
}

// Domain returns the tenant's public hostname under the given base domain.
func (c *Customer) Domain(baseDomain string) string {
	return c.Slug + "." + baseDomain
}

// StepLogEntry is one entry in a provisioning job's ordered step log
type StepLogEntry struct {
	Step      string    `json:"step"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvisioningJob represents the multi-step build of a tenant's stack.
// A customer has at most one non-terminal job at a time.
type ProvisioningJob struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID  uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;index"`
	ServerID    *uuid.UUID `json:"server_id" gorm:"type:uuid;index"`
	Status      string     `json:"status" gorm:"default:'queued';index" validate:"oneof=queued running succeeded failed cancelled"`
	CancelRequested bool   `json:"cancel_requested" gorm:"default:false"`
	StepLog     JSONB      `json:"step_log" gorm:"type:jsonb;default:'[]'"`
	FailedStep  string     `json:"failed_step"`
	ErrorDetail string     `json:"error_detail"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Customer *Customer `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
}

// IsTerminal reports whether the job has finished
func (j *ProvisioningJob) IsTerminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}
