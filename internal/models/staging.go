package models

import (
	"time"

	"github.com/google/uuid"
)

// StagingEnvironment status values
const (
	StagingStatusCreating = "creating"
	StagingStatusActive   = "active"
	StagingStatusSyncing  = "syncing"
	StagingStatusFailed   = "failed"
	StagingStatusDeleted  = "deleted"
)

// Staging sync kinds
const (
	SyncKindCreate    = "create"
	SyncKindPushFiles = "push_files"
	SyncKindPushDB    = "push_db"
	SyncKindPushAll   = "push_all"
	SyncKindPullFiles = "pull_files"
	SyncKindPullDB    = "pull_db"
	SyncKindPullAll   = "pull_all"
)

// StagingSyncRecord status values
const (
	SyncStatusPending   = "pending"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// StagingEnvironment is a secondary, syncable copy of a tenant's store.
// Its port comes from the staging range, disjoint from production ports.
type StagingEnvironment struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID     uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;uniqueIndex"`
	Port           int        `json:"port" gorm:"not null"`
	Status         string     `json:"status" gorm:"default:'creating';index" validate:"oneof=creating active syncing failed deleted"`
	LastPushAt     *time.Time `json:"last_push_at"`
	LastPullAt     *time.Time `json:"last_pull_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Customer    *Customer           `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
	SyncRecords []StagingSyncRecord `json:"sync_records,omitempty" gorm:"foreignKey:StagingEnvironmentID;constraint:OnDelete:CASCADE"`
}

// StagingSyncRecord tracks one sync operation against a staging environment
type StagingSyncRecord struct {
	ID                   uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	StagingEnvironmentID uuid.UUID  `json:"staging_environment_id" gorm:"type:uuid;not null;index"`
	Kind                 string     `json:"kind" gorm:"not null" validate:"oneof=create push_files push_db push_all pull_files pull_db pull_all"`
	Status               string     `json:"status" gorm:"default:'pending';index" validate:"oneof=pending running completed failed"`
	ErrorDetail          string     `json:"error_detail"`
	StartedAt            *time.Time `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
