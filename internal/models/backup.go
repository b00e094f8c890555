package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupJob kinds
const (
	BackupKindBackup  = "backup"
	BackupKindRestore = "restore"
)

// BackupJob scopes
const (
	BackupScopeDB    = "db"
	BackupScopeFiles = "files"
	BackupScopeAll   = "all"
)

// BackupJob status values
const (
	BackupStatusPending   = "pending"
	BackupStatusRunning   = "running"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

// BackupJob tracks one backup or restore run against a tenant.
// SnapshotID is produced by a backup and required as input for a restore.
type BackupJob struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CustomerID  uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;index"`
	Kind        string     `json:"kind" gorm:"not null" validate:"oneof=backup restore"`
	Scope       string     `json:"scope" gorm:"default:'all'" validate:"oneof=db files all"`
	SnapshotID  string     `json:"snapshot_id" gorm:"index"`
	Status      string     `json:"status" gorm:"default:'pending';index" validate:"oneof=pending running completed failed"`
	ErrorDetail string     `json:"error_detail"`
	Warnings    JSONB      `json:"warnings" gorm:"type:jsonb;default:'[]'"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Customer *Customer `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
}
