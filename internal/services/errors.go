package services

import (
	"errors"
	"fmt"
)

// NoCapacityError indicates no active server has a free port in range
type NoCapacityError struct {
	Platform string `json:"platform"`
	Message  string `json:"message"`
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no capacity: %s", e.Message)
}

// NewNoCapacityError creates a new capacity error
func NewNoCapacityError(platform, message string) *NoCapacityError {
	return &NoCapacityError{Platform: platform, Message: message}
}

// IsNoCapacityError checks if an error is a NoCapacityError
func IsNoCapacityError(err error) (*NoCapacityError, bool) {
	var capErr *NoCapacityError
	if errors.As(err, &capErr) {
		return capErr, true
	}
	return nil, false
}

// JobAlreadyActiveError indicates a customer already has a non-terminal job
type JobAlreadyActiveError struct {
	CustomerID string `json:"customer_id"`
	JobID      string `json:"job_id"`
}

func (e *JobAlreadyActiveError) Error() string {
	return fmt.Sprintf("customer %s already has active job %s", e.CustomerID, e.JobID)
}

// IsJobAlreadyActiveError checks if an error is a JobAlreadyActiveError
func IsJobAlreadyActiveError(err error) (*JobAlreadyActiveError, bool) {
	var jobErr *JobAlreadyActiveError
	if errors.As(err, &jobErr) {
		return jobErr, true
	}
	return nil, false
}

// SyncInProgressError indicates a staging environment already has a sync in flight
type SyncInProgressError struct {
	StagingEnvironmentID string `json:"staging_environment_id"`
}

func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("staging environment %s already has a sync in progress", e.StagingEnvironmentID)
}

// IsSyncInProgressError checks if an error is a SyncInProgressError
func IsSyncInProgressError(err error) (*SyncInProgressError, bool) {
	var syncErr *SyncInProgressError
	if errors.As(err, &syncErr) {
		return syncErr, true
	}
	return nil, false
}

// BackupInProgressError indicates the customer already has a backup or
// restore in flight
type BackupInProgressError struct {
	CustomerID string `json:"customer_id"`
}

func (e *BackupInProgressError) Error() string {
	return fmt.Sprintf("customer %s already has a backup job in progress", e.CustomerID)
}

// IsBackupInProgressError checks if an error is a BackupInProgressError
func IsBackupInProgressError(err error) (*BackupInProgressError, bool) {
	var backupErr *BackupInProgressError
	if errors.As(err, &backupErr) {
		return backupErr, true
	}
	return nil, false
}

// SnapshotNotFoundError indicates a snapshot does not exist or is not tagged
// for the requesting customer
type SnapshotNotFoundError struct {
	SnapshotID string `json:"snapshot_id"`
	CustomerID string `json:"customer_id"`
}

func (e *SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("snapshot %s not found for customer %s", e.SnapshotID, e.CustomerID)
}

// IsSnapshotNotFoundError checks if an error is a SnapshotNotFoundError
func IsSnapshotNotFoundError(err error) (*SnapshotNotFoundError, bool) {
	var snapErr *SnapshotNotFoundError
	if errors.As(err, &snapErr) {
		return snapErr, true
	}
	return nil, false
}

// ServiceUnhealthyError indicates the tenant's primary service never reported
// healthy within the wait timeout. Retryable at a higher level.
type ServiceUnhealthyError struct {
	CustomerID string `json:"customer_id"`
	Waited     string `json:"waited"`
}

func (e *ServiceUnhealthyError) Error() string {
	return fmt.Sprintf("service for customer %s not healthy after %s", e.CustomerID, e.Waited)
}

// IsServiceUnhealthyError checks if an error is a ServiceUnhealthyError
func IsServiceUnhealthyError(err error) (*ServiceUnhealthyError, bool) {
	var healthErr *ServiceUnhealthyError
	if errors.As(err, &healthErr) {
		return healthErr, true
	}
	return nil, false
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// TransitionError indicates an illegal customer status transition
type TransitionError struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// IsTransitionError checks if an error is a TransitionError
func IsTransitionError(err error) (*TransitionError, bool) {
	var trErr *TransitionError
	if errors.As(err, &trErr) {
		return trErr, true
	}
	return nil, false
}

// ExternalCommandError wraps a failed external process invocation and
// records whether the failure is worth retrying (timeouts and transient
// exit signals) or permanent.
type ExternalCommandError struct {
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Retryable bool   `json:"retryable"`
	Output    string `json:"output"`
}

func (e *ExternalCommandError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s failed (%s, exit %d): %s", e.Command, kind, e.ExitCode, e.Output)
}

// IsExternalCommandError checks if an error is an ExternalCommandError
func IsExternalCommandError(err error) (*ExternalCommandError, bool) {
	var cmdErr *ExternalCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
