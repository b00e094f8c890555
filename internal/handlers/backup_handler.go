package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-orchestrator/internal/backup"
	"fleet-orchestrator/internal/repository"
)

// BackupHandler exposes backup, restore and snapshot listing operations
type BackupHandler struct {
	orchestrator *backup.Orchestrator
	repo         *repository.BackupRepository
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(orchestrator *backup.Orchestrator, repo *repository.BackupRepository) *BackupHandler {
	return &BackupHandler{orchestrator: orchestrator, repo: repo}
}

// Create takes a full backup of the customer's store
func (h *BackupHandler) Create(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	job, err := h.orchestrator.Backup(c.Request.Context(), customerID)
	if err != nil {
		serviceErrorResponse(c, err, "Backup failed")
		return
	}

	SuccessResponse(c, http.StatusCreated, "Backup finished", job)
}

// List returns the customer's backup and restore jobs, newest first
func (h *BackupHandler) List(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	jobs, err := h.repo.ListByCustomer(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list backup jobs", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Backup jobs listed", jobs)
}

// Get returns one backup or restore job
func (h *BackupHandler) Get(c *gin.Context) {
	jobID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	job, err := h.repo.GetByID(c.Request.Context(), jobID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Backup job not found", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Backup job found", job)
}

// Snapshots lists the customer's snapshots in the content-addressed store
func (h *BackupHandler) Snapshots(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	snapshots, err := h.orchestrator.ListSnapshots(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list snapshots", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Snapshots listed", snapshots)
}

// RestoreRequest selects a snapshot and restore scope
type RestoreRequest struct {
	SnapshotID string `json:"snapshot_id" binding:"required"`
	Scope      string `json:"scope" binding:"required,oneof=db files all"`
}

// Restore brings a customer's store back to a snapshot. The snapshot is
// verified against the customer before anything is touched.
func (h *BackupHandler) Restore(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	job, err := h.orchestrator.Restore(c.Request.Context(), customerID, req.SnapshotID, req.Scope)
	if err != nil {
		serviceErrorResponse(c, err, "Restore failed")
		return
	}

	SuccessResponse(c, http.StatusOK, "Restore finished", job)
}
