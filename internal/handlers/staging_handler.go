package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-orchestrator/internal/repository"
	"fleet-orchestrator/internal/staging"
)

// StagingHandler exposes staging environment creation and sync operations
type StagingHandler struct {
	engine *staging.Engine
	repo   *repository.StagingRepository
}

// NewStagingHandler creates a new staging handler
func NewStagingHandler(engine *staging.Engine, repo *repository.StagingRepository) *StagingHandler {
	return &StagingHandler{engine: engine, repo: repo}
}

// Create builds a staging environment for an active customer, seeded from
// production
func (h *StagingHandler) Create(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	env, err := h.engine.CreateEnvironment(c.Request.Context(), customerID)
	if err != nil {
		serviceErrorResponse(c, err, "Failed to create staging environment")
		return
	}

	SuccessResponse(c, http.StatusCreated, "Staging environment created", env)
}

// SyncRequest selects the sync direction and payload
type SyncRequest struct {
	Kind string `json:"kind" binding:"required,oneof=push_files push_db push_all pull_files pull_db pull_all"`
}

// Sync copies files, database or both between production and staging
func (h *StagingHandler) Sync(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	record, err := h.engine.Sync(c.Request.Context(), customerID, req.Kind)
	if err != nil {
		serviceErrorResponse(c, err, "Staging sync failed")
		return
	}

	SuccessResponse(c, http.StatusOK, "Staging sync finished", record)
}

// Get returns the customer's staging environment and its sync history
func (h *StagingHandler) Get(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	env, err := h.repo.GetEnvironmentByCustomer(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Staging environment not found", err)
		return
	}

	records, err := h.repo.ListSyncRecords(c.Request.Context(), env.ID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list sync records", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Staging environment found", gin.H{
		"environment": env,
		"syncs":       records,
	})
}
