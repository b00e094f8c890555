package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-orchestrator/internal/provisioning"
	"fleet-orchestrator/internal/repository"
)

// JobHandler exposes provisioning job status and cancellation
type JobHandler struct {
	service *provisioning.Service
	jobs    *repository.JobRepository
}

// NewJobHandler creates a new job handler
func NewJobHandler(service *provisioning.Service, jobs *repository.JobRepository) *JobHandler {
	return &JobHandler{service: service, jobs: jobs}
}

// Get returns one provisioning job with its step log
func (h *JobHandler) Get(c *gin.Context) {
	jobID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(c.Request.Context(), jobID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Job not found", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Job found", job)
}

// ListByCustomer returns a customer's provisioning jobs, newest first
func (h *JobHandler) ListByCustomer(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	jobs, err := h.jobs.ListByCustomer(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list jobs", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Jobs listed", jobs)
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately,
// running jobs stop at the next step boundary.
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	accepted, err := h.service.Cancel(c.Request.Context(), jobID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to cancel job", err)
		return
	}
	if !accepted {
		ErrorResponse(c, http.StatusConflict, "Job is already finished", nil)
		return
	}

	SuccessResponse(c, http.StatusAccepted, "Job cancellation requested", nil)
}
