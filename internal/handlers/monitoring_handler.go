package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fleet-orchestrator/internal/monitoring"
	redisclient "fleet-orchestrator/internal/redis"
	"fleet-orchestrator/internal/repository"
)

// HealthReader serves the cached last-known health view
type HealthReader interface {
	GetHealthSnapshot(ctx context.Context, customerID string) (*redisclient.HealthSnapshot, error)
}

// MonitoringHandler exposes health state, on-demand checks and alerts
type MonitoringHandler struct {
	engine    *monitoring.Engine
	customers *repository.CustomerRepository
	repo      *repository.MonitoringRepository
	cache     HealthReader
}

// NewMonitoringHandler creates a new monitoring handler. cache may be nil
// when Redis is unavailable.
func NewMonitoringHandler(
	engine *monitoring.Engine,
	customers *repository.CustomerRepository,
	repo *repository.MonitoringRepository,
	cache HealthReader,
) *MonitoringHandler {
	return &MonitoringHandler{engine: engine, customers: customers, repo: repo, cache: cache}
}

// Status returns the customer's current derived health state. With
// ?cached=true the last view cached by the monitoring worker is served
// without touching the database; absent or expired cache entries fall
// through to the database row.
func (h *MonitoringHandler) Status(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if h.cache != nil && c.Query("cached") == "true" {
		snapshot, err := h.cache.GetHealthSnapshot(c.Request.Context(), customerID.String())
		if err == nil && snapshot != nil {
			SuccessResponse(c, http.StatusOK, "Monitoring status (cached)", snapshot)
			return
		}
	}

	status, err := h.repo.GetOrCreateStatus(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to load monitoring status", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Monitoring status", status)
}

// Check runs one monitoring pass immediately instead of waiting for the
// next scheduled cycle
func (h *MonitoringHandler) Check(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	customer, err := h.customers.GetByID(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Customer not found", err)
		return
	}

	status, err := h.engine.RunCheck(c.Request.Context(), customer)
	if err != nil {
		serviceErrorResponse(c, err, "Monitoring check failed")
		return
	}

	SuccessResponse(c, http.StatusOK, "Monitoring check finished", status)
}

// ListAlerts returns alerts, filterable by customer and acknowledgement
func (h *MonitoringHandler) ListAlerts(c *gin.Context) {
	var customerID *uuid.UUID
	if raw := c.Query("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrorResponse(c, http.StatusBadRequest, "Invalid customer_id format", err)
			return
		}
		customerID = &id
	}

	unacknowledgedOnly := c.Query("unacknowledged") == "true"

	alerts, err := h.repo.ListAlerts(c.Request.Context(), customerID, unacknowledgedOnly)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list alerts", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Alerts listed", alerts)
}

// AcknowledgeAlert marks an alert as seen by an operator
func (h *MonitoringHandler) AcknowledgeAlert(c *gin.Context) {
	alertID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.repo.AcknowledgeAlert(c.Request.Context(), alertID); err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to acknowledge alert", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Alert acknowledged", nil)
}
