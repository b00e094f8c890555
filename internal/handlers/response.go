package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/services"
)

// ErrorResponse sends a standardized error response.
// Internal errors are logged but not exposed to clients.
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := getRequestID(c)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     statusCode,
		}).WithError(err).Error(message)
	}

	response := gin.H{
		"success":    false,
		"message":    message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if gin.Mode() == gin.DebugMode && err != nil {
		response["error_details"] = err.Error()
	}

	c.JSON(statusCode, response)
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	response := gin.H{
		"success":    true,
		"message":    message,
		"request_id": getRequestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if data != nil {
		response["data"] = data
	}

	c.JSON(statusCode, response)
}

// serviceErrorResponse maps known service error types onto HTTP statuses
func serviceErrorResponse(c *gin.Context, err error, fallback string) {
	if _, ok := services.IsValidationError(err); ok {
		ErrorResponse(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if _, ok := services.IsTransitionError(err); ok {
		ErrorResponse(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if _, ok := services.IsNoCapacityError(err); ok {
		ErrorResponse(c, http.StatusServiceUnavailable, "No capacity available in the fleet", err)
		return
	}
	if _, ok := services.IsJobAlreadyActiveError(err); ok {
		ErrorResponse(c, http.StatusConflict, "A provisioning job is already active for this customer", nil)
		return
	}
	if _, ok := services.IsSyncInProgressError(err); ok {
		ErrorResponse(c, http.StatusConflict, "A staging sync is already running for this customer", nil)
		return
	}
	if _, ok := services.IsBackupInProgressError(err); ok {
		ErrorResponse(c, http.StatusConflict, "A backup or restore is already running for this customer", nil)
		return
	}
	if _, ok := services.IsSnapshotNotFoundError(err); ok {
		ErrorResponse(c, http.StatusNotFound, err.Error(), nil)
		return
	}
	ErrorResponse(c, http.StatusInternalServerError, fallback, err)
}

// getRequestID retrieves the request ID set by middleware
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		return requestID.(string)
	}
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}
	return time.Now().Format("20060102150405")
}
