package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/repository"
)

// ServerHandler manages the fleet server registry
type ServerHandler struct {
	servers *repository.ServerRepository
}

// NewServerHandler creates a new server handler
func NewServerHandler(servers *repository.ServerRepository) *ServerHandler {
	return &ServerHandler{servers: servers}
}

// RegisterServerRequest represents a server joining the fleet
type RegisterServerRequest struct {
	Name         string `json:"name" binding:"required,min=2,max=100"`
	Hostname     string `json:"hostname" binding:"required"`
	IPAddress    string `json:"ip_address" binding:"required"`
	MaxTenants   int    `json:"max_tenants" binding:"required,min=1"`
	PortRangeMin int    `json:"port_range_min" binding:"required,min=1024"`
	PortRangeMax int    `json:"port_range_max" binding:"required,max=65535"`
	QueueName    string `json:"queue_name" binding:"required"`
}

// Register adds a server to the fleet
func (h *ServerHandler) Register(c *gin.Context) {
	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	if req.PortRangeMax <= req.PortRangeMin {
		ErrorResponse(c, http.StatusBadRequest, "port_range_max must be greater than port_range_min", nil)
		return
	}

	server, err := h.servers.Create(c.Request.Context(), &models.Server{
		Name:         req.Name,
		Hostname:     req.Hostname,
		IPAddress:    req.IPAddress,
		MaxTenants:   req.MaxTenants,
		PortRangeMin: req.PortRangeMin,
		PortRangeMax: req.PortRangeMax,
		QueueName:    req.QueueName,
	})
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to register server", err)
		return
	}

	SuccessResponse(c, http.StatusCreated, "Server registered", server)
}

// List returns every server with its current tenant count
func (h *ServerHandler) List(c *gin.Context) {
	servers, err := h.servers.List(c.Request.Context())
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list servers", err)
		return
	}

	type serverWithLoad struct {
		models.Server
		TenantCount int64 `json:"tenant_count"`
	}

	result := make([]serverWithLoad, 0, len(servers))
	for _, server := range servers {
		count, err := h.servers.TenantCount(c.Request.Context(), server.ID)
		if err != nil {
			ErrorResponse(c, http.StatusInternalServerError, "Failed to count tenants", err)
			return
		}
		result = append(result, serverWithLoad{Server: server, TenantCount: count})
	}

	SuccessResponse(c, http.StatusOK, "Servers listed", result)
}

// Get returns one server by id
func (h *ServerHandler) Get(c *gin.Context) {
	serverID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	server, err := h.servers.GetByID(c.Request.Context(), serverID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Server not found", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Server found", server)
}

// Heartbeat records a liveness signal from a server agent
func (h *ServerHandler) Heartbeat(c *gin.Context) {
	serverID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.servers.Heartbeat(c.Request.Context(), serverID); err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to record heartbeat", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Heartbeat recorded", nil)
}

// SetStatusRequest changes a server's scheduling status
type SetStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active maintenance offline"`
}

// SetStatus moves a server between active, maintenance and offline.
// Servers out of active stop receiving new allocations immediately.
func (h *ServerHandler) SetStatus(c *gin.Context) {
	serverID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	if err := h.servers.SetStatus(c.Request.Context(), serverID, req.Status); err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to update server status", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Server status updated", nil)
}
