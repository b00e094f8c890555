package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/provisioning"
	"fleet-orchestrator/internal/repository"
	"fleet-orchestrator/internal/services"
)

// CustomerHandler handles customer signup, lifecycle and provisioning requests
type CustomerHandler struct {
	customerService *services.CustomerService
	provisioning    *provisioning.Service
	lifecycle       *provisioning.Lifecycle
	customers       *repository.CustomerRepository
}

// NewCustomerHandler creates a new customer handler
func NewCustomerHandler(
	customerService *services.CustomerService,
	provisioningService *provisioning.Service,
	lifecycle *provisioning.Lifecycle,
	customers *repository.CustomerRepository,
) *CustomerHandler {
	return &CustomerHandler{
		customerService: customerService,
		provisioning:    provisioningService,
		lifecycle:       lifecycle,
		customers:       customers,
	}
}

// SignupRequest represents a new store signup
type SignupRequest struct {
	Email        string  `json:"email" binding:"required,email"`
	StoreName    string  `json:"store_name" binding:"required,min=2,max=100"`
	Slug         string  `json:"slug" binding:"required,min=2,max=50"`
	Platform     string  `json:"platform" binding:"required,oneof=woocommerce prestashop"`
	PlanCPUs     float64 `json:"plan_cpus"`
	PlanMemoryMB int     `json:"plan_memory_mb"`
	PlanDiskMB   int     `json:"plan_disk_mb"`
	AwaitPayment bool    `json:"await_payment"`
}

// Signup registers a new customer. With await_payment the customer parks in
// pending_payment until provisioning is requested explicitly.
func (h *CustomerHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	customer := &models.Customer{
		Email:        req.Email,
		StoreName:    req.StoreName,
		Slug:         req.Slug,
		Platform:     req.Platform,
		PlanCPUs:     req.PlanCPUs,
		PlanMemoryMB: req.PlanMemoryMB,
		PlanDiskMB:   req.PlanDiskMB,
	}

	created, err := h.customerService.Signup(c.Request.Context(), customer)
	if err != nil {
		serviceErrorResponse(c, err, "Failed to register customer")
		return
	}

	if req.AwaitPayment {
		if err := h.customerService.AwaitPayment(c.Request.Context(), created.ID); err != nil {
			serviceErrorResponse(c, err, "Failed to park customer for payment")
			return
		}
		created.Status = models.CustomerStatusPendingPayment
	}

	SuccessResponse(c, http.StatusCreated, "Customer registered", created)
}

// List returns customers, optionally filtered by status
func (h *CustomerHandler) List(c *gin.Context) {
	customers, err := h.customers.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Customers listed", customers)
}

// Get returns one customer by id
func (h *CustomerHandler) Get(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	customer, err := h.customers.GetByID(c.Request.Context(), customerID)
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "Customer not found", err)
		return
	}

	SuccessResponse(c, http.StatusOK, "Customer found", customer)
}

// Provision queues a provisioning job for the customer. It serves both the
// initial provisioning after payment and the retry path after a failure.
func (h *CustomerHandler) Provision(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	job, err := h.provisioning.Enqueue(c.Request.Context(), customerID)
	if err != nil {
		serviceErrorResponse(c, err, "Failed to enqueue provisioning job")
		return
	}

	SuccessResponse(c, http.StatusAccepted, "Provisioning job enqueued", job)
}

// Suspend stops the customer's store and marks it suspended
func (h *CustomerHandler) Suspend(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.lifecycle.Suspend(c.Request.Context(), customerID); err != nil {
		serviceErrorResponse(c, err, "Failed to suspend customer")
		return
	}

	SuccessResponse(c, http.StatusOK, "Customer suspended", nil)
}

// Resume restarts a suspended customer's store
func (h *CustomerHandler) Resume(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.lifecycle.Resume(c.Request.Context(), customerID); err != nil {
		serviceErrorResponse(c, err, "Failed to resume customer")
		return
	}

	SuccessResponse(c, http.StatusOK, "Customer resumed", nil)
}

// Delete tears the customer down completely and removes all records
func (h *CustomerHandler) Delete(c *gin.Context) {
	customerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.lifecycle.Deprovision(c.Request.Context(), customerID); err != nil {
		serviceErrorResponse(c, err, "Failed to deprovision customer")
		return
	}

	SuccessResponse(c, http.StatusOK, "Customer deprovisioned", nil)
}

// pathUUID parses a UUID path parameter, responding with 400 on failure
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid "+name+" format", err)
		return uuid.Nil, false
	}
	return id, true
}
