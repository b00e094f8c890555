package provisioning

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/services"
)

func pendingCustomer() *models.Customer {
	return &models.Customer{
		ID:       uuid.New(),
		Slug:     "shop",
		Platform: models.PlatformWooCommerce,
		Status:   models.CustomerStatusPending,
	}
}

func TestEnqueue_AllocatesAndQueues(t *testing.T) {
	customer := pendingCustomer()
	customers := newFakeCustomers(customer)
	jobs := newFakeJobs()
	alloc := newFakeAllocator(customers)
	svc := NewService(customers, jobs, alloc)

	job, err := svc.Enqueue(context.Background(), customer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 1, alloc.allocated)
	assert.Equal(t, models.CustomerStatusProvisioning, customers.status(customer.ID))

	stored, err := customers.GetByID(context.Background(), customer.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Port)
	assert.Equal(t, 8001, *stored.Port)
}

func TestEnqueue_KeepsExistingAllocation(t *testing.T) {
	customer := pendingCustomer()
	customer.Status = models.CustomerStatusFailed
	serverID := uuid.New()
	port := 8077
	customer.ServerID = &serverID
	customer.Port = &port

	customers := newFakeCustomers(customer)
	alloc := newFakeAllocator(customers)
	svc := NewService(customers, newFakeJobs(), alloc)

	_, err := svc.Enqueue(context.Background(), customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.allocated, "retry must reuse the existing allocation")

	stored, _ := customers.GetByID(context.Background(), customer.ID)
	assert.Equal(t, 8077, *stored.Port)
}

func TestEnqueue_RejectsActiveCustomer(t *testing.T) {
	customer := pendingCustomer()
	customer.Status = models.CustomerStatusActive
	customers := newFakeCustomers(customer)
	svc := NewService(customers, newFakeJobs(), newFakeAllocator(customers))

	_, err := svc.Enqueue(context.Background(), customer.ID)
	require.Error(t, err)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestEnqueue_SecondJobRejected(t *testing.T) {
	customer := pendingCustomer()
	customers := newFakeCustomers(customer)
	jobs := newFakeJobs()
	svc := NewService(customers, jobs, newFakeAllocator(customers))

	_, err := svc.Enqueue(context.Background(), customer.ID)
	require.NoError(t, err)

	// The customer is now provisioning, so validation catches the retry.
	// Force the status back to exercise the queue-level exclusivity too.
	customers.customers[customer.ID].Status = models.CustomerStatusPending

	_, err = svc.Enqueue(context.Background(), customer.ID)
	require.Error(t, err)
	_, ok := services.IsJobAlreadyActiveError(err)
	assert.True(t, ok, "expected JobAlreadyActiveError, got %v", err)
}

func TestCancel_QueuedJob(t *testing.T) {
	customer := pendingCustomer()
	customers := newFakeCustomers(customer)
	jobs := newFakeJobs()
	svc := NewService(customers, jobs, newFakeAllocator(customers))

	job, err := svc.Enqueue(context.Background(), customer.ID)
	require.NoError(t, err)

	accepted, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	cancelled, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
}

func TestCancel_FinishedJobRejected(t *testing.T) {
	customer := pendingCustomer()
	customers := newFakeCustomers(customer)
	jobs := newFakeJobs()
	svc := NewService(customers, jobs, newFakeAllocator(customers))

	job, err := svc.Enqueue(context.Background(), customer.ID)
	require.NoError(t, err)
	require.NoError(t, jobs.Finish(context.Background(), job.ID, models.JobStatusSucceeded, "", ""))

	accepted, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}
