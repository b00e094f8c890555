package provisioning

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/allocator"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/services"
)

// CustomerStore is the customer persistence surface the provisioning layer needs
type CustomerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	SetStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus, errorDetail string) (bool, error)
}

// JobStore is the job persistence surface the provisioning layer needs
type JobStore interface {
	Create(ctx context.Context, job *models.ProvisioningJob) (*models.ProvisioningJob, *models.ProvisioningJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error)
	ClaimNextQueued(ctx context.Context) (*models.ProvisioningJob, error)
	AppendStepLog(ctx context.Context, jobID uuid.UUID, entry models.StepLogEntry) error
	Finish(ctx context.Context, jobID uuid.UUID, status, failedStep, errorDetail string) error
	RequestCancel(ctx context.Context, jobID uuid.UUID) (bool, error)
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, jobID uuid.UUID) error
}

// PortAllocator reserves a server and port for a customer
type PortAllocator interface {
	Allocate(ctx context.Context, customer *models.Customer) (*allocator.Allocation, error)
}

// Service accepts provisioning requests: it reserves capacity, enqueues the
// job and transitions the customer into provisioning.
type Service struct {
	customers CustomerStore
	jobs      JobStore
	allocator PortAllocator
	log       *logrus.Entry
}

// NewService creates a provisioning service
func NewService(customers CustomerStore, jobs JobStore, portAllocator PortAllocator) *Service {
	return &Service{
		customers: customers,
		jobs:      jobs,
		allocator: portAllocator,
		log:       logrus.WithField("component", "provisioning"),
	}
}

// Enqueue reserves capacity for the customer if needed and queues a
// provisioning job. Capacity and concurrency errors surface to the caller
// immediately; they are never queued.
func (s *Service) Enqueue(ctx context.Context, customerID uuid.UUID) (*models.ProvisioningJob, error) {
	customer, err := s.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	from := customer.Status
	switch from {
	case models.CustomerStatusPending, models.CustomerStatusPendingPayment, models.CustomerStatusFailed:
	default:
		return nil, services.NewValidationError("status",
			"customer cannot be provisioned from status "+from)
	}

	if customer.ServerID == nil || customer.Port == nil {
		alloc, err := s.allocator.Allocate(ctx, customer)
		if err != nil {
			return nil, err
		}
		customer.ServerID = &alloc.ServerID
		customer.Port = &alloc.Port
	}

	job := &models.ProvisioningJob{
		CustomerID: customer.ID,
		ServerID:   customer.ServerID,
	}
	created, existing, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &services.JobAlreadyActiveError{
			CustomerID: customer.ID.String(),
			JobID:      existing.ID.String(),
		}
	}

	if ok, err := s.customers.SetStatus(ctx, customer.ID, from, models.CustomerStatusProvisioning, ""); err != nil {
		return nil, err
	} else if !ok {
		// Status moved under us; the job stays queued and the worker
		// re-validates before executing
		s.log.WithField("customer_id", customer.ID).Warn("Customer status changed during enqueue")
	}

	s.log.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"job_id":      created.ID,
	}).Info("Provisioning job enqueued")

	return created, nil
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// running jobs are cancelled at the next step boundary.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return s.jobs.RequestCancel(ctx, jobID)
}
