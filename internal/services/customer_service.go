package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/models"
)

// CustomerStore is the persistence surface the customer service needs
type CustomerStore interface {
	Create(ctx context.Context, customer *models.Customer) (*models.Customer, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	SetStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus, errorDetail string) (bool, error)
}

// ActiveJobStore exposes the active-job lookup used by the invariant check
type ActiveJobStore interface {
	GetActiveByCustomer(ctx context.Context, customerID uuid.UUID) (*models.ProvisioningJob, error)
}

// legalTransitions is the customer lifecycle state machine. Transitions are
// driven only by payment confirmation, job enqueue, job terminal outcome and
// administrative suspend/resume.
var legalTransitions = map[string][]string{
	models.CustomerStatusPending:        {models.CustomerStatusPendingPayment, models.CustomerStatusProvisioning},
	models.CustomerStatusPendingPayment: {models.CustomerStatusProvisioning},
	models.CustomerStatusProvisioning:   {models.CustomerStatusActive, models.CustomerStatusFailed},
	models.CustomerStatusActive:         {models.CustomerStatusSuspended},
	models.CustomerStatusSuspended:      {models.CustomerStatusActive},
	models.CustomerStatusFailed:         {models.CustomerStatusProvisioning},
}

// CanTransition reports whether the customer lifecycle allows from -> to
func CanTransition(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CustomerService owns customer lifecycle transitions
type CustomerService struct {
	customers CustomerStore
	jobs      ActiveJobStore
	log       *logrus.Entry
}

// NewCustomerService creates a new customer service
func NewCustomerService(customers CustomerStore, jobs ActiveJobStore) *CustomerService {
	return &CustomerService{
		customers: customers,
		jobs:      jobs,
		log:       logrus.WithField("component", "customers"),
	}
}

// Signup creates a new pending customer record
func (s *CustomerService) Signup(ctx context.Context, customer *models.Customer) (*models.Customer, error) {
	if customer.Email == "" {
		return nil, NewValidationError("email", "email is required")
	}
	if customer.Slug == "" {
		return nil, NewValidationError("slug", "slug is required")
	}
	if customer.Platform != models.PlatformWooCommerce && customer.Platform != models.PlatformPrestaShop {
		return nil, NewValidationError("platform", fmt.Sprintf("unknown platform %q", customer.Platform))
	}

	customer.Status = models.CustomerStatusPending
	created, err := s.customers.Create(ctx, customer)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"customer_id": created.ID,
		"slug":        created.Slug,
		"platform":    created.Platform,
	}).Info("Customer signed up")

	return created, nil
}

// Transition performs a validated, atomic lifecycle transition
func (s *CustomerService) Transition(ctx context.Context, customerID uuid.UUID, from, to, errorDetail string) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	ok, err := s.customers.SetStatus(ctx, customerID, from, to, errorDetail)
	if err != nil {
		return err
	}
	if !ok {
		current, getErr := s.customers.GetByID(ctx, customerID)
		if getErr != nil {
			return getErr
		}
		return &TransitionError{From: current.Status, To: to}
	}

	s.log.WithFields(logrus.Fields{
		"customer_id": customerID,
		"from":        from,
		"to":          to,
	}).Info("Customer status transitioned")

	return nil
}

// AwaitPayment moves a fresh signup to pending_payment
func (s *CustomerService) AwaitPayment(ctx context.Context, customerID uuid.UUID) error {
	return s.Transition(ctx, customerID, models.CustomerStatusPending, models.CustomerStatusPendingPayment, "")
}

// Suspend administratively suspends an active customer
func (s *CustomerService) Suspend(ctx context.Context, customerID uuid.UUID) error {
	return s.Transition(ctx, customerID, models.CustomerStatusActive, models.CustomerStatusSuspended, "")
}

// Resume reactivates a suspended customer
func (s *CustomerService) Resume(ctx context.Context, customerID uuid.UUID) error {
	return s.Transition(ctx, customerID, models.CustomerStatusSuspended, models.CustomerStatusActive, "")
}

// CheckInvariant verifies that the status and active-job invariant holds
// for a customer: provisioning implies exactly one active job, terminal
// statuses imply none.
func (s *CustomerService) CheckInvariant(ctx context.Context, customerID uuid.UUID) error {
	customer, err := s.customers.GetByID(ctx, customerID)
	if err != nil {
		return err
	}

	active, err := s.jobs.GetActiveByCustomer(ctx, customerID)
	if err != nil {
		return err
	}

	if customer.Status == models.CustomerStatusProvisioning && active == nil {
		return fmt.Errorf("customer %s is provisioning but has no active job", customerID)
	}
	if customer.Status != models.CustomerStatusProvisioning && active != nil {
		return fmt.Errorf("customer %s is %s but has active job %s", customerID, customer.Status, active.ID)
	}

	return nil
}
