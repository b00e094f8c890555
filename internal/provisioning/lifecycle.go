package provisioning

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/services"
)

// LifecycleStore is the customer persistence surface for suspend, resume
// and teardown
type LifecycleStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	SetStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus, errorDetail string) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// StackRuntime starts and stops a tenant's container stack
type StackRuntime interface {
	Up(ctx context.Context, dir string) error
	Stop(ctx context.Context, dir string) error
}

// ProxyRemover removes reverse proxy routing for a tenant
type ProxyRemover interface {
	Unroute(ctx context.Context, domain string) error
}

// PortReleaser returns a customer's server and port reservation
type PortReleaser interface {
	Release(ctx context.Context, customer *models.Customer) error
}

// Lifecycle performs the container-level side of customer state changes:
// suspension stops the stack, resumption restarts it, teardown removes
// everything the tenant owns on the host.
type Lifecycle struct {
	customers  LifecycleStore
	runtime    StackRuntime
	proxy      ProxyRemover
	allocator  PortReleaser
	tenantRoot string
	baseDomain string
	log        *logrus.Entry
}

// NewLifecycle creates a lifecycle manager
func NewLifecycle(
	customers LifecycleStore,
	runtime StackRuntime,
	proxy ProxyRemover,
	portReleaser PortReleaser,
	tenantRoot, baseDomain string,
) *Lifecycle {
	return &Lifecycle{
		customers:  customers,
		runtime:    runtime,
		proxy:      proxy,
		allocator:  portReleaser,
		tenantRoot: tenantRoot,
		baseDomain: baseDomain,
		log:        logrus.WithField("component", "lifecycle"),
	}
}

// Suspend transitions an active customer to suspended and stops its stack.
// The allocation is kept so resumption reuses the same server and port.
func (l *Lifecycle) Suspend(ctx context.Context, customerID uuid.UUID) error {
	customer, err := l.customers.GetByID(ctx, customerID)
	if err != nil {
		return err
	}

	ok, err := l.customers.SetStatus(ctx, customerID,
		models.CustomerStatusActive, models.CustomerStatusSuspended, "")
	if err != nil {
		return err
	}
	if !ok {
		return &services.TransitionError{
			From: customer.Status,
			To:   models.CustomerStatusSuspended,
		}
	}

	if customer.ServerID != nil {
		dir := TenantDir(l.tenantRoot, customer.Slug)
		if err := l.runtime.Stop(ctx, dir); err != nil {
			l.log.WithError(err).WithField("customer_id", customerID).
				Error("Failed to stop suspended customer stack")
			return err
		}
	}

	l.log.WithField("customer_id", customerID).Info("Customer suspended")
	return nil
}

// Resume transitions a suspended customer back to active and restarts its
// stack
func (l *Lifecycle) Resume(ctx context.Context, customerID uuid.UUID) error {
	customer, err := l.customers.GetByID(ctx, customerID)
	if err != nil {
		return err
	}

	ok, err := l.customers.SetStatus(ctx, customerID,
		models.CustomerStatusSuspended, models.CustomerStatusActive, "")
	if err != nil {
		return err
	}
	if !ok {
		return &services.TransitionError{
			From: customer.Status,
			To:   models.CustomerStatusActive,
		}
	}

	if customer.ServerID != nil {
		dir := TenantDir(l.tenantRoot, customer.Slug)
		if err := l.runtime.Up(ctx, dir); err != nil {
			l.log.WithError(err).WithField("customer_id", customerID).
				Error("Failed to restart resumed customer stack")
			return err
		}
	}

	l.log.WithField("customer_id", customerID).Info("Customer resumed")
	return nil
}

// Deprovision tears a customer down completely: stack stopped, proxy route
// removed, allocation released, tenant directories deleted and all database
// rows cascaded away. Host-side failures are logged and skipped so a
// partially torn down tenant can be deprovisioned again.
func (l *Lifecycle) Deprovision(ctx context.Context, customerID uuid.UUID) error {
	customer, err := l.customers.GetByID(ctx, customerID)
	if err != nil {
		return err
	}

	if customer.ServerID != nil {
		prodDir := TenantDir(l.tenantRoot, customer.Slug)
		stagingDir := StagingDir(l.tenantRoot, customer.Slug)

		if err := l.runtime.Stop(ctx, prodDir); err != nil {
			l.log.WithError(err).WithField("customer_id", customerID).
				Warn("Failed to stop stack during teardown")
		}
		if err := l.runtime.Stop(ctx, stagingDir); err != nil {
			l.log.WithError(err).WithField("customer_id", customerID).
				Debug("No staging stack to stop during teardown")
		}

		if err := l.proxy.Unroute(ctx, customer.Domain(l.baseDomain)); err != nil {
			l.log.WithError(err).WithField("customer_id", customerID).
				Warn("Failed to remove proxy route during teardown")
		}

		if err := l.allocator.Release(ctx, customer); err != nil {
			return err
		}

		if err := os.RemoveAll(prodDir); err != nil {
			l.log.WithError(err).WithField("dir", prodDir).
				Warn("Failed to remove tenant directory")
		}
		if err := os.RemoveAll(stagingDir); err != nil {
			l.log.WithError(err).WithField("dir", stagingDir).
				Warn("Failed to remove staging directory")
		}
	}

	if err := l.customers.Delete(ctx, customerID); err != nil {
		return err
	}

	l.log.WithField("customer_id", customerID).Info("Customer deprovisioned")
	return nil
}
