package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/events"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
)

type workerFixture struct {
	worker    *Worker
	customers *fakeCustomers
	jobs      *fakeJobs
	runtime   *fakeRuntime
	proxy     *fakeProxy
	certs     *fakeCerts
	customer  *models.Customer
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	serverID := uuid.New()
	port := 8001
	customer := &models.Customer{
		ID:           uuid.New(),
		Slug:         "shop",
		Platform:     models.PlatformWooCommerce,
		Status:       models.CustomerStatusProvisioning,
		ServerID:     &serverID,
		Port:         &port,
		PlanCPUs:     1,
		PlanMemoryMB: 1024,
	}

	customers := newFakeCustomers(customer)
	jobs := newFakeJobs()
	rt := newFakeRuntime()
	proxy := newFakeProxy()
	certs := &fakeCerts{}

	cfg := config.ProvisioningConfig{
		Workers:             1,
		PollInterval:        10 * time.Millisecond,
		HealthCheckInterval: time.Millisecond,
		HealthCheckTimeout:  100 * time.Millisecond,
		StepTimeout:         5 * time.Second,
		CertTimeout:         5 * time.Second,
	}
	fleet := config.FleetConfig{
		TenantRoot: t.TempDir(),
		BaseDomain: "test.local",
	}

	worker := NewWorker(cfg, fleet, customers, jobs, rt, proxy, certs,
		events.NopSink{}, metrics.New(prometheus.NewRegistry()))

	return &workerFixture{
		worker:    worker,
		customers: customers,
		jobs:      jobs,
		runtime:   rt,
		proxy:     proxy,
		certs:     certs,
		customer:  customer,
	}
}

func (f *workerFixture) claimJob(t *testing.T) *models.ProvisioningJob {
	t.Helper()
	_, _, err := f.jobs.Create(context.Background(), &models.ProvisioningJob{CustomerID: f.customer.ID})
	require.NoError(t, err)
	job, err := f.jobs.ClaimNextQueued(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestExecute_Success(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.claimJob(t)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, finished.Status)
	assert.Equal(t, models.CustomerStatusActive, f.customers.status(f.customer.ID))

	// The stack was started, routed, certified and installed
	require.Len(t, f.runtime.upDirs, 1)
	assert.Equal(t, 8001, f.proxy.routed["shop.test.local"])
	assert.Equal(t, []string{"shop.test.local"}, f.certs.domains)
	require.Len(t, f.runtime.execArgs, 1)
	assert.Contains(t, f.runtime.execArgs[0], "install")
}

func TestExecute_CertFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.certs.err = errors.New("acme rate limit")
	job := f.claimJob(t)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, finished.Status)
	assert.Equal(t, StepObtainCertificate, finished.FailedStep)
	assert.Contains(t, finished.ErrorDetail, "acme rate limit")

	assert.Equal(t, models.CustomerStatusFailed, f.customers.status(f.customer.ID))

	// Failure happened after proxy setup, before install
	assert.Len(t, f.proxy.routed, 1)
	assert.Empty(t, f.runtime.execArgs)
}

func TestExecute_UnhealthyStack(t *testing.T) {
	f := newWorkerFixture(t)
	f.runtime.health = "starting"
	job := f.claimJob(t)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, finished.Status)
	assert.Equal(t, StepWaitHealthy, finished.FailedStep)
	assert.Equal(t, models.CustomerStatusFailed, f.customers.status(f.customer.ID))
}

func TestExecute_AlreadyInstalledIsSkip(t *testing.T) {
	f := newWorkerFixture(t)
	f.runtime.execOut = []byte("Error: WordPress is already installed.")
	f.runtime.execErr = errors.New("exit status 1")
	job := f.claimJob(t)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, finished.Status)
}

func TestExecute_CancelHonoredAtStepBoundary(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.claimJob(t)

	accepted, err := f.jobs.RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, accepted)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, finished.Status)
	assert.Equal(t, models.CustomerStatusFailed, f.customers.status(f.customer.ID))
	assert.Equal(t, "provisioning cancelled", f.customers.customers[f.customer.ID].ErrorDetail)

	// Nothing was built
	assert.Empty(t, f.runtime.upDirs)
	assert.Empty(t, f.proxy.routed)
}

func TestExecute_CancelSurvivesStatusUpdateFailure(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.claimJob(t)

	accepted, err := f.jobs.RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, accepted)

	f.customers.setStatusErr = errors.New("connection reset")
	f.worker.Execute(context.Background(), job)

	// The job still lands in cancelled; the status failure is logged, not
	// fatal
	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, finished.Status)
	assert.Empty(t, f.runtime.upDirs)
}

func TestExecute_MissingAllocationFails(t *testing.T) {
	f := newWorkerFixture(t)
	f.customers.customers[f.customer.ID].Port = nil
	f.customers.customers[f.customer.ID].ServerID = nil
	job := f.claimJob(t)

	f.worker.Execute(context.Background(), job)

	finished, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, finished.Status)
	assert.Contains(t, finished.ErrorDetail, "no allocation")
}
