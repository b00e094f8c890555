package provisioning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/events"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/platform"
	containerruntime "fleet-orchestrator/internal/runtime"
	"fleet-orchestrator/internal/services"
)

// Runtime is the container runtime surface the worker needs
type Runtime interface {
	Up(ctx context.Context, dir string) error
	Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error)
	Health(ctx context.Context, dir, service string) (string, error)
}

// ProxyConfigurer installs reverse proxy routing for a tenant
type ProxyConfigurer interface {
	Route(ctx context.Context, domain string, port int) error
}

// CertIssuer obtains TLS certificates
type CertIssuer interface {
	Obtain(ctx context.Context, domain string) error
}

// Step names, in execution order
const (
	StepCreateDirectory     = "create_directory"
	StepGenerateCredentials = "generate_credentials"
	StepRenderCompose       = "render_compose"
	StepStartStack          = "start_stack"
	StepConfigureProxy      = "configure_proxy"
	StepObtainCertificate   = "obtain_certificate"
	StepWaitHealthy         = "wait_healthy"
	StepRunInstall          = "run_install"
	StepPersistCredentials  = "persist_credentials"
)

// Worker executes provisioning jobs pulled from the shared queue. Any
// number of jobs run in parallel across customers; per-customer exclusivity
// is enforced at enqueue time and by the queued->running claim.
type Worker struct {
	cfg       config.ProvisioningConfig
	fleet     config.FleetConfig
	customers CustomerStore
	jobs      JobStore
	runtime   Runtime
	proxy     ProxyConfigurer
	certs     CertIssuer
	sink      events.Sink
	metrics   *metrics.Metrics
	log       *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a provisioning worker pool
func NewWorker(
	cfg config.ProvisioningConfig,
	fleet config.FleetConfig,
	customers CustomerStore,
	jobs JobStore,
	rt Runtime,
	proxy ProxyConfigurer,
	certs CertIssuer,
	sink events.Sink,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		cfg:       cfg,
		fleet:     fleet,
		customers: customers,
		jobs:      jobs,
		runtime:   rt,
		proxy:     proxy,
		certs:     certs,
		sink:      sink,
		metrics:   m,
		log:       logrus.WithField("component", "provisioning-worker"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool
func (w *Worker) Start(ctx context.Context) {
	w.log.WithField("workers", w.cfg.Workers).Info("Starting provisioning workers")

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
}

// Stop signals all workers to finish and waits for them
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			w.log.WithField("panic", r).Error("Provisioning worker panicked")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.jobs.ClaimNextQueued(ctx)
		if err != nil {
			w.log.WithError(err).Error("Failed to claim job")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.Execute(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.cfg.PollInterval):
	}
}

// stepState carries the data produced by earlier steps to later ones
type stepState struct {
	customer *models.Customer
	plat     platform.Platform
	dir      string
	domain   string
	port     int
	creds    *Credentials
}

type step struct {
	name string
	run  func(ctx context.Context, st *stepState) error
}

// Execute runs one claimed job to its terminal state
func (w *Worker) Execute(ctx context.Context, job *models.ProvisioningJob) {
	log := w.log.WithField("job_id", job.ID)
	start := time.Now()

	customer, err := w.customers.GetByID(ctx, job.CustomerID)
	if err != nil {
		w.fail(ctx, job, "", fmt.Errorf("failed to load customer: %w", err))
		return
	}
	if customer.Port == nil || customer.ServerID == nil {
		w.fail(ctx, job, "", fmt.Errorf("customer %s has no allocation", customer.ID))
		return
	}

	plat, err := platform.ForCustomer(customer)
	if err != nil {
		w.fail(ctx, job, "", err)
		return
	}

	st := &stepState{
		customer: customer,
		plat:     plat,
		dir:      TenantDir(w.fleet.TenantRoot, customer.Slug),
		domain:   customer.Domain(w.fleet.BaseDomain),
		port:     *customer.Port,
	}

	steps := []step{
		{StepCreateDirectory, w.stepCreateDirectory},
		{StepGenerateCredentials, w.stepGenerateCredentials},
		{StepRenderCompose, w.stepRenderCompose},
		{StepStartStack, w.stepStartStack},
		{StepConfigureProxy, w.stepConfigureProxy},
		{StepObtainCertificate, w.stepObtainCertificate},
		{StepWaitHealthy, w.stepWaitHealthy},
		{StepRunInstall, w.stepRunInstall},
		{StepPersistCredentials, w.stepPersistCredentials},
	}

	for _, s := range steps {
		// Cancellation is honored only between steps; a dispatched step
		// runs to completion or its own timeout
		if cancelled, err := w.jobs.CancelRequested(ctx, job.ID); err == nil && cancelled {
			w.logStep(ctx, job, s.name, "warn", "job cancelled before step")
			if err := w.jobs.MarkCancelled(ctx, job.ID); err != nil {
				log.WithError(err).Error("Failed to mark job cancelled")
			}
			if ok, err := w.customers.SetStatus(ctx, customer.ID,
				models.CustomerStatusProvisioning, models.CustomerStatusFailed, "provisioning cancelled"); err != nil || !ok {
				log.WithError(err).Warn("Could not transition cancelled customer to failed")
			}
			return
		}

		w.logStep(ctx, job, s.name, "info", "step started")

		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout := w.stepTimeout(s.name); timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := s.run(stepCtx, st)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			w.logStep(ctx, job, s.name, "error", err.Error())
			w.metrics.JobStepFailures.WithLabelValues(s.name).Inc()
			w.fail(ctx, job, s.name, err)
			return
		}

		w.logStep(ctx, job, s.name, "info", "step completed")
	}

	if err := w.jobs.Finish(ctx, job.ID, models.JobStatusSucceeded, "", ""); err != nil {
		log.WithError(err).Error("Failed to record job success")
		return
	}

	if ok, err := w.customers.SetStatus(ctx, customer.ID,
		models.CustomerStatusProvisioning, models.CustomerStatusActive, ""); err != nil || !ok {
		log.WithError(err).Error("Failed to activate customer")
	}

	w.metrics.JobsTotal.WithLabelValues(models.JobStatusSucceeded).Inc()
	w.metrics.JobDuration.Observe(time.Since(start).Seconds())

	w.notify(ctx, job, customer, models.JobStatusSucceeded, "", "")
	log.WithField("duration", time.Since(start)).Info("Provisioning job succeeded")
}

// stepTimeout returns the per-step timeout; the health wait manages its own
// polling deadline
func (w *Worker) stepTimeout(name string) time.Duration {
	switch name {
	case StepWaitHealthy:
		return 0
	case StepObtainCertificate:
		return w.cfg.CertTimeout
	default:
		return w.cfg.StepTimeout
	}
}

func (w *Worker) fail(ctx context.Context, job *models.ProvisioningJob, failedStep string, cause error) {
	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "step": failedStep})
	log.WithError(cause).Error("Provisioning job failed")
	sentry.CaptureException(cause)

	if err := w.jobs.Finish(ctx, job.ID, models.JobStatusFailed, failedStep, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to record job failure")
	}

	// No automatic resource cleanup: failed stacks are inspected and torn
	// down through the explicit cleanup workflow
	if ok, err := w.customers.SetStatus(ctx, job.CustomerID,
		models.CustomerStatusProvisioning, models.CustomerStatusFailed, cause.Error()); err != nil || !ok {
		log.WithError(err).Warn("Could not transition customer to failed")
	}

	w.metrics.JobsTotal.WithLabelValues(models.JobStatusFailed).Inc()

	customer, err := w.customers.GetByID(ctx, job.CustomerID)
	if err == nil {
		w.notify(ctx, job, customer, models.JobStatusFailed, failedStep, cause.Error())
	}
}

func (w *Worker) notify(ctx context.Context, job *models.ProvisioningJob, customer *models.Customer, status, failedStep, errorDetail string) {
	event := &events.JobEvent{
		JobID:       job.ID.String(),
		CustomerID:  customer.ID.String(),
		Slug:        customer.Slug,
		Status:      status,
		FailedStep:  failedStep,
		ErrorDetail: errorDetail,
	}
	if err := w.sink.PublishJobEvent(ctx, event); err != nil {
		// Fire and forget: delivery failures are the sink's concern
		w.log.WithError(err).Warn("Failed to publish job event")
	}
}

func (w *Worker) logStep(ctx context.Context, job *models.ProvisioningJob, stepName, level, message string) {
	entry := models.StepLogEntry{
		Step:      stepName,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := w.jobs.AppendStepLog(ctx, job.ID, entry); err != nil {
		w.log.WithError(err).Warn("Failed to append step log")
	}
}

func (w *Worker) stepCreateDirectory(ctx context.Context, st *stepState) error {
	return CreateTenantDir(st.dir)
}

func (w *Worker) stepGenerateCredentials(ctx context.Context, st *stepState) error {
	creds, err := GenerateCredentials(st.plat.DBName())
	if err != nil {
		return err
	}
	st.creds = creds
	return nil
}

func (w *Worker) stepRenderCompose(ctx context.Context, st *stepState) error {
	return RenderCompose(st.dir, st.plat, st.customer, st.creds)
}

func (w *Worker) stepStartStack(ctx context.Context, st *stepState) error {
	return w.runtime.Up(ctx, st.dir)
}

func (w *Worker) stepConfigureProxy(ctx context.Context, st *stepState) error {
	return w.proxy.Route(ctx, st.domain, st.port)
}

func (w *Worker) stepObtainCertificate(ctx context.Context, st *stepState) error {
	return w.certs.Obtain(ctx, st.domain)
}

// stepWaitHealthy polls the primary service's container health until it
// reports healthy, bounded by the configured wait timeout. A timeout is a
// distinct ServiceUnhealthy failure, retryable at a higher level.
func (w *Worker) stepWaitHealthy(ctx context.Context, st *stepState) error {
	deadline := time.Now().Add(w.cfg.HealthCheckTimeout)

	for {
		status, err := w.runtime.Health(ctx, st.dir, st.plat.WebService())
		if err == nil && status == containerruntime.HealthHealthy {
			return nil
		}

		if time.Now().After(deadline) {
			return &services.ServiceUnhealthyError{
				CustomerID: st.customer.ID.String(),
				Waited:     w.cfg.HealthCheckTimeout.String(),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.HealthCheckInterval):
		}
	}
}

func (w *Worker) stepRunInstall(ctx context.Context, st *stepState) error {
	out, err := w.runtime.Exec(ctx, st.dir, st.plat.WebService(), st.plat.InstallArgs(st.domain)...)
	if err != nil {
		// Installers are idempotent only through detection: an "already
		// installed" result is a skip, not a failure
		if strings.Contains(string(out), st.plat.AlreadyInstalledMarker()) {
			return nil
		}
		return fmt.Errorf("platform install failed: %w", err)
	}
	return nil
}

func (w *Worker) stepPersistCredentials(ctx context.Context, st *stepState) error {
	return PersistCredentials(st.dir, st.creds)
}
