package provisioning

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-orchestrator/internal/allocator"
	"fleet-orchestrator/internal/models"
)

// fakeCustomers is an in-memory CustomerStore and LifecycleStore
type fakeCustomers struct {
	mu           sync.Mutex
	customers    map[uuid.UUID]*models.Customer
	setStatusErr error
}

func newFakeCustomers(customers ...*models.Customer) *fakeCustomers {
	store := &fakeCustomers{customers: make(map[uuid.UUID]*models.Customer)}
	for _, c := range customers {
		store.customers[c.ID] = c
	}
	return store
}

func (s *fakeCustomers) GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[id]
	if !ok {
		return nil, errors.New("customer not found")
	}
	copied := *customer
	return &copied, nil
}

func (s *fakeCustomers) SetStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus, errorDetail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setStatusErr != nil {
		return false, s.setStatusErr
	}
	customer, ok := s.customers[id]
	if !ok || customer.Status != fromStatus {
		return false, nil
	}
	customer.Status = toStatus
	customer.ErrorDetail = errorDetail
	return true, nil
}

func (s *fakeCustomers) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.customers, id)
	return nil
}

func (s *fakeCustomers) status(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customers[id].Status
}

// fakeJobs is an in-memory JobStore with the same per-customer exclusivity
// and claim semantics as the real repository
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ProvisioningJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[uuid.UUID]*models.ProvisioningJob)}
}

func (s *fakeJobs) Create(ctx context.Context, job *models.ProvisioningJob) (*models.ProvisioningJob, *models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.CustomerID == job.CustomerID && !existing.IsTerminal() {
			copied := *existing
			return nil, &copied, nil
		}
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusQueued
	job.CreatedAt = time.Now()
	s.jobs[job.ID] = job
	copied := *job
	return &copied, nil, nil
}

func (s *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobs) ClaimNextQueued(ctx context.Context) (*models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*models.ProvisioningJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	claimed := queued[0]
	claimed.Status = models.JobStatusRunning
	copied := *claimed
	return &copied, nil
}

func (s *fakeJobs) AppendStepLog(ctx context.Context, jobID uuid.UUID, entry models.StepLogEntry) error {
	return nil
}

func (s *fakeJobs) Finish(ctx context.Context, jobID uuid.UUID, status, failedStep, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = status
	job.FailedStep = failedStep
	job.ErrorDetail = errorDetail
	return nil
}

func (s *fakeJobs) RequestCancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	if job.Status == models.JobStatusQueued {
		job.Status = models.JobStatusCancelled
		return true, nil
	}
	job.CancelRequested = true
	return true, nil
}

func (s *fakeJobs) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return job.CancelRequested, nil
}

func (s *fakeJobs) MarkCancelled(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = models.JobStatusCancelled
	return nil
}

// fakeAllocator hands out a fixed server with sequential ports
type fakeAllocator struct {
	serverID  uuid.UUID
	nextPort  int
	store     *fakeCustomers
	allocated int
}

func newFakeAllocator(store *fakeCustomers) *fakeAllocator {
	return &fakeAllocator{serverID: uuid.New(), nextPort: 8001, store: store}
}

func (a *fakeAllocator) Allocate(ctx context.Context, customer *models.Customer) (*allocator.Allocation, error) {
	port := a.nextPort
	a.nextPort++
	a.allocated++

	a.store.mu.Lock()
	if stored, ok := a.store.customers[customer.ID]; ok {
		serverID := a.serverID
		stored.ServerID = &serverID
		stored.Port = &port
	}
	a.store.mu.Unlock()

	return &allocator.Allocation{ServerID: a.serverID, Port: port}, nil
}

func (a *fakeAllocator) Release(ctx context.Context, customer *models.Customer) error {
	a.store.mu.Lock()
	if stored, ok := a.store.customers[customer.ID]; ok {
		stored.ServerID = nil
		stored.Port = nil
	}
	a.store.mu.Unlock()
	return nil
}

// fakeRuntime records container operations and reports healthy stacks
type fakeRuntime struct {
	mu        sync.Mutex
	upDirs    []string
	stopDirs  []string
	execArgs  [][]string
	execOut   []byte
	execErr   error
	health    string
	healthErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{health: "healthy"}
}

func (r *fakeRuntime) Up(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upDirs = append(r.upDirs, dir)
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopDirs = append(r.stopDirs, dir)
	return nil
}

func (r *fakeRuntime) Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execArgs = append(r.execArgs, argv)
	return r.execOut, r.execErr
}

func (r *fakeRuntime) Health(ctx context.Context, dir, service string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health, r.healthErr
}

type fakeProxy struct {
	mu       sync.Mutex
	routed   map[string]int
	unrouted []string
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{routed: make(map[string]int)}
}

func (p *fakeProxy) Route(ctx context.Context, domain string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routed[domain] = port
	return nil
}

func (p *fakeProxy) Unroute(ctx context.Context, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unrouted = append(p.unrouted, domain)
	return nil
}

type fakeCerts struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (c *fakeCerts) Obtain(ctx context.Context, domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.domains = append(c.domains, domain)
	return nil
}
