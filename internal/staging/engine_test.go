package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
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
	"fleet-orchestrator/internal/provisioning"
	"fleet-orchestrator/internal/services"
	"fleet-orchestrator/internal/snapshot"
)

type fakeStagingStore struct {
	mu      sync.Mutex
	envs    map[uuid.UUID]*models.StagingEnvironment // keyed by customer id
	records map[uuid.UUID]*models.StagingSyncRecord
	envOf   map[uuid.UUID]uuid.UUID // record id -> env id
	running map[uuid.UUID]bool      // env id -> sync in flight
	used    []int
	pushed  bool
	pulled  bool
}

func newFakeStagingStore() *fakeStagingStore {
	return &fakeStagingStore{
		envs:    make(map[uuid.UUID]*models.StagingEnvironment),
		records: make(map[uuid.UUID]*models.StagingSyncRecord),
		envOf:   make(map[uuid.UUID]uuid.UUID),
		running: make(map[uuid.UUID]bool),
	}
}

func (s *fakeStagingStore) CreateEnvironment(ctx context.Context, env *models.StagingEnvironment) (*models.StagingEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env.ID = uuid.New()
	env.CreatedAt = time.Now()
	s.envs[env.CustomerID] = env
	s.used = append(s.used, env.Port)
	copied := *env
	return &copied, nil
}

func (s *fakeStagingStore) GetEnvironmentByCustomer(ctx context.Context, customerID uuid.UUID) (*models.StagingEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[customerID]
	if !ok {
		return nil, nil
	}
	copied := *env
	return &copied, nil
}

func (s *fakeStagingStore) SetEnvironmentStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envs {
		if env.ID == id {
			env.Status = status
		}
	}
	return nil
}

func (s *fakeStagingStore) TouchSyncTime(ctx context.Context, id uuid.UUID, push bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if push {
		s.pushed = true
	} else {
		s.pulled = true
	}
	return nil
}

func (s *fakeStagingStore) UsedStagingPorts(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.used...), nil
}

func (s *fakeStagingStore) CreateSyncRecord(ctx context.Context, record *models.StagingSyncRecord) (*models.StagingSyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = uuid.New()
	record.Status = models.SyncStatusPending
	s.records[record.ID] = record
	s.envOf[record.ID] = record.StagingEnvironmentID
	copied := *record
	return &copied, nil
}

func (s *fakeStagingStore) StartSync(ctx context.Context, recordID, envID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[envID] {
		return false, nil
	}
	s.running[envID] = true
	s.records[recordID].Status = models.SyncStatusRunning
	return true, nil
}

func (s *fakeStagingStore) FinishSync(ctx context.Context, recordID uuid.UUID, status, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[recordID]
	record.Status = status
	record.ErrorDetail = errorDetail
	delete(s.running, s.envOf[recordID])
	return nil
}

type fakeCustomerGetter struct {
	customer *models.Customer
}

func (g *fakeCustomerGetter) GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	copied := *g.customer
	return &copied, nil
}

type fakeStagingRuntime struct {
	mu           sync.Mutex
	upDirs       []string
	execDirs     []string
	execCmds     []string
	execOut      []byte
	execErr      error
	failContains string // fail any exec whose command contains this
}

func (r *fakeStagingRuntime) Up(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upDirs = append(r.upDirs, dir)
	return nil
}

func (r *fakeStagingRuntime) Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execDirs = append(r.execDirs, dir)
	cmd := argv[len(argv)-1]
	r.execCmds = append(r.execCmds, cmd)
	if r.failContains != "" && strings.Contains(cmd, r.failContains) {
		return nil, fmt.Errorf("exec failed")
	}
	return r.execOut, r.execErr
}

type fakeSnapshots struct {
	mu       sync.Mutex
	snaps    []snapshot.Snapshot
	dumps    map[string][]byte // path -> dump contents
	restored [][2]string       // includePath, target
	listErr  error
}

func (s *fakeSnapshots) List(ctx context.Context, tags []string) ([]snapshot.Snapshot, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]snapshot.Snapshot(nil), s.snaps...), nil
}

func (s *fakeSnapshots) Dump(ctx context.Context, snapshotID, path string) ([]byte, error) {
	if dump, ok := s.dumps[path]; ok {
		return dump, nil
	}
	return nil, fmt.Errorf("path not found in snapshot")
}

func (s *fakeSnapshots) RestoreTree(ctx context.Context, snapshotID, includePath, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = append(s.restored, [2]string{includePath, target})
	// Restored trees keep their absolute layout under the target
	extracted := filepath.Join(target, includePath)
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(extracted, "index.php"), []byte("<?php\n"), 0o644)
}

type fakeSink struct {
	events.NopSink
	mu    sync.Mutex
	syncs []*events.SyncEvent
}

func (s *fakeSink) PublishSyncEvent(ctx context.Context, event *events.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, event)
	return nil
}

type fakeSyncRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *fakeSyncRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, r.err
}

type stagingFixture struct {
	engine    *Engine
	store     *fakeStagingStore
	runtime   *fakeStagingRuntime
	snapshots *fakeSnapshots
	runner    *fakeSyncRunner
	sink      *fakeSink
	customer  *models.Customer
	prodDir   string
}

func newStagingFixture(t *testing.T) *stagingFixture {
	t.Helper()

	fleet := config.FleetConfig{
		TenantRoot:        t.TempDir(),
		BaseDomain:        "test.local",
		StagingPortOffset: 10000,
	}

	serverID := uuid.New()
	port := 8001
	customer := &models.Customer{
		ID:       uuid.New(),
		Slug:     "shop",
		Platform: models.PlatformWooCommerce,
		Status:   models.CustomerStatusActive,
		ServerID: &serverID,
		Port:     &port,
		Server: &models.Server{
			ID:           serverID,
			PortRangeMin: 8001,
			PortRangeMax: 8010,
		},
		PlanCPUs:     1,
		PlanMemoryMB: 1024,
	}

	// Production tenant dir with persisted credentials
	prodDir := provisioning.TenantDir(fleet.TenantRoot, customer.Slug)
	require.NoError(t, provisioning.CreateTenantDir(prodDir))
	creds, err := provisioning.GenerateCredentials("wordpress")
	require.NoError(t, err)
	require.NoError(t, provisioning.PersistCredentials(prodDir, creds))

	store := newFakeStagingStore()
	rt := &fakeStagingRuntime{execOut: []byte("-- dump\n")}
	snapshots := &fakeSnapshots{dumps: make(map[string][]byte)}
	runner := &fakeSyncRunner{}
	sink := &fakeSink{}

	engine := NewEngine(config.StagingConfig{SyncTimeout: time.Minute},
		fleet, store, &fakeCustomerGetter{customer: customer}, rt, snapshots,
		runner, sink, metrics.New(prometheus.NewRegistry()))

	return &stagingFixture{
		engine:    engine,
		store:     store,
		runtime:   rt,
		snapshots: snapshots,
		runner:    runner,
		sink:      sink,
		customer:  customer,
		prodDir:   prodDir,
	}
}

func TestCreateEnvironment(t *testing.T) {
	f := newStagingFixture(t)

	env, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StagingStatusActive, env.Status)
	assert.Equal(t, 18001, env.Port, "staging port is the production range shifted by the offset")

	// The staging stack was materialized and started
	stagingDir := provisioning.StagingDir(f.engine.fleet.TenantRoot, f.customer.Slug)
	assert.Equal(t, []string{stagingDir}, f.runtime.upDirs)

	// With no snapshots yet the live stack seeds staging: files were
	// mirrored and the database copied (dump, load, swap)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, "rsync", f.runner.calls[0][0])
	assert.Equal(t, []string{f.prodDir, stagingDir, stagingDir}, f.runtime.execDirs)

	// Staging credentials are fresh, not production's
	prodCreds, err := provisioning.LoadCredentials(f.prodDir)
	require.NoError(t, err)
	stagingCreds, err := provisioning.LoadCredentials(stagingDir)
	require.NoError(t, err)
	assert.NotEqual(t, prodCreds.DBPassword, stagingCreds.DBPassword)

	// Downstream consumers hear about the completed create
	require.Len(t, f.sink.syncs, 1)
	assert.Equal(t, models.SyncKindCreate, f.sink.syncs[0].Kind)
}

func TestCreateEnvironment_SeedsFromLatestSnapshot(t *testing.T) {
	f := newStagingFixture(t)
	f.snapshots.snaps = []snapshot.Snapshot{{ID: "new222"}, {ID: "old111"}}
	f.snapshots.dumps[filepath.Join(f.prodDir, "dump.sql")] = []byte("-- snapshot dump\n")

	env, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagingStatusActive, env.Status)

	// Files come out of the newest snapshot, not the live tree
	require.Len(t, f.snapshots.restored, 1)
	assert.Equal(t, filepath.Join(f.prodDir, "html"), f.snapshots.restored[0][0])

	require.Len(t, f.runner.calls, 1)
	rsyncSrc := f.runner.calls[0][len(f.runner.calls[0])-2]
	assert.Contains(t, rsyncSrc, "staging-shop-",
		"the staging copy is mirrored from the extracted snapshot, not the live tree")
	assert.NotEqual(t, filepath.Join(f.prodDir, "html")+string(filepath.Separator), rsyncSrc)

	// The database comes out of the snapshot dump: no dump exec against
	// production, only load and swap against staging
	stagingDir := provisioning.StagingDir(f.engine.fleet.TenantRoot, f.customer.Slug)
	assert.Equal(t, []string{stagingDir, stagingDir}, f.runtime.execDirs)
}

func TestCreateEnvironment_SnapshotWithoutDumpFallsBackToLiveDB(t *testing.T) {
	f := newStagingFixture(t)
	f.snapshots.snaps = []snapshot.Snapshot{{ID: "new222"}}

	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)

	// Files from the snapshot, database dumped from the live stack
	require.Len(t, f.snapshots.restored, 1)
	stagingDir := provisioning.StagingDir(f.engine.fleet.TenantRoot, f.customer.Slug)
	assert.Equal(t, []string{f.prodDir, stagingDir, stagingDir}, f.runtime.execDirs)
}

func TestCreateEnvironment_RequiresActiveCustomer(t *testing.T) {
	f := newStagingFixture(t)
	f.customer.Status = models.CustomerStatusSuspended

	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestCreateEnvironment_AlreadyExists(t *testing.T) {
	f := newStagingFixture(t)

	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)

	_, err = f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestSync_UnknownKind(t *testing.T) {
	f := newStagingFixture(t)

	_, err := f.engine.Sync(context.Background(), f.customer.ID, "sideways")
	validationErr, ok := services.IsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "kind", validationErr.Field)
}

func TestSync_NoEnvironment(t *testing.T) {
	f := newStagingFixture(t)

	_, err := f.engine.Sync(context.Background(), f.customer.ID, models.SyncKindPushFiles)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestSync_PushFiles(t *testing.T) {
	f := newStagingFixture(t)
	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)

	record, err := f.engine.Sync(context.Background(), f.customer.ID, models.SyncKindPushFiles)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, record.Status)
	assert.True(t, f.store.pushed)
	assert.False(t, f.store.pulled)

	last := f.runner.calls[len(f.runner.calls)-1]
	assert.Equal(t, "rsync", last[0])
	assert.Contains(t, last, "--delete")

	lastEvent := f.sink.syncs[len(f.sink.syncs)-1]
	assert.Equal(t, models.SyncKindPushFiles, lastEvent.Kind)
	assert.Equal(t, models.SyncStatusCompleted, lastEvent.Status)
}

func TestSync_PushDBLoadsThenSwaps(t *testing.T) {
	f := newStagingFixture(t)
	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)
	f.runtime.execCmds = nil

	record, err := f.engine.Sync(context.Background(), f.customer.ID, models.SyncKindPushDB)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, record.Status)

	// Dump the source, load into the scratch database, swap it in
	require.Len(t, f.runtime.execCmds, 3)
	assert.Contains(t, f.runtime.execCmds[0], "mysqldump")
	assert.Contains(t, f.runtime.execCmds[1], "_incoming")
	assert.NotContains(t, f.runtime.execCmds[1], "RENAME TABLE")
	assert.Contains(t, f.runtime.execCmds[2], "RENAME TABLE")
}

func TestSync_PushDBFailedLoadSkipsSwap(t *testing.T) {
	f := newStagingFixture(t)
	_, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)
	f.runtime.execCmds = nil
	f.runtime.failContains = "_incoming <"

	_, err = f.engine.Sync(context.Background(), f.customer.ID, models.SyncKindPushDB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database import failed")

	// The live database is never replaced when the load fails
	for _, cmd := range f.runtime.execCmds {
		assert.NotContains(t, cmd, "RENAME TABLE")
	}
}

func TestSync_ConcurrentSyncRejected(t *testing.T) {
	f := newStagingFixture(t)
	env, err := f.engine.CreateEnvironment(context.Background(), f.customer.ID)
	require.NoError(t, err)

	// Simulate a sync already holding the environment
	f.store.mu.Lock()
	f.store.running[env.ID] = true
	f.store.mu.Unlock()

	_, err = f.engine.Sync(context.Background(), f.customer.ID, models.SyncKindPullDB)
	_, ok := services.IsSyncInProgressError(err)
	assert.True(t, ok)
}

func TestAllocateStagingPort_SkipsUsed(t *testing.T) {
	f := newStagingFixture(t)
	f.store.used = []int{18001, 18002}

	port, err := f.engine.allocateStagingPort(context.Background(), f.customer.Server)
	require.NoError(t, err)
	assert.Equal(t, 18003, port)
}

func TestAllocateStagingPort_Exhausted(t *testing.T) {
	f := newStagingFixture(t)
	for p := 18001; p <= 18010; p++ {
		f.store.used = append(f.store.used, p)
	}

	_, err := f.engine.allocateStagingPort(context.Background(), f.customer.Server)
	_, ok := services.IsNoCapacityError(err)
	assert.True(t, ok)
}
