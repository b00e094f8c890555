package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

type fakeBackupStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.BackupJob
	running map[uuid.UUID]bool // customer id -> job in flight
	created int
}

func newFakeBackupStore() *fakeBackupStore {
	return &fakeBackupStore{
		jobs:    make(map[uuid.UUID]*models.BackupJob),
		running: make(map[uuid.UUID]bool),
	}
}

func (s *fakeBackupStore) Create(ctx context.Context, job *models.BackupJob) (*models.BackupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = uuid.New()
	job.Status = models.BackupStatusPending
	s.jobs[job.ID] = job
	s.created++
	copied := *job
	return &copied, nil
}

func (s *fakeBackupStore) Start(ctx context.Context, jobID, customerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[customerID] {
		return false, nil
	}
	s.running[customerID] = true
	s.jobs[jobID].Status = models.BackupStatusRunning
	return true, nil
}

func (s *fakeBackupStore) Finish(ctx context.Context, jobID uuid.UUID, status, snapshotID, errorDetail string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Status = status
	job.SnapshotID = snapshotID
	job.ErrorDetail = errorDetail
	delete(s.running, job.CustomerID)
	return nil
}

func (s *fakeBackupStore) finished(t *testing.T) *models.BackupJob {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.jobs, 1)
	for _, job := range s.jobs {
		return job
	}
	return nil
}

type fakeCustomerGetter struct {
	customer *models.Customer
}

func (g *fakeCustomerGetter) GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	copied := *g.customer
	return &copied, nil
}

type fakeSnapshots struct {
	mu          sync.Mutex
	snapshots   []snapshot.Snapshot
	dumps       map[string][]byte
	backupID    string
	backupPaths []string
	backupTags  []string
	backupErr   error
	restored    []string
}

func (s *fakeSnapshots) Backup(ctx context.Context, paths []string, tags []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupErr != nil {
		return "", s.backupErr
	}
	s.backupPaths = paths
	s.backupTags = tags
	return s.backupID, nil
}

func (s *fakeSnapshots) List(ctx context.Context, tags []string) ([]snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot.Snapshot(nil), s.snapshots...), nil
}

func (s *fakeSnapshots) Dump(ctx context.Context, snapshotID, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.dumps[path]
	if !ok {
		return nil, errors.New("path not found in snapshot")
	}
	return data, nil
}

func (s *fakeSnapshots) RestoreTree(ctx context.Context, snapshotID, includePath, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = append(s.restored, includePath)
	// restic materializes the absolute source layout under the target
	extracted := filepath.Join(target, includePath)
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(extracted, "index.php"), []byte("<?php\n"), 0o644)
}

type fakeBackupRuntime struct {
	mu        sync.Mutex
	stopped   []string
	restarted []string
	execDirs  []string
	execCmds  []string
	execOut   []byte
	execErr   error
}

func (r *fakeBackupRuntime) Stop(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, dir)
	return nil
}

func (r *fakeBackupRuntime) Restart(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarted = append(r.restarted, dir)
	return nil
}

func (r *fakeBackupRuntime) Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execDirs = append(r.execDirs, dir)
	r.execCmds = append(r.execCmds, argv[len(argv)-1])
	return r.execOut, r.execErr
}

type backupRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *backupRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, nil
}

type backupFixture struct {
	orch      *Orchestrator
	backups   *fakeBackupStore
	snapshots *fakeSnapshots
	runtime   *fakeBackupRuntime
	runner    *backupRunner
	customer  *models.Customer
	tenantDir string
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()

	fleet := config.FleetConfig{
		TenantRoot: t.TempDir(),
		BaseDomain: "test.local",
	}
	cfg := config.BackupConfig{
		Repository:     "/var/backups/fleet",
		ScratchDir:     t.TempDir(),
		CommandTimeout: time.Minute,
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
	}

	tenantDir := provisioning.TenantDir(fleet.TenantRoot, customer.Slug)
	require.NoError(t, provisioning.CreateTenantDir(tenantDir))
	creds, err := provisioning.GenerateCredentials("wordpress")
	require.NoError(t, err)
	require.NoError(t, provisioning.PersistCredentials(tenantDir, creds))

	backups := newFakeBackupStore()
	snapshots := &fakeSnapshots{backupID: "snap0001", dumps: make(map[string][]byte)}
	rt := &fakeBackupRuntime{execOut: []byte("-- mysqldump\n")}
	runner := &backupRunner{}

	orch := NewOrchestrator(cfg, fleet, backups, &fakeCustomerGetter{customer: customer},
		snapshots, rt, runner, events.NopSink{}, metrics.New(prometheus.NewRegistry()))

	return &backupFixture{
		orch:      orch,
		backups:   backups,
		snapshots: snapshots,
		runtime:   rt,
		runner:    runner,
		customer:  customer,
		tenantDir: tenantDir,
	}
}

func TestBackup(t *testing.T) {
	f := newBackupFixture(t)

	job, err := f.orch.Backup(context.Background(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, job.Status)
	assert.Equal(t, "snap0001", job.SnapshotID)

	// The database dump lands inside the tenant directory before the
	// file snapshot is taken
	_, err = os.Stat(filepath.Join(f.tenantDir, "dump.sql"))
	assert.NoError(t, err)

	assert.Equal(t, []string{f.tenantDir}, f.snapshots.backupPaths)
	assert.Contains(t, f.snapshots.backupTags, "customer:"+f.customer.ID.String())
	assert.Contains(t, f.snapshots.backupTags, "slug:shop")
}

func TestBackup_AlreadyRunning(t *testing.T) {
	f := newBackupFixture(t)
	f.backups.running[f.customer.ID] = true

	_, err := f.orch.Backup(context.Background(), f.customer.ID)
	_, ok := services.IsBackupInProgressError(err)
	assert.True(t, ok)
}

func TestBackup_DumpFailure(t *testing.T) {
	f := newBackupFixture(t)
	f.runtime.execErr = errors.New("mysqldump: Access denied")

	_, err := f.orch.Backup(context.Background(), f.customer.ID)
	require.Error(t, err)

	job := f.backups.finished(t)
	assert.Equal(t, models.BackupStatusFailed, job.Status)
	assert.Contains(t, job.ErrorDetail, "database dump failed")
}

func TestRestore_UnknownScope(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", "everything")
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestRestore_SnapshotNotFound(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.orch.Restore(context.Background(), f.customer.ID, "nope", models.BackupScopeAll)
	notFound, ok := services.IsSnapshotNotFoundError(err)
	require.True(t, ok)
	assert.Equal(t, "nope", notFound.SnapshotID)

	// Verification happens before any job or destructive action
	assert.Equal(t, 0, f.backups.created)
	assert.Empty(t, f.runtime.stopped)
}

func TestRestore_DBScope(t *testing.T) {
	f := newBackupFixture(t)
	f.snapshots.snapshots = []snapshot.Snapshot{{ID: "snap0001", Time: time.Now()}}
	f.snapshots.dumps[filepath.Join(f.tenantDir, "dump.sql")] = []byte("-- dump\n")

	job, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", models.BackupScopeDB)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, job.Status)

	// Database load and swap ran against the tenant stack; files were
	// untouched
	assert.Equal(t, []string{f.tenantDir, f.tenantDir}, f.runtime.execDirs)
	assert.Empty(t, f.runtime.stopped)
	assert.Empty(t, f.runtime.restarted)
	assert.Empty(t, f.snapshots.restored)

	// The dump loads into the scratch database before the live one is
	// replaced
	require.Len(t, f.runtime.execCmds, 2)
	assert.Contains(t, f.runtime.execCmds[0], "_incoming")
	assert.NotContains(t, f.runtime.execCmds[0], "RENAME TABLE")
	assert.Contains(t, f.runtime.execCmds[1], "RENAME TABLE")
}

func TestRestore_LegacyDumpLayout(t *testing.T) {
	f := newBackupFixture(t)
	f.snapshots.snapshots = []snapshot.Snapshot{{ID: "snap0001", Time: time.Now()}}
	f.snapshots.dumps["/backups/shop/dump.sql"] = []byte("-- old layout dump\n")

	_, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", models.BackupScopeDB)
	require.NoError(t, err)
	assert.Equal(t, []string{f.tenantDir, f.tenantDir}, f.runtime.execDirs)
}

func TestRestore_MissingDumpIsWarning(t *testing.T) {
	f := newBackupFixture(t)
	f.snapshots.snapshots = []snapshot.Snapshot{{ID: "snap0001", Time: time.Now()}}

	job, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", models.BackupScopeDB)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, job.Status)

	// No dump in the snapshot means no import, not a failed restore
	assert.Empty(t, f.runtime.execDirs)
}

func TestRestore_FilesScope(t *testing.T) {
	f := newBackupFixture(t)
	f.snapshots.snapshots = []snapshot.Snapshot{{ID: "snap0001", Time: time.Now()}}

	job, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", models.BackupScopeFiles)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, job.Status)

	htmlDir := filepath.Join(f.tenantDir, "html")
	assert.Equal(t, []string{htmlDir}, f.snapshots.restored)
	assert.Equal(t, []string{f.tenantDir}, f.runtime.stopped)
	assert.Equal(t, []string{f.tenantDir}, f.runtime.restarted)

	// rsync mirror then ownership fix
	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, "rsync", f.runner.calls[0][0])
	assert.Contains(t, f.runner.calls[0], "--delete")
	assert.Equal(t, "chown", f.runner.calls[1][0])
	assert.Contains(t, f.runner.calls[1], "33:33")
}

func TestRestore_SnapshotIDPrefix(t *testing.T) {
	f := newBackupFixture(t)
	f.snapshots.snapshots = []snapshot.Snapshot{{ID: "snap0001abcdef", Time: time.Now()}}
	f.snapshots.dumps[filepath.Join(f.tenantDir, "dump.sql")] = []byte("-- dump\n")

	job, err := f.orch.Restore(context.Background(), f.customer.ID, "snap0001", models.BackupScopeDB)
	require.NoError(t, err)
	assert.Equal(t, "snap0001abcdef", job.SnapshotID)
}
