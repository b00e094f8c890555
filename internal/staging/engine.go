package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/command"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/events"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/platform"
	"fleet-orchestrator/internal/provisioning"
	"fleet-orchestrator/internal/services"
	"fleet-orchestrator/internal/snapshot"
)

// StagingStore is the persistence surface for staging environments
type StagingStore interface {
	CreateEnvironment(ctx context.Context, env *models.StagingEnvironment) (*models.StagingEnvironment, error)
	GetEnvironmentByCustomer(ctx context.Context, customerID uuid.UUID) (*models.StagingEnvironment, error)
	SetEnvironmentStatus(ctx context.Context, id uuid.UUID, status string) error
	TouchSyncTime(ctx context.Context, id uuid.UUID, push bool) error
	UsedStagingPorts(ctx context.Context) ([]int, error)
	CreateSyncRecord(ctx context.Context, record *models.StagingSyncRecord) (*models.StagingSyncRecord, error)
	StartSync(ctx context.Context, recordID, envID uuid.UUID) (bool, error)
	FinishSync(ctx context.Context, recordID uuid.UUID, status, errorDetail string) error
}

// CustomerGetter loads customer records with their server
type CustomerGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Runtime is the container runtime surface the engine needs
type Runtime interface {
	Up(ctx context.Context, dir string) error
	Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error)
}

// Snapshots reads tenant captures from the content-addressed store
type Snapshots interface {
	List(ctx context.Context, tags []string) ([]snapshot.Snapshot, error)
	Dump(ctx context.Context, snapshotID, path string) ([]byte, error)
	RestoreTree(ctx context.Context, snapshotID, includePath, target string) error
}

// Engine creates staging environments and runs directional syncs between
// production and staging. One sync runs per environment at a time.
type Engine struct {
	cfg       config.StagingConfig
	fleet     config.FleetConfig
	staging   StagingStore
	customers CustomerGetter
	runtime   Runtime
	snapshots Snapshots
	runner    command.Runner
	sink      events.Sink
	metrics   *metrics.Metrics
	log       *logrus.Entry

	// serializes staging port selection
	portMu sync.Mutex
}

// NewEngine creates a staging engine
func NewEngine(
	cfg config.StagingConfig,
	fleet config.FleetConfig,
	staging StagingStore,
	customers CustomerGetter,
	rt Runtime,
	snapshots Snapshots,
	runner command.Runner,
	sink events.Sink,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:       cfg,
		fleet:     fleet,
		staging:   staging,
		customers: customers,
		runtime:   rt,
		snapshots: snapshots,
		runner:    runner,
		sink:      sink,
		metrics:   m,
		log:       logrus.WithField("component", "staging"),
	}
}

// CreateEnvironment builds a staging copy of the customer's store: it
// allocates a port from the staging range, copies the production file tree
// and database, and starts the staging stack.
func (e *Engine) CreateEnvironment(ctx context.Context, customerID uuid.UUID) (*models.StagingEnvironment, error) {
	customer, err := e.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.Status != models.CustomerStatusActive {
		return nil, services.NewValidationError("status", "staging requires an active customer")
	}
	if customer.Server == nil || customer.Port == nil {
		return nil, services.NewValidationError("customer", "customer has no allocation")
	}

	if existing, err := e.staging.GetEnvironmentByCustomer(ctx, customerID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, services.NewValidationError("staging", "staging environment already exists")
	}

	port, err := e.allocateStagingPort(ctx, customer.Server)
	if err != nil {
		return nil, err
	}

	env, err := e.staging.CreateEnvironment(ctx, &models.StagingEnvironment{
		CustomerID: customerID,
		Port:       port,
		Status:     models.StagingStatusCreating,
	})
	if err != nil {
		return nil, err
	}

	record, err := e.staging.CreateSyncRecord(ctx, &models.StagingSyncRecord{
		StagingEnvironmentID: env.ID,
		Kind:                 models.SyncKindCreate,
	})
	if err != nil {
		return nil, err
	}

	started, err := e.staging.StartSync(ctx, record.ID, env.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, &services.SyncInProgressError{StagingEnvironmentID: env.ID.String()}
	}

	if err := e.buildEnvironment(ctx, customer, env); err != nil {
		e.staging.FinishSync(ctx, record.ID, models.SyncStatusFailed, err.Error())
		e.staging.SetEnvironmentStatus(ctx, env.ID, models.StagingStatusFailed)
		e.metrics.SyncsTotal.WithLabelValues(models.SyncKindCreate, models.SyncStatusFailed).Inc()
		return nil, err
	}

	if err := e.staging.FinishSync(ctx, record.ID, models.SyncStatusCompleted, ""); err != nil {
		return nil, err
	}
	if err := e.staging.SetEnvironmentStatus(ctx, env.ID, models.StagingStatusActive); err != nil {
		return nil, err
	}
	e.metrics.SyncsTotal.WithLabelValues(models.SyncKindCreate, models.SyncStatusCompleted).Inc()
	e.notifySync(ctx, record.ID, customerID, models.SyncKindCreate)

	env.Status = models.StagingStatusActive
	e.log.WithFields(logrus.Fields{
		"customer_id": customerID,
		"port":        port,
	}).Info("Staging environment created")

	return env, nil
}

// Sync runs one directional sync. Concurrent requests for the same
// environment fail with SyncInProgress.
func (e *Engine) Sync(ctx context.Context, customerID uuid.UUID, kind string) (*models.StagingSyncRecord, error) {
	switch kind {
	case models.SyncKindPushFiles, models.SyncKindPushDB, models.SyncKindPushAll,
		models.SyncKindPullFiles, models.SyncKindPullDB, models.SyncKindPullAll:
	default:
		return nil, services.NewValidationError("kind", fmt.Sprintf("unknown sync kind %q", kind))
	}

	customer, err := e.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	env, err := e.staging.GetEnvironmentByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, services.NewValidationError("staging", "customer has no staging environment")
	}
	if env.Status != models.StagingStatusActive && env.Status != models.StagingStatusSyncing {
		return nil, services.NewValidationError("staging", "staging environment is "+env.Status)
	}

	record, err := e.staging.CreateSyncRecord(ctx, &models.StagingSyncRecord{
		StagingEnvironmentID: env.ID,
		Kind:                 kind,
	})
	if err != nil {
		return nil, err
	}

	started, err := e.staging.StartSync(ctx, record.ID, env.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, &services.SyncInProgressError{StagingEnvironmentID: env.ID.String()}
	}

	e.staging.SetEnvironmentStatus(ctx, env.ID, models.StagingStatusSyncing)

	syncCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	syncErr := e.runSync(syncCtx, customer, env, kind)

	e.staging.SetEnvironmentStatus(ctx, env.ID, models.StagingStatusActive)

	if syncErr != nil {
		e.staging.FinishSync(ctx, record.ID, models.SyncStatusFailed, syncErr.Error())
		e.metrics.SyncsTotal.WithLabelValues(kind, models.SyncStatusFailed).Inc()
		record.Status = models.SyncStatusFailed
		record.ErrorDetail = syncErr.Error()
		return record, syncErr
	}

	if err := e.staging.FinishSync(ctx, record.ID, models.SyncStatusCompleted, ""); err != nil {
		return nil, err
	}
	e.staging.TouchSyncTime(ctx, env.ID, isPush(kind))
	e.metrics.SyncsTotal.WithLabelValues(kind, models.SyncStatusCompleted).Inc()
	e.notifySync(ctx, record.ID, customerID, kind)

	record.Status = models.SyncStatusCompleted
	return record, nil
}

func (e *Engine) notifySync(ctx context.Context, recordID, customerID uuid.UUID, kind string) {
	event := &events.SyncEvent{
		RecordID:   recordID.String(),
		CustomerID: customerID.String(),
		Kind:       kind,
		Status:     models.SyncStatusCompleted,
	}
	if err := e.sink.PublishSyncEvent(ctx, event); err != nil {
		e.log.WithError(err).Warn("Failed to publish sync event")
	}
}

func isPush(kind string) bool {
	switch kind {
	case models.SyncKindPushFiles, models.SyncKindPushDB, models.SyncKindPushAll:
		return true
	}
	return false
}

func (e *Engine) runSync(ctx context.Context, customer *models.Customer, env *models.StagingEnvironment, kind string) error {
	plat, err := platform.ForCustomer(customer)
	if err != nil {
		return err
	}

	prodDir := provisioning.TenantDir(e.fleet.TenantRoot, customer.Slug)
	stagingDir := provisioning.StagingDir(e.fleet.TenantRoot, customer.Slug)

	srcDir, dstDir := prodDir, stagingDir
	if !isPush(kind) {
		srcDir, dstDir = stagingDir, prodDir
	}

	switch kind {
	case models.SyncKindPushFiles, models.SyncKindPullFiles:
		return e.syncFiles(ctx, srcDir, dstDir)
	case models.SyncKindPushDB, models.SyncKindPullDB:
		return e.syncDB(ctx, plat, srcDir, dstDir)
	case models.SyncKindPushAll, models.SyncKindPullAll:
		// Database first: a file failure after a complete db sync degrades
		// only the files target, which is the allowed partial outcome
		if err := e.syncDB(ctx, plat, srcDir, dstDir); err != nil {
			return err
		}
		return e.syncFiles(ctx, srcDir, dstDir)
	}

	return services.NewValidationError("kind", fmt.Sprintf("unknown sync kind %q", kind))
}

// syncFiles mirrors the html tree from src to dst. rsync may leave a
// partial overwrite on failure; the sync is still reported failed.
func (e *Engine) syncFiles(ctx context.Context, srcDir, dstDir string) error {
	src := filepath.Join(srcDir, "html") + string(filepath.Separator)
	dst := filepath.Join(dstDir, "html") + string(filepath.Separator)

	if _, err := e.runner.Run(ctx, "rsync", "-a", "--delete", src, dst); err != nil {
		return fmt.Errorf("file sync failed: %w", err)
	}
	return nil
}

// syncDB copies the database from the src stack to the dst stack. The dump
// is captured completely before any write to the destination, and the
// destination is replaced only after the dump loaded completely.
func (e *Engine) syncDB(ctx context.Context, plat platform.Platform, srcDir, dstDir string) error {
	srcCreds, err := provisioning.LoadCredentials(srcDir)
	if err != nil {
		return err
	}

	dump, err := e.runtime.Exec(ctx, srcDir, plat.DBService(), "sh", "-c",
		fmt.Sprintf("exec mysqldump -uroot -p%s %s", srcCreds.DBRootPassword, srcCreds.DBName))
	if err != nil {
		return fmt.Errorf("database dump failed: %w", err)
	}

	return e.importDB(ctx, plat, dstDir, dump)
}

// importDB loads a dump into the destination stack's scratch database and
// swaps it in. A failed load leaves the live database untouched.
func (e *Engine) importDB(ctx context.Context, plat platform.Platform, dstDir string, dump []byte) error {
	dstCreds, err := provisioning.LoadCredentials(dstDir)
	if err != nil {
		return err
	}

	// Stage the dump inside the destination's db volume so the container
	// can read it
	dumpName := fmt.Sprintf("sync-%d.sql", time.Now().UnixNano())
	dumpPath := filepath.Join(dstDir, "db", dumpName)
	if err := os.WriteFile(dumpPath, dump, 0o600); err != nil {
		return fmt.Errorf("failed to stage dump: %w", err)
	}
	defer os.Remove(dumpPath)

	loadCmd := provisioning.DatabaseLoadCmd(dstCreds.DBRootPassword, dstCreds.DBName, dumpName)
	if _, err := e.runtime.Exec(ctx, dstDir, plat.DBService(), "sh", "-c", loadCmd); err != nil {
		return fmt.Errorf("database import failed: %w", err)
	}

	swapCmd := provisioning.DatabaseSwapCmd(dstCreds.DBRootPassword, dstCreds.DBName)
	if _, err := e.runtime.Exec(ctx, dstDir, plat.DBService(), "sh", "-c", swapCmd); err != nil {
		return fmt.Errorf("database swap failed: %w", err)
	}

	return nil
}

// buildEnvironment materializes a new staging stack. The copy is seeded
// from the customer's latest snapshot; only a customer with no snapshots
// yet gets a copy of the live production stack.
func (e *Engine) buildEnvironment(ctx context.Context, customer *models.Customer, env *models.StagingEnvironment) error {
	plat, err := platform.ForCustomer(customer)
	if err != nil {
		return err
	}

	prodDir := provisioning.TenantDir(e.fleet.TenantRoot, customer.Slug)
	stagingDir := provisioning.StagingDir(e.fleet.TenantRoot, customer.Slug)

	if err := provisioning.CreateTenantDir(stagingDir); err != nil {
		return err
	}

	creds, err := provisioning.GenerateCredentials(plat.DBName())
	if err != nil {
		return err
	}

	stagingCustomer := *customer
	stagingCustomer.Port = &env.Port
	stagingCustomer.Slug = customer.Slug + "-staging"
	if err := provisioning.RenderCompose(stagingDir, plat, &stagingCustomer, creds); err != nil {
		return err
	}
	if err := provisioning.PersistCredentials(stagingDir, creds); err != nil {
		return err
	}

	snap := e.latestSnapshot(ctx, customer)

	if snap != nil {
		err = e.seedFilesFromSnapshot(ctx, customer, snap.ID, prodDir, stagingDir)
	} else {
		err = e.syncFiles(ctx, prodDir, stagingDir)
	}
	if err != nil {
		return err
	}

	if err := e.runtime.Up(ctx, stagingDir); err != nil {
		return err
	}

	// Seed the staging database once the stack is up. A snapshot without a
	// dump falls back to the live database.
	if snap != nil {
		if dump, err := e.snapshots.Dump(ctx, snap.ID, filepath.Join(prodDir, "dump.sql")); err == nil && len(dump) > 0 {
			return e.importDB(ctx, plat, stagingDir, dump)
		}
		e.log.WithFields(logrus.Fields{
			"customer_id": customer.ID,
			"snapshot_id": snap.ID,
		}).Warn("Snapshot has no database dump, seeding staging from live database")
	}
	return e.syncDB(ctx, plat, prodDir, stagingDir)
}

// latestSnapshot returns the customer's newest snapshot, or nil when none
// exists or the store is unreachable
func (e *Engine) latestSnapshot(ctx context.Context, customer *models.Customer) *snapshot.Snapshot {
	snaps, err := e.snapshots.List(ctx, []string{snapshot.CustomerTag(customer.ID)})
	if err != nil {
		e.log.WithError(err).WithField("customer_id", customer.ID).
			Warn("Could not list snapshots, seeding staging from live stack")
		return nil
	}
	if len(snaps) == 0 {
		return nil
	}
	return &snaps[0]
}

// seedFilesFromSnapshot mirrors the snapshot's html subtree into the
// staging directory
func (e *Engine) seedFilesFromSnapshot(ctx context.Context, customer *models.Customer, snapshotID, prodDir, stagingDir string) error {
	scratch, err := os.MkdirTemp("", "staging-"+customer.Slug+"-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	htmlSubtree := filepath.Join(prodDir, "html")
	if err := e.snapshots.RestoreTree(ctx, snapshotID, htmlSubtree, scratch); err != nil {
		return err
	}

	// Restored trees keep their absolute layout under the scratch target
	extracted := filepath.Join(scratch, htmlSubtree)
	if _, err := os.Stat(extracted); err != nil {
		return fmt.Errorf("snapshot %s has no file subtree for %s: %w", snapshotID, customer.Slug, err)
	}

	return e.syncFiles(ctx, filepath.Join(scratch, prodDir), stagingDir)
}

// allocateStagingPort picks the lowest free port in the server's staging
// range (production range shifted by the configured offset)
func (e *Engine) allocateStagingPort(ctx context.Context, server *models.Server) (int, error) {
	e.portMu.Lock()
	defer e.portMu.Unlock()

	used, err := e.staging.UsedStagingPorts(ctx)
	if err != nil {
		return 0, err
	}

	min := server.PortRangeMin + e.fleet.StagingPortOffset
	max := server.PortRangeMax + e.fleet.StagingPortOffset

	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for port := min; port <= max; port++ {
		if _, ok := taken[port]; !ok {
			return port, nil
		}
	}

	return 0, services.NewNoCapacityError("", "no free port in staging range")
}
