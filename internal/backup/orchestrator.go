package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

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

// BackupStore is the persistence surface for backup jobs
type BackupStore interface {
	Create(ctx context.Context, job *models.BackupJob) (*models.BackupJob, error)
	Start(ctx context.Context, jobID, customerID uuid.UUID) (bool, error)
	Finish(ctx context.Context, jobID uuid.UUID, status, snapshotID, errorDetail string, warnings []string) error
}

// CustomerGetter loads customer records
type CustomerGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Runtime is the container runtime surface the orchestrator needs
type Runtime interface {
	Stop(ctx context.Context, dir string) error
	Restart(ctx context.Context, dir string) error
	Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error)
}

// dumpPathConventions is the ordered list of locations a database dump has
// lived at inside snapshots over the product's history. Old snapshots must
// remain restorable, so candidates are probed in order and the first that
// yields data wins.
var dumpPathConventions = []func(tenantRoot, slug string) string{
	func(root, slug string) string { return filepath.Join(root, slug, "dump.sql") },
	func(root, slug string) string { return filepath.Join(root, slug, "db-dump.sql") },
	func(root, slug string) string { return filepath.Join(root, slug, "backup", "database.sql") },
	func(root, slug string) string { return filepath.Join("/backups", slug, "dump.sql") },
}

// Orchestrator captures and restores tenant snapshots through the
// content-addressed store
type Orchestrator struct {
	cfg       config.BackupConfig
	fleet     config.FleetConfig
	backups   BackupStore
	customers CustomerGetter
	store     snapshot.Store
	runtime   Runtime
	runner    command.Runner
	sink      events.Sink
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewOrchestrator creates a backup orchestrator
func NewOrchestrator(
	cfg config.BackupConfig,
	fleet config.FleetConfig,
	backups BackupStore,
	customers CustomerGetter,
	store snapshot.Store,
	rt Runtime,
	runner command.Runner,
	sink events.Sink,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		fleet:     fleet,
		backups:   backups,
		customers: customers,
		store:     store,
		runtime:   rt,
		runner:    runner,
		sink:      sink,
		metrics:   m,
		log:       logrus.WithField("component", "backup"),
	}
}

// Backup captures the tenant's database dump and file tree as one snapshot
func (o *Orchestrator) Backup(ctx context.Context, customerID uuid.UUID) (*models.BackupJob, error) {
	customer, err := o.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	job, err := o.backups.Create(ctx, &models.BackupJob{
		CustomerID: customerID,
		Kind:       models.BackupKindBackup,
		Scope:      models.BackupScopeAll,
	})
	if err != nil {
		return nil, err
	}

	started, err := o.backups.Start(ctx, job.ID, customerID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, &services.BackupInProgressError{CustomerID: customerID.String()}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	snapshotID, err := o.runBackup(ctx, customer)
	if err != nil {
		o.backups.Finish(ctx, job.ID, models.BackupStatusFailed, "", err.Error(), nil)
		o.metrics.BackupsTotal.WithLabelValues(models.BackupKindBackup, models.BackupStatusFailed).Inc()
		return nil, err
	}

	if err := o.backups.Finish(ctx, job.ID, models.BackupStatusCompleted, snapshotID, "", nil); err != nil {
		return nil, err
	}
	o.metrics.BackupsTotal.WithLabelValues(models.BackupKindBackup, models.BackupStatusCompleted).Inc()

	o.notify(ctx, job.ID, customer, models.BackupKindBackup, models.BackupStatusCompleted, snapshotID)

	job.Status = models.BackupStatusCompleted
	job.SnapshotID = snapshotID
	return job, nil
}

func (o *Orchestrator) runBackup(ctx context.Context, customer *models.Customer) (string, error) {
	plat, err := platform.ForCustomer(customer)
	if err != nil {
		return "", err
	}

	dir := provisioning.TenantDir(o.fleet.TenantRoot, customer.Slug)

	creds, err := provisioning.LoadCredentials(dir)
	if err != nil {
		return "", err
	}

	// The dump is written into the tenant directory so the file snapshot
	// carries it
	dump, err := o.runtime.Exec(ctx, dir, plat.DBService(), "sh", "-c",
		fmt.Sprintf("exec mysqldump -uroot -p%s %s", creds.DBRootPassword, creds.DBName))
	if err != nil {
		return "", fmt.Errorf("database dump failed: %w", err)
	}
	dumpPath := filepath.Join(dir, "dump.sql")
	if err := os.WriteFile(dumpPath, dump, 0o600); err != nil {
		return "", fmt.Errorf("failed to write dump: %w", err)
	}

	tags := []string{snapshot.CustomerTag(customer.ID), "slug:" + customer.Slug, "platform:" + customer.Platform}
	snapshotID, err := o.store.Backup(ctx, []string{dir}, tags)
	if err != nil {
		return "", err
	}

	o.log.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"snapshot_id": snapshotID,
	}).Info("Backup completed")

	return snapshotID, nil
}

// Restore restores a tenant from a snapshot. Scope selects database, files
// or both. The snapshot must exist and be tagged for this customer before
// any destructive action is taken.
func (o *Orchestrator) Restore(ctx context.Context, customerID uuid.UUID, snapshotID, scope string) (*models.BackupJob, error) {
	switch scope {
	case models.BackupScopeDB, models.BackupScopeFiles, models.BackupScopeAll:
	default:
		return nil, services.NewValidationError("scope", fmt.Sprintf("unknown restore scope %q", scope))
	}

	customer, err := o.customers.GetByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	// Verify the snapshot before creating any job state or touching the
	// tenant
	snap, err := o.findSnapshot(ctx, customerID, snapshotID)
	if err != nil {
		return nil, err
	}

	plat, err := o.resolvePlatform(customer)
	if err != nil {
		return nil, err
	}

	job, err := o.backups.Create(ctx, &models.BackupJob{
		CustomerID: customerID,
		Kind:       models.BackupKindRestore,
		Scope:      scope,
		SnapshotID: snap.ID,
	})
	if err != nil {
		return nil, err
	}

	started, err := o.backups.Start(ctx, job.ID, customerID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, &services.BackupInProgressError{CustomerID: customerID.String()}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	warnings, err := o.runRestore(ctx, customer, plat, snap.ID, scope)
	if err != nil {
		o.backups.Finish(ctx, job.ID, models.BackupStatusFailed, snap.ID, err.Error(), warnings)
		o.metrics.BackupsTotal.WithLabelValues(models.BackupKindRestore, models.BackupStatusFailed).Inc()
		return nil, err
	}

	if err := o.backups.Finish(ctx, job.ID, models.BackupStatusCompleted, snap.ID, "", warnings); err != nil {
		return nil, err
	}
	o.metrics.BackupsTotal.WithLabelValues(models.BackupKindRestore, models.BackupStatusCompleted).Inc()

	o.notify(ctx, job.ID, customer, models.BackupKindRestore, models.BackupStatusCompleted, snap.ID)

	job.Status = models.BackupStatusCompleted
	return job, nil
}

// ListSnapshots returns the customer's snapshots, newest first
func (o *Orchestrator) ListSnapshots(ctx context.Context, customerID uuid.UUID) ([]snapshot.Snapshot, error) {
	return o.store.List(ctx, []string{snapshot.CustomerTag(customerID)})
}

func (o *Orchestrator) findSnapshot(ctx context.Context, customerID uuid.UUID, snapshotID string) (*snapshot.Snapshot, error) {
	snapshots, err := o.store.List(ctx, []string{snapshot.CustomerTag(customerID)})
	if err != nil {
		return nil, err
	}

	for i := range snapshots {
		if snapshots[i].ID == snapshotID || strings.HasPrefix(snapshots[i].ID, snapshotID) {
			return &snapshots[i], nil
		}
	}

	return nil, &services.SnapshotNotFoundError{
		SnapshotID: snapshotID,
		CustomerID: customerID.String(),
	}
}

// resolvePlatform prefers the persisted platform marker and falls back to
// inferring from the stack definition. An unrecognized platform is a hard
// failure: the restore cannot pick database container or credentials.
func (o *Orchestrator) resolvePlatform(customer *models.Customer) (platform.Platform, error) {
	if customer.Platform != "" {
		if plat, err := platform.ByName(customer.Platform); err == nil {
			return plat, nil
		}
	}

	composePath := filepath.Join(provisioning.TenantDir(o.fleet.TenantRoot, customer.Slug), "docker-compose.yml")
	data, err := os.ReadFile(composePath)
	if err != nil {
		return nil, fmt.Errorf("cannot determine platform for %s: %w", customer.Slug, err)
	}

	content := string(data)
	switch {
	case strings.Contains(content, "wordpress"):
		return platform.WooCommerce{}, nil
	case strings.Contains(content, "prestashop"):
		return platform.PrestaShop{}, nil
	}

	return nil, fmt.Errorf("cannot determine platform for %s from stack definition", customer.Slug)
}

func (o *Orchestrator) runRestore(ctx context.Context, customer *models.Customer, plat platform.Platform, snapshotID, scope string) ([]string, error) {
	var warnings []string
	dir := provisioning.TenantDir(o.fleet.TenantRoot, customer.Slug)

	if scope == models.BackupScopeDB || scope == models.BackupScopeAll {
		warning, err := o.restoreDatabase(ctx, customer, plat, snapshotID, dir)
		if err != nil {
			return warnings, err
		}
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	if scope == models.BackupScopeFiles || scope == models.BackupScopeAll {
		if err := o.restoreFiles(ctx, customer, plat, snapshotID, dir); err != nil {
			return warnings, err
		}
	}

	return warnings, nil
}

// restoreDatabase extracts the dump from the snapshot and imports it. A
// missing dump is a soft warning: the rest of the restore continues.
func (o *Orchestrator) restoreDatabase(ctx context.Context, customer *models.Customer, plat platform.Platform, snapshotID, dir string) (string, error) {
	var dump []byte
	for _, convention := range dumpPathConventions {
		path := convention(o.fleet.TenantRoot, customer.Slug)
		data, err := o.store.Dump(ctx, snapshotID, path)
		if err == nil && len(data) > 0 {
			dump = data
			break
		}
	}

	if dump == nil {
		warning := fmt.Sprintf("no database dump found in snapshot %s under any known layout", snapshotID)
		o.log.WithFields(logrus.Fields{
			"customer_id": customer.ID,
			"snapshot_id": snapshotID,
		}).Warn(warning)
		return warning, nil
	}

	creds, err := provisioning.LoadCredentials(dir)
	if err != nil {
		return "", err
	}

	dumpName := fmt.Sprintf("restore-%s.sql", snapshotID)
	dumpPath := filepath.Join(dir, "db", dumpName)
	if err := os.WriteFile(dumpPath, dump, 0o600); err != nil {
		return "", fmt.Errorf("failed to stage dump: %w", err)
	}
	defer os.Remove(dumpPath)

	// Load into a scratch database first; the live one is replaced only
	// after the dump imported completely
	loadCmd := provisioning.DatabaseLoadCmd(creds.DBRootPassword, creds.DBName, dumpName)
	if _, err := o.runtime.Exec(ctx, dir, plat.DBService(), "sh", "-c", loadCmd); err != nil {
		return "", fmt.Errorf("database import failed: %w", err)
	}

	swapCmd := provisioning.DatabaseSwapCmd(creds.DBRootPassword, creds.DBName)
	if _, err := o.runtime.Exec(ctx, dir, plat.DBService(), "sh", "-c", swapCmd); err != nil {
		return "", fmt.Errorf("database swap failed: %w", err)
	}

	return "", nil
}

// restoreFiles stops the stack, mirrors the snapshot's file subtree over
// the live tenant directory, fixes ownership and restarts. Scratch state is
// removed on success and failure. When the restart fails the directory
// stays restored; the tenant is reported unhealthy by monitoring rather
// than rolled back.
func (o *Orchestrator) restoreFiles(ctx context.Context, customer *models.Customer, plat platform.Platform, snapshotID, dir string) error {
	scratch, err := os.MkdirTemp(o.cfg.ScratchDir, "restore-"+customer.Slug+"-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	htmlSubtree := filepath.Join(dir, "html")
	if err := o.store.RestoreTree(ctx, snapshotID, htmlSubtree, scratch); err != nil {
		return err
	}

	// Restored trees keep their absolute layout under the scratch target
	extracted := filepath.Join(scratch, htmlSubtree)
	if _, err := os.Stat(extracted); err != nil {
		return fmt.Errorf("snapshot %s has no file subtree for %s: %w", snapshotID, customer.Slug, err)
	}

	if err := o.runtime.Stop(ctx, dir); err != nil {
		return fmt.Errorf("failed to stop tenant stack: %w", err)
	}

	// Mirror semantics: files absent from the snapshot are removed
	if _, err := o.runner.Run(ctx, "rsync", "-a", "--delete",
		extracted+string(filepath.Separator), htmlSubtree+string(filepath.Separator)); err != nil {
		return fmt.Errorf("failed to sync restored files: %w", err)
	}

	if _, err := o.runner.Run(ctx, "chown", "-R", plat.FileOwner(), htmlSubtree); err != nil {
		return fmt.Errorf("failed to restore ownership: %w", err)
	}

	if err := o.runtime.Restart(ctx, dir); err != nil {
		return fmt.Errorf("failed to restart tenant stack: %w", err)
	}

	return nil
}

func (o *Orchestrator) notify(ctx context.Context, jobID uuid.UUID, customer *models.Customer, kind, status, snapshotID string) {
	event := &events.BackupEvent{
		JobID:      jobID.String(),
		CustomerID: customer.ID.String(),
		Kind:       kind,
		Status:     status,
		SnapshotID: snapshotID,
	}
	if err := o.sink.PublishBackupEvent(ctx, event); err != nil {
		o.log.WithError(err).Warn("Failed to publish backup event")
	}
}
