package workers

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/backup"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/repository"
	"fleet-orchestrator/internal/services"
)

// BackupWorker takes a scheduled full backup of every active store. Each
// cycle is jittered so a fleet of hosts does not hit the snapshot
// repository at the same instant.
type BackupWorker struct {
	cfg          config.BackupConfig
	orchestrator *backup.Orchestrator
	customers    *repository.CustomerRepository
	stopCh       chan struct{}
	log          *logrus.Entry
}

// NewBackupWorker creates a new scheduled backup worker
func NewBackupWorker(
	cfg config.BackupConfig,
	orchestrator *backup.Orchestrator,
	customers *repository.CustomerRepository,
) *BackupWorker {
	return &BackupWorker{
		cfg:          cfg,
		orchestrator: orchestrator,
		customers:    customers,
		stopCh:       make(chan struct{}),
		log:          logrus.WithField("worker", "backup"),
	}
}

// Start runs the worker loop until the context is cancelled or Stop is called
func (w *BackupWorker) Start(ctx context.Context) {
	w.log.WithField("schedule", w.cfg.Schedule).Info("Starting scheduled backup worker")

	ticker := time.NewTicker(w.cfg.Schedule)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Backup worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.log.Info("Backup worker stopped")
			return
		case <-ticker.C:
			if w.cfg.ScheduleJitter > 0 {
				jitter := time.Duration(rand.Int63n(int64(w.cfg.ScheduleJitter)))
				select {
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				case <-time.After(jitter):
				}
			}
			w.run(ctx)
		}
	}
}

// Stop stops the worker
func (w *BackupWorker) Stop() {
	close(w.stopCh)
}

func (w *BackupWorker) run(ctx context.Context) {
	customers, err := w.customers.ListByStatus(ctx, models.CustomerStatusActive)
	if err != nil {
		w.log.WithError(err).Error("Failed to list customers for scheduled backup")
		return
	}

	for i := range customers {
		customer := &customers[i]
		if customer.ServerID == nil {
			continue
		}

		job, err := w.orchestrator.Backup(ctx, customer.ID)
		if err != nil {
			// A manual backup already running is not a fault of the schedule
			if _, ok := services.IsBackupInProgressError(err); ok {
				w.log.WithField("customer_id", customer.ID).
					Debug("Skipping scheduled backup, another backup is running")
				continue
			}
			w.log.WithError(err).WithField("customer_id", customer.ID).
				Error("Scheduled backup failed")
			continue
		}

		w.log.WithFields(logrus.Fields{
			"customer_id": customer.ID,
			"job_id":      job.ID,
			"status":      job.Status,
		}).Info("Scheduled backup finished")

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
	}
}
