package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/monitoring"
	redisclient "fleet-orchestrator/internal/redis"
	"fleet-orchestrator/internal/repository"
)

// HealthCache stores the last-known health view for fast dashboard reads
type HealthCache interface {
	CacheHealthSnapshot(ctx context.Context, snapshot *redisclient.HealthSnapshot, ttl time.Duration) error
}

// MonitorWorker runs the monitoring engine against every running store on
// a fixed interval and prunes probe samples past the retention window
type MonitorWorker struct {
	cfg       config.MonitoringConfig
	engine    *monitoring.Engine
	customers *repository.CustomerRepository
	statuses  *repository.MonitoringRepository
	cache     HealthCache
	stopCh    chan struct{}
	log       *logrus.Entry
}

// NewMonitorWorker creates a new monitoring worker. cache may be nil when
// Redis is unavailable.
func NewMonitorWorker(
	cfg config.MonitoringConfig,
	engine *monitoring.Engine,
	customers *repository.CustomerRepository,
	statuses *repository.MonitoringRepository,
	cache HealthCache,
) *MonitorWorker {
	return &MonitorWorker{
		cfg:       cfg,
		engine:    engine,
		customers: customers,
		statuses:  statuses,
		cache:     cache,
		stopCh:    make(chan struct{}),
		log:       logrus.WithField("worker", "monitor"),
	}
}

// Start runs the worker loop until the context is cancelled or Stop is called
func (w *MonitorWorker) Start(ctx context.Context) {
	w.log.WithField("interval", w.cfg.CheckInterval).Info("Starting monitoring worker")

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.run(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Monitoring worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.log.Info("Monitoring worker stopped")
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

// Stop stops the worker
func (w *MonitorWorker) Stop() {
	close(w.stopCh)
}

func (w *MonitorWorker) run(ctx context.Context) {
	// Suspended stores are still probed so recovery after a resume is
	// observed without waiting for a state change elsewhere
	customers, err := w.customers.ListByStatus(ctx, models.CustomerStatusActive, models.CustomerStatusSuspended)
	if err != nil {
		w.log.WithError(err).Error("Failed to list monitored customers")
		return
	}

	for i := range customers {
		customer := &customers[i]
		if customer.ServerID == nil || customer.Port == nil {
			continue
		}

		status, err := w.engine.RunCheck(ctx, customer)
		if err != nil {
			w.log.WithError(err).WithField("customer_id", customer.ID).
				Warn("Monitoring check failed")
		} else if w.cache != nil {
			snapshot := &redisclient.HealthSnapshot{
				CustomerID:    customer.ID.String(),
				HTTPStatus:    status.HTTPStatus,
				CPUPercent:    status.CPUPercent,
				MemoryPercent: status.MemoryPercent,
				Uptime24h:     status.Uptime24h,
				CheckedAt:     time.Now().UTC(),
			}
			if err := w.cache.CacheHealthSnapshot(ctx, snapshot, 2*w.cfg.CheckInterval); err != nil {
				w.log.WithError(err).Debug("Failed to cache health snapshot")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
	}

	if pruned, err := w.statuses.PruneSamples(ctx, w.cfg.SampleRetention); err != nil {
		w.log.WithError(err).Warn("Failed to prune probe samples")
	} else if pruned > 0 {
		w.log.WithField("pruned", pruned).Debug("Pruned old probe samples")
	}
}
