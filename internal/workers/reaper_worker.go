package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/repository"
)

// ReaperWorker marks servers offline when their heartbeat goes stale and
// refreshes per-server load gauges. Offline servers stop receiving new
// allocations but keep their assigned tenants.
type ReaperWorker struct {
	cfg     config.FleetConfig
	servers *repository.ServerRepository
	metrics *metrics.Metrics
	stopCh  chan struct{}
	log     *logrus.Entry
}

// NewReaperWorker creates a new heartbeat reaper
func NewReaperWorker(cfg config.FleetConfig, servers *repository.ServerRepository, m *metrics.Metrics) *ReaperWorker {
	return &ReaperWorker{
		cfg:     cfg,
		servers: servers,
		metrics: m,
		stopCh:  make(chan struct{}),
		log:     logrus.WithField("worker", "reaper"),
	}
}

// Start runs the worker loop until the context is cancelled or Stop is called
func (w *ReaperWorker) Start(ctx context.Context) {
	w.log.WithFields(logrus.Fields{
		"interval": w.cfg.ReaperInterval,
		"ttl":      w.cfg.HeartbeatTTL,
	}).Info("Starting heartbeat reaper")

	ticker := time.NewTicker(w.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Heartbeat reaper stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.log.Info("Heartbeat reaper stopped")
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

// Stop stops the worker
func (w *ReaperWorker) Stop() {
	close(w.stopCh)
}

func (w *ReaperWorker) run(ctx context.Context) {
	reaped, err := w.servers.MarkStaleOffline(ctx, w.cfg.HeartbeatTTL)
	if err != nil {
		w.log.WithError(err).Error("Failed to reap stale servers")
		return
	}
	if reaped > 0 {
		w.log.WithField("servers", reaped).Warn("Marked stale servers offline")
	}

	servers, err := w.servers.List(ctx)
	if err != nil {
		w.log.WithError(err).Warn("Failed to list servers for load gauges")
		return
	}
	for i := range servers {
		count, err := w.servers.TenantCount(ctx, servers[i].ID)
		if err != nil {
			continue
		}
		w.metrics.AllocatedTenants.WithLabelValues(servers[i].Hostname).Set(float64(count))
	}
}
