package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/events"
	"fleet-orchestrator/internal/metrics"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/platform"
	"fleet-orchestrator/internal/provisioning"
	containerruntime "fleet-orchestrator/internal/runtime"
)

// MonitoringStore is the persistence surface for health state
type MonitoringStore interface {
	GetOrCreateStatus(ctx context.Context, customerID uuid.UUID) (*models.MonitoringStatus, error)
	UpdateStatus(ctx context.Context, status *models.MonitoringStatus) error
	RecordProbe(ctx context.Context, customerID uuid.UUID, up bool, at time.Time) error
	UptimeRatio(ctx context.Context, customerID uuid.UUID, window time.Duration) (float64, error)
	CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error)
}

// ContainerProber reads container health and resource gauges
type ContainerProber interface {
	Health(ctx context.Context, dir, service string) (string, error)
	Stats(ctx context.Context, dir, service string) (*containerruntime.ContainerStats, error)
	DiskUsage(ctx context.Context, dir string) (float64, error)
}

// CooldownKeeper rate-limits repeat alerts
type CooldownKeeper interface {
	AcquireAlertCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearAlertCooldown(ctx context.Context, key string) error
}

// MemoryCooldown is an in-process CooldownKeeper used when Redis is
// unavailable
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryCooldown creates an in-process cooldown keeper
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{until: make(map[string]time.Time)}
}

// AcquireAlertCooldown implements CooldownKeeper
func (m *MemoryCooldown) AcquireAlertCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deadline, ok := m.until[key]; ok && time.Now().Before(deadline) {
		return false, nil
	}
	m.until[key] = time.Now().Add(ttl)
	return true, nil
}

// ClearAlertCooldown implements CooldownKeeper
func (m *MemoryCooldown) ClearAlertCooldown(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, key)
	return nil
}

// Engine derives health state from probes, applies failure debounce and
// emits alerts on state changes and resource threshold crossings
type Engine struct {
	cfg        config.MonitoringConfig
	fleet      config.FleetConfig
	store      MonitoringStore
	containers ContainerProber
	cooldown   CooldownKeeper
	sink       events.Sink
	metrics    *metrics.Metrics
	httpClient *http.Client
	log        *logrus.Entry
}

// NewEngine creates a monitoring engine
func NewEngine(
	cfg config.MonitoringConfig,
	fleet config.FleetConfig,
	store MonitoringStore,
	containers ContainerProber,
	cooldown CooldownKeeper,
	sink events.Sink,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:        cfg,
		fleet:      fleet,
		store:      store,
		containers: containers,
		cooldown:   cooldown,
		sink:       sink,
		metrics:    m,
		httpClient: &http.Client{
			Timeout: cfg.ProbeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logrus.WithField("component", "monitoring"),
	}
}

// RunCheck performs one monitoring pass for a customer: HTTP probe,
// container probe, debounced status transition and alerting
func (e *Engine) RunCheck(ctx context.Context, customer *models.Customer) (*models.MonitoringStatus, error) {
	plat, err := platform.ForCustomer(customer)
	if err != nil {
		return nil, err
	}

	status, err := e.store.GetOrCreateStatus(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	httpUp := e.probeHTTP(ctx, customer, plat)
	status.LastHTTPCheck = &now

	containerUp := e.probeContainer(ctx, customer, plat, status)
	status.LastContainerCheck = &now

	up := httpUp && containerUp

	outcome := "up"
	if !up {
		outcome = "down"
	}
	e.metrics.ProbesTotal.WithLabelValues(outcome).Inc()

	if err := e.store.RecordProbe(ctx, customer.ID, up, now); err != nil {
		e.log.WithError(err).Warn("Failed to record probe sample")
	}

	if ratio, err := e.store.UptimeRatio(ctx, customer.ID, e.cfg.UptimeWindow); err == nil {
		status.Uptime24h = ratio
	} else {
		e.log.WithError(err).Warn("Failed to compute uptime ratio")
	}

	e.applyTransition(ctx, customer, status, httpUp, containerUp, now)
	e.checkResourceThresholds(ctx, customer, status)

	if err := e.store.UpdateStatus(ctx, status); err != nil {
		return nil, err
	}

	return status, nil
}

func (e *Engine) probeHTTP(ctx context.Context, customer *models.Customer, plat platform.Platform) bool {
	url := "https://" + customer.Domain(e.fleet.BaseDomain) + plat.HealthPath()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func (e *Engine) probeContainer(ctx context.Context, customer *models.Customer, plat platform.Platform, status *models.MonitoringStatus) bool {
	dir := provisioning.TenantDir(e.fleet.TenantRoot, customer.Slug)

	health, err := e.containers.Health(ctx, dir, plat.WebService())
	if err != nil {
		status.ContainerStatus = models.HealthUnknown
		return false
	}

	if stats, err := e.containers.Stats(ctx, dir, plat.WebService()); err == nil {
		status.CPUPercent = stats.CPUPercent
		status.MemoryPercent = stats.MemoryPercent
		status.MemoryUsedMB = stats.MemoryUsedMB
	}

	if usedMB, err := e.containers.DiskUsage(ctx, dir); err == nil {
		status.DiskUsedMB = usedMB
		if e.cfg.DiskQuotaMB > 0 {
			status.DiskPercent = usedMB / e.cfg.DiskQuotaMB * 100
		}
	}

	switch health {
	case containerruntime.HealthHealthy:
		status.ContainerStatus = models.HealthUp
		return true
	case containerruntime.HealthStarting:
		status.ContainerStatus = models.HealthDegraded
		return true
	case containerruntime.HealthUnhealthy:
		status.ContainerStatus = models.HealthDown
		return false
	default:
		status.ContainerStatus = models.HealthUnknown
		return false
	}
}

// applyTransition applies the debounce rule: the derived status flips to
// down only after the configured number of consecutive failed probes. A
// single transient failure never changes status on its own.
func (e *Engine) applyTransition(ctx context.Context, customer *models.Customer, status *models.MonitoringStatus, httpUp, containerUp bool, now time.Time) {
	up := httpUp && containerUp

	if up {
		status.ConsecutiveFailures = 0

		if status.HTTPStatus == models.HealthDown || status.HTTPStatus == models.HealthDegraded {
			status.HTTPStatus = models.HealthUp
			status.LastStateChange = &now
			e.emitAlert(ctx, customer, status, models.AlertTypeRecovered,
				fmt.Sprintf("store %s recovered", customer.Slug), now)
			e.cooldown.ClearAlertCooldown(ctx, stateAlertKey(customer.ID))
			return
		}

		status.HTTPStatus = models.HealthUp
		return
	}

	status.ConsecutiveFailures++

	// Degraded: reachable over HTTP but the container reports trouble
	if httpUp && !containerUp {
		if status.HTTPStatus != models.HealthDegraded {
			status.HTTPStatus = models.HealthDegraded
			status.LastStateChange = &now
			e.emitStateAlert(ctx, customer, status, models.AlertTypeDegraded,
				fmt.Sprintf("store %s is degraded (container unhealthy)", customer.Slug), now)
		}
		return
	}

	if status.ConsecutiveFailures < e.cfg.DownThreshold {
		return
	}

	if status.HTTPStatus != models.HealthDown {
		status.HTTPStatus = models.HealthDown
		status.LastStateChange = &now
		e.emitStateAlert(ctx, customer, status, models.AlertTypeDown,
			fmt.Sprintf("store %s is down after %d consecutive failed probes",
				customer.Slug, status.ConsecutiveFailures), now)
	}
}

func (e *Engine) checkResourceThresholds(ctx context.Context, customer *models.Customer, status *models.MonitoringStatus) {
	now := time.Now().UTC()

	type gauge struct {
		name      string
		value     float64
		threshold float64
	}
	for _, g := range []gauge{
		{"cpu", status.CPUPercent, e.cfg.CPUWarnPercent},
		{"memory", status.MemoryPercent, e.cfg.MemoryWarnPercent},
		{"disk", status.DiskPercent, e.cfg.DiskWarnPercent},
	} {
		if g.threshold <= 0 || g.value < g.threshold {
			continue
		}

		key := resourceAlertKey(customer.ID, g.name)
		ok, err := e.cooldown.AcquireAlertCooldown(ctx, key, e.cfg.AlertCooldown)
		if err != nil {
			e.log.WithError(err).Warn("Failed to check alert cooldown")
			continue
		}
		if !ok {
			continue
		}

		e.emitAlert(ctx, customer, status, models.AlertTypeResourceWarning,
			fmt.Sprintf("store %s %s usage at %.1f%% (threshold %.0f%%)",
				customer.Slug, g.name, g.value, g.threshold), now)
	}
}

// emitStateAlert emits an up/down state alert guarded by the state cooldown
func (e *Engine) emitStateAlert(ctx context.Context, customer *models.Customer, status *models.MonitoringStatus, alertType, message string, now time.Time) {
	ok, err := e.cooldown.AcquireAlertCooldown(ctx, stateAlertKey(customer.ID), e.cfg.AlertCooldown)
	if err != nil {
		e.log.WithError(err).Warn("Failed to check alert cooldown")
		return
	}
	if !ok {
		return
	}

	e.emitAlert(ctx, customer, status, alertType, message, now)
}

func (e *Engine) emitAlert(ctx context.Context, customer *models.Customer, status *models.MonitoringStatus, alertType, message string, now time.Time) {
	alert, err := e.store.CreateAlert(ctx, &models.Alert{
		CustomerID: customer.ID,
		Type:       alertType,
		Message:    message,
	})
	if err != nil {
		e.log.WithError(err).Error("Failed to create alert")
		return
	}

	status.LastAlertSent = &now
	e.metrics.AlertsTotal.WithLabelValues(alertType).Inc()

	e.log.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"type":        alertType,
	}).Warn(message)

	event := &events.AlertEvent{
		AlertID:    alert.ID.String(),
		CustomerID: customer.ID.String(),
		AlertType:  alertType,
		Message:    message,
	}
	if err := e.sink.PublishAlertEvent(ctx, event); err != nil {
		e.log.WithError(err).Warn("Failed to publish alert event")
	}
}

func stateAlertKey(customerID uuid.UUID) string {
	return customerID.String() + ":state"
}

func resourceAlertKey(customerID uuid.UUID, gauge string) string {
	return customerID.String() + ":resource:" + gauge
}
