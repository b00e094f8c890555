package monitoring

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
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
	containerruntime "fleet-orchestrator/internal/runtime"
)

type probeSample struct {
	up bool
	at time.Time
}

type fakeMonStore struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]*models.MonitoringStatus
	probes   map[uuid.UUID][]probeSample
	alerts   []*models.Alert
}

func newFakeMonStore() *fakeMonStore {
	return &fakeMonStore{
		statuses: make(map[uuid.UUID]*models.MonitoringStatus),
		probes:   make(map[uuid.UUID][]probeSample),
	}
}

func (s *fakeMonStore) GetOrCreateStatus(ctx context.Context, customerID uuid.UUID) (*models.MonitoringStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[customerID]; ok {
		copied := *status
		return &copied, nil
	}
	status := &models.MonitoringStatus{
		ID:              uuid.New(),
		CustomerID:      customerID,
		HTTPStatus:      models.HealthUnknown,
		ContainerStatus: models.HealthUnknown,
	}
	s.statuses[customerID] = status
	copied := *status
	return &copied, nil
}

func (s *fakeMonStore) UpdateStatus(ctx context.Context, status *models.MonitoringStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *status
	s.statuses[status.CustomerID] = &copied
	return nil
}

func (s *fakeMonStore) RecordProbe(ctx context.Context, customerID uuid.UUID, up bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[customerID] = append(s.probes[customerID], probeSample{up: up, at: at})
	return nil
}

func (s *fakeMonStore) UptimeRatio(ctx context.Context, customerID uuid.UUID, window time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.probes[customerID]
	if len(samples) == 0 {
		return 0, nil
	}
	up := 0
	for _, sample := range samples {
		if sample.up {
			up++
		}
	}
	return float64(up) / float64(len(samples)), nil
}

func (s *fakeMonStore) CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert.ID = uuid.New()
	alert.CreatedAt = time.Now()
	s.alerts = append(s.alerts, alert)
	copied := *alert
	return &copied, nil
}

func (s *fakeMonStore) alertTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.alerts))
	for _, alert := range s.alerts {
		types = append(types, alert.Type)
	}
	return types
}

type fakeProber struct {
	health    string
	healthErr error
	stats     *containerruntime.ContainerStats
	diskMB    float64
}

func (p *fakeProber) Health(ctx context.Context, dir, service string) (string, error) {
	return p.health, p.healthErr
}

func (p *fakeProber) Stats(ctx context.Context, dir, service string) (*containerruntime.ContainerStats, error) {
	if p.stats == nil {
		return nil, errors.New("stats unavailable")
	}
	return p.stats, nil
}

func (p *fakeProber) DiskUsage(ctx context.Context, dir string) (float64, error) {
	if p.diskMB <= 0 {
		return 0, errors.New("disk usage unavailable")
	}
	return p.diskMB, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func httpResponder(status int, err error) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	})}
}

type engineFixture struct {
	engine   *Engine
	store    *fakeMonStore
	prober   *fakeProber
	customer *models.Customer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	cfg := config.MonitoringConfig{
		CheckInterval:     time.Minute,
		ProbeTimeout:      time.Second,
		DownThreshold:     3,
		CPUWarnPercent:    80,
		MemoryWarnPercent: 85,
		DiskWarnPercent:   90,
		DiskQuotaMB:       10240,
		AlertCooldown:     time.Minute,
		UptimeWindow:      24 * time.Hour,
	}
	fleet := config.FleetConfig{
		TenantRoot: t.TempDir(),
		BaseDomain: "test.local",
	}

	store := newFakeMonStore()
	prober := &fakeProber{
		health: containerruntime.HealthHealthy,
		stats:  &containerruntime.ContainerStats{CPUPercent: 12.5, MemoryPercent: 40, MemoryUsedMB: 410},
		diskMB: 1024,
	}

	engine := NewEngine(cfg, fleet, store, prober, NewMemoryCooldown(),
		events.NopSink{}, metrics.New(prometheus.NewRegistry()))
	engine.httpClient = httpResponder(http.StatusOK, nil)

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

	return &engineFixture{engine: engine, store: store, prober: prober, customer: customer}
}

func TestRunCheck_HealthyStore(t *testing.T) {
	f := newEngineFixture(t)

	status, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)

	assert.Equal(t, models.HealthUp, status.HTTPStatus)
	assert.Equal(t, models.HealthUp, status.ContainerStatus)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, 1.0, status.Uptime24h)
	assert.Equal(t, 12.5, status.CPUPercent)
	assert.Equal(t, 1024.0, status.DiskUsedMB)
	assert.Equal(t, 10.0, status.DiskPercent)
	assert.NotNil(t, status.LastHTTPCheck)
	assert.Empty(t, f.store.alertTypes())
}

func TestRunCheck_DownIsDebounced(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.httpClient = httpResponder(0, errors.New("connection refused"))
	f.prober.healthErr = errors.New("no such container")

	for i := 0; i < 2; i++ {
		status, err := f.engine.RunCheck(context.Background(), f.customer)
		require.NoError(t, err)
		assert.NotEqual(t, models.HealthDown, status.HTTPStatus, "probe %d must not flip status", i+1)
		assert.Empty(t, f.store.alertTypes())
	}

	status, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDown, status.HTTPStatus)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, []string{models.AlertTypeDown}, f.store.alertTypes())

	// Staying down does not re-alert
	_, err = f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.Equal(t, []string{models.AlertTypeDown}, f.store.alertTypes())
}

func TestRunCheck_RecoveryAlertsAndResetsCooldown(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.httpClient = httpResponder(0, errors.New("connection refused"))
	f.prober.healthErr = errors.New("no such container")

	for i := 0; i < 3; i++ {
		_, err := f.engine.RunCheck(context.Background(), f.customer)
		require.NoError(t, err)
	}
	require.Equal(t, []string{models.AlertTypeDown}, f.store.alertTypes())

	f.engine.httpClient = httpResponder(http.StatusOK, nil)
	f.prober.healthErr = nil

	status, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUp, status.HTTPStatus)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, []string{models.AlertTypeDown, models.AlertTypeRecovered}, f.store.alertTypes())

	// The state cooldown was cleared on recovery, so a fresh outage
	// alerts again without waiting out the cooldown window
	f.engine.httpClient = httpResponder(0, errors.New("connection refused"))
	f.prober.healthErr = errors.New("no such container")
	for i := 0; i < 3; i++ {
		_, err := f.engine.RunCheck(context.Background(), f.customer)
		require.NoError(t, err)
	}
	assert.Equal(t,
		[]string{models.AlertTypeDown, models.AlertTypeRecovered, models.AlertTypeDown},
		f.store.alertTypes())
}

func TestRunCheck_DegradedWhenContainerUnhealthy(t *testing.T) {
	f := newEngineFixture(t)
	f.prober.health = containerruntime.HealthUnhealthy

	status, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)

	assert.Equal(t, models.HealthDegraded, status.HTTPStatus)
	assert.Equal(t, models.HealthDown, status.ContainerStatus)
	assert.Equal(t, []string{models.AlertTypeDegraded}, f.store.alertTypes())

	// Degraded flips immediately but does not repeat
	_, err = f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.Equal(t, []string{models.AlertTypeDegraded}, f.store.alertTypes())
}

func TestRunCheck_ResourceWarningCooldown(t *testing.T) {
	f := newEngineFixture(t)
	f.prober.stats = &containerruntime.ContainerStats{CPUPercent: 95, MemoryPercent: 40}

	_, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	require.Equal(t, []string{models.AlertTypeResourceWarning}, f.store.alertTypes())

	_, err = f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.Equal(t, []string{models.AlertTypeResourceWarning}, f.store.alertTypes(),
		"repeat crossings inside the cooldown window must not re-alert")
}

func TestRunCheck_DiskWarning(t *testing.T) {
	f := newEngineFixture(t)
	f.prober.diskMB = 9500 // 92.8% of the 10240 MB quota, past the 90% threshold

	status, err := f.engine.RunCheck(context.Background(), f.customer)
	require.NoError(t, err)
	assert.InDelta(t, 92.8, status.DiskPercent, 0.1)
	assert.Equal(t, []string{models.AlertTypeResourceWarning}, f.store.alertTypes())
}

func TestMemoryCooldown(t *testing.T) {
	cooldown := NewMemoryCooldown()
	ctx := context.Background()

	ok, err := cooldown.AcquireAlertCooldown(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cooldown.AcquireAlertCooldown(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cooldown.ClearAlertCooldown(ctx, "k"))

	ok, err = cooldown.AcquireAlertCooldown(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCooldown_Expiry(t *testing.T) {
	cooldown := NewMemoryCooldown()
	ctx := context.Background()

	ok, err := cooldown.AcquireAlertCooldown(ctx, "k", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)

	ok, err = cooldown.AcquireAlertCooldown(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
