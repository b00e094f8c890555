package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/config"
)

// Event subjects
const (
	SubjectJobSucceeded    = "fleet.job.succeeded"
	SubjectJobFailed       = "fleet.job.failed"
	SubjectAlertRaised     = "fleet.alert.raised"
	SubjectBackupCompleted = "fleet.backup.completed"
	SubjectSyncCompleted   = "fleet.staging.sync_completed"
)

// JobEvent is published when a provisioning job reaches a terminal state
type JobEvent struct {
	EventType   string    `json:"event_type"`
	JobID       string    `json:"job_id"`
	CustomerID  string    `json:"customer_id"`
	Slug        string    `json:"slug"`
	Status      string    `json:"status"`
	FailedStep  string    `json:"failed_step,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertEvent is published when a monitoring alert is raised
type AlertEvent struct {
	EventType  string    `json:"event_type"`
	AlertID    string    `json:"alert_id"`
	CustomerID string    `json:"customer_id"`
	AlertType  string    `json:"alert_type"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// BackupEvent is published when a backup or restore finishes
type BackupEvent struct {
	EventType  string    `json:"event_type"`
	JobID      string    `json:"job_id"`
	CustomerID string    `json:"customer_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncEvent is published when a staging sync finishes
type SyncEvent struct {
	EventType  string    `json:"event_type"`
	RecordID   string    `json:"record_id"`
	CustomerID string    `json:"customer_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink accepts events for downstream email/webhook delivery. Delivery is
// fire-and-forget from the orchestrator's perspective.
type Sink interface {
	PublishJobEvent(ctx context.Context, event *JobEvent) error
	PublishAlertEvent(ctx context.Context, event *AlertEvent) error
	PublishBackupEvent(ctx context.Context, event *BackupEvent) error
	PublishSyncEvent(ctx context.Context, event *SyncEvent) error
}

// Publisher is a NATS JetStream-backed event sink
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *logrus.Entry
}

// NewPublisher connects to NATS and ensures the fleet events stream exists
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	log := logrus.WithField("component", "events")

	opts := []nats.Option{
		nats.Name("fleet-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// LimitsPolicy so notification and audit consumers can both read the stream
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "FLEET_EVENTS",
		Subjects:  []string{"fleet.>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxMsgs:   100000,
		Discard:   nats.DiscardOld,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		log.WithError(err).Warn("Could not create stream (may already exist)")
	}

	log.WithField("url", cfg.URL).Info("Connected to NATS")

	return &Publisher{conn: conn, js: js, log: log}, nil
}

// IsConnected reports whether the NATS connection is currently up
func (p *Publisher) IsConnected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}

// PublishJobEvent implements Sink
func (p *Publisher) PublishJobEvent(ctx context.Context, event *JobEvent) error {
	subject := SubjectJobSucceeded
	if event.Status != "succeeded" {
		subject = SubjectJobFailed
	}
	event.EventType = subject
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, subject, event)
}

// PublishAlertEvent implements Sink
func (p *Publisher) PublishAlertEvent(ctx context.Context, event *AlertEvent) error {
	event.EventType = SubjectAlertRaised
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectAlertRaised, event)
}

// PublishBackupEvent implements Sink
func (p *Publisher) PublishBackupEvent(ctx context.Context, event *BackupEvent) error {
	event.EventType = SubjectBackupCompleted
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectBackupCompleted, event)
}

// PublishSyncEvent implements Sink
func (p *Publisher) PublishSyncEvent(ctx context.Context, event *SyncEvent) error {
	event.EventType = SubjectSyncCompleted
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectSyncCompleted, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, event interface{}) error {
	if p == nil || p.js == nil {
		return fmt.Errorf("NATS publisher not initialized")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.WithField("subject", subject).Debug("Published event")
	return nil
}

// NopSink drops all events; used when NATS is unavailable so the core
// keeps operating without the sink.
type NopSink struct{}

// PublishJobEvent implements Sink
func (NopSink) PublishJobEvent(ctx context.Context, event *JobEvent) error { return nil }

// PublishAlertEvent implements Sink
func (NopSink) PublishAlertEvent(ctx context.Context, event *AlertEvent) error { return nil }

// PublishBackupEvent implements Sink
func (NopSink) PublishBackupEvent(ctx context.Context, event *BackupEvent) error { return nil }

// PublishSyncEvent implements Sink
func (NopSink) PublishSyncEvent(ctx context.Context, event *SyncEvent) error { return nil }
