package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/command"
)

// CustomerTag is the snapshot tag that scopes snapshots to one tenant
func CustomerTag(customerID uuid.UUID) string {
	return "customer:" + customerID.String()
}

// Snapshot describes one capture in the content-addressed store
type Snapshot struct {
	ID    string    `json:"short_id"`
	Time  time.Time `json:"time"`
	Paths []string  `json:"paths"`
	Tags  []string  `json:"tags"`
}

// Store is the content-addressed snapshot store contract. Deduplication is
// the store's concern; the orchestrator only captures, lists, dumps and
// restores.
type Store interface {
	Backup(ctx context.Context, paths []string, tags []string) (string, error)
	List(ctx context.Context, tags []string) ([]Snapshot, error)
	Dump(ctx context.Context, snapshotID, path string) ([]byte, error)
	RestoreTree(ctx context.Context, snapshotID, includePath, target string) error
}

// ResticStore implements Store over the restic CLI
type ResticStore struct {
	repository   string
	passwordFile string
	runner       command.Runner
	log          *logrus.Entry
}

// NewResticStore creates a restic-backed snapshot store
func NewResticStore(repository, passwordFile string, runner command.Runner) *ResticStore {
	return &ResticStore{
		repository:   repository,
		passwordFile: passwordFile,
		runner:       runner,
		log:          logrus.WithField("component", "snapshot"),
	}
}

func (s *ResticStore) baseArgs() []string {
	return []string{"-r", s.repository, "--password-file", s.passwordFile, "--json"}
}

// Backup captures the given paths and returns the snapshot id
func (s *ResticStore) Backup(ctx context.Context, paths []string, tags []string) (string, error) {
	args := append(s.baseArgs(), "backup")
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	args = append(args, paths...)

	out, err := s.runner.Run(ctx, "restic", args...)
	if err != nil {
		return "", fmt.Errorf("failed to back up %v: %w", paths, err)
	}

	// restic emits one JSON object per line; the summary line carries the id
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		var msg struct {
			MessageType string `json:"message_type"`
			SnapshotID  string `json:"snapshot_id"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.MessageType == "summary" && msg.SnapshotID != "" {
			s.log.WithField("snapshot_id", msg.SnapshotID).Info("Backup complete")
			return msg.SnapshotID, nil
		}
	}

	return "", fmt.Errorf("backup succeeded but no snapshot id in output")
}

// List returns snapshots matching all of the given tags, newest first
func (s *ResticStore) List(ctx context.Context, tags []string) ([]Snapshot, error) {
	args := append(s.baseArgs(), "snapshots")
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}

	out, err := s.runner.Run(ctx, "restic", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot list: %w", err)
	}

	// Newest first
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}

	return snapshots, nil
}

// Dump reads a single file out of a snapshot
func (s *ResticStore) Dump(ctx context.Context, snapshotID, path string) ([]byte, error) {
	args := append(s.baseArgs(), "dump", snapshotID, path)

	out, err := s.runner.Run(ctx, "restic", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to dump %s from %s: %w", path, snapshotID, err)
	}

	return out, nil
}

// RestoreTree extracts the snapshot subtree under includePath into target
func (s *ResticStore) RestoreTree(ctx context.Context, snapshotID, includePath, target string) error {
	args := append(s.baseArgs(), "restore", snapshotID, "--target", target)
	if includePath != "" {
		args = append(args, "--include", includePath)
	}

	if _, err := s.runner.Run(ctx, "restic", args...); err != nil {
		return fmt.Errorf("failed to restore %s into %s: %w", snapshotID, target, err)
	}

	return nil
}
