package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/models"
)

// ServerRepository handles fleet server records and heartbeats
type ServerRepository struct {
	db *gorm.DB
}

// NewServerRepository creates a new server repository
func NewServerRepository(db *gorm.DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Create registers a new fleet server
func (r *ServerRepository) Create(ctx context.Context, server *models.Server) (*models.Server, error) {
	if server.ID == uuid.Nil {
		server.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return server, nil
}

// GetByID retrieves a server by ID
func (r *ServerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	var server models.Server

	if err := r.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("server not found")
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}

	return &server, nil
}

// List retrieves all servers
func (r *ServerRepository) List(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server

	if err := r.db.WithContext(ctx).Order("name ASC").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	return servers, nil
}

// Update persists server changes
func (r *ServerRepository) Update(ctx context.Context, server *models.Server) error {
	if err := r.db.WithContext(ctx).Save(server).Error; err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	return nil
}

// SetStatus updates a server's status
func (r *ServerRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Server{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set server status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("server not found")
	}
	return nil
}

// Heartbeat records a liveness heartbeat for a server
func (r *ServerRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Server{}).
		Where("id = ?", id).
		Update("last_heartbeat", now)
	if result.Error != nil {
		return fmt.Errorf("failed to record heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("server not found")
	}
	return nil
}

// MarkStaleOffline flips active servers whose heartbeat is older than the TTL
// to offline. Returns the number of servers transitioned.
func (r *ServerRepository) MarkStaleOffline(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	result := r.db.WithContext(ctx).Model(&models.Server{}).
		Where("status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?", models.ServerStatusActive, cutoff).
		Update("status", models.ServerStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale servers offline: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// TenantCount returns the number of customers currently assigned to a server
func (r *ServerRepository) TenantCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64

	if err := r.db.WithContext(ctx).Model(&models.Customer{}).
		Where("server_id = ?", id).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	return count, nil
}
