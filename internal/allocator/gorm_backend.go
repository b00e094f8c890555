package allocator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-orchestrator/internal/models"
)

// GormBackend serializes reservations through a database transaction that
// locks the active server rows FOR UPDATE. Two concurrent reservations
// therefore observe each other's assignments.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend creates a database-backed reservation backend
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Reserve implements Backend
func (b *GormBackend) Reserve(ctx context.Context, fn func(tx ReservationTx) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormReservationTx{tx: tx})
	})
}

type gormReservationTx struct {
	tx *gorm.DB
}

func (g *gormReservationTx) ActiveServers() ([]models.Server, error) {
	var servers []models.Server

	err := g.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ?", models.ServerStatusActive).
		Order("name ASC").
		Find(&servers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock active servers: %w", err)
	}

	return servers, nil
}

func (g *gormReservationTx) TenantCount(serverID uuid.UUID) (int, error) {
	var count int64

	if err := g.tx.Model(&models.Customer{}).
		Where("server_id = ?", serverID).Count(&count).Error; err != nil {
		return 0, err
	}

	return int(count), nil
}

func (g *gormReservationTx) UsedPorts(serverID uuid.UUID) ([]int, error) {
	var ports []int

	if err := g.tx.Model(&models.Customer{}).
		Where("server_id = ? AND port IS NOT NULL", serverID).
		Pluck("port", &ports).Error; err != nil {
		return nil, err
	}

	return ports, nil
}

func (g *gormReservationTx) Assign(customerID, serverID uuid.UUID, port int) error {
	result := g.tx.Model(&models.Customer{}).
		Where("id = ?", customerID).
		Updates(map[string]interface{}{
			"server_id": serverID,
			"port":      port,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("customer %s not found", customerID)
	}

	return nil
}

func (g *gormReservationTx) Unassign(customerID uuid.UUID) error {
	// No-op when the customer holds no allocation
	return g.tx.Model(&models.Customer{}).
		Where("id = ?", customerID).
		Updates(map[string]interface{}{
			"server_id": nil,
			"port":      nil,
		}).Error
}
