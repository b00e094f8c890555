package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/models"
)

// CustomerRepository handles customer records
type CustomerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// Create creates a new customer record
func (r *CustomerRepository) Create(ctx context.Context, customer *models.Customer) (*models.Customer, error) {
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	return customer, nil
}

// GetByID retrieves a customer by ID
func (r *CustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer

	if err := r.db.WithContext(ctx).Preload("Server").First(&customer, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("customer not found")
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	return &customer, nil
}

// GetBySlug retrieves a customer by slug
func (r *CustomerRepository) GetBySlug(ctx context.Context, slug string) (*models.Customer, error) {
	var customer models.Customer

	if err := r.db.WithContext(ctx).Preload("Server").First(&customer, "slug = ?", slug).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("customer not found")
		}
		return nil, fmt.Errorf("failed to get customer by slug: %w", err)
	}

	return &customer, nil
}

// List retrieves customers filtered by status (empty status means all)
func (r *CustomerRepository) List(ctx context.Context, status string) ([]models.Customer, error) {
	var customers []models.Customer

	query := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Find(&customers).Error; err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	return customers, nil
}

// ListByServer retrieves all customers assigned to a server
func (r *CustomerRepository) ListByServer(ctx context.Context, serverID uuid.UUID) ([]models.Customer, error) {
	var customers []models.Customer

	if err := r.db.WithContext(ctx).Where("server_id = ?", serverID).
		Order("port ASC").Find(&customers).Error; err != nil {
		return nil, fmt.Errorf("failed to list customers by server: %w", err)
	}

	return customers, nil
}

// ListByStatus retrieves all customers in one of the given statuses
func (r *CustomerRepository) ListByStatus(ctx context.Context, statuses ...string) ([]models.Customer, error) {
	var customers []models.Customer

	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).
		Find(&customers).Error; err != nil {
		return nil, fmt.Errorf("failed to list customers by status: %w", err)
	}

	return customers, nil
}

// Update persists customer changes
func (r *CustomerRepository) Update(ctx context.Context, customer *models.Customer) error {
	if err := r.db.WithContext(ctx).Save(customer).Error; err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	return nil
}

// SetStatus performs a conditional status transition. The update only
// applies while the customer is still in fromStatus, so concurrent
// transitions cannot clobber each other. Returns false when the
// precondition did not hold.
func (r *CustomerRepository) SetStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus, errorDetail string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":       toStatus,
			"error_detail": errorDetail,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition customer status: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// Delete removes a customer and cascades to its jobs, staging environment,
// backups, monitoring status and alerts. Used only by the explicit deletion
// workflow.
func (r *CustomerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.ProvisioningJob{},
			&models.StagingSyncRecord{},
			&models.BackupJob{},
			&models.ProbeSample{},
			&models.Alert{},
			&models.MonitoringStatus{},
		} {
			if _, ok := model.(*models.StagingSyncRecord); ok {
				if err := tx.Where("staging_environment_id IN (?)",
					tx.Model(&models.StagingEnvironment{}).Select("id").Where("customer_id = ?", id),
				).Delete(model).Error; err != nil {
					return fmt.Errorf("failed to cascade delete: %w", err)
				}
				continue
			}
			if err := tx.Where("customer_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to cascade delete: %w", err)
			}
		}

		if err := tx.Where("customer_id = ?", id).Delete(&models.StagingEnvironment{}).Error; err != nil {
			return fmt.Errorf("failed to cascade delete staging environment: %w", err)
		}

		if err := tx.Delete(&models.Customer{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete customer: %w", err)
		}

		return nil
	})
}
