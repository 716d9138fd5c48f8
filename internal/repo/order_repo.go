package repo

import (
	"context"
	"errors"
	"time"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOrderNotFound is returned when an order is not found
	ErrOrderNotFound = errors.New("order not found")

	// ErrStaleOrder is returned when the order changed since it was read
	ErrStaleOrder = errors.New("order was modified concurrently")
)

// OrderRepository handles order rows
type OrderRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(database *db.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		db:  database.DB,
		log: logger,
	}
}

// WithTx returns a repository bound to an open transaction
func (r *OrderRepository) WithTx(tx *gorm.DB) *OrderRepository {
	return &OrderRepository{db: tx, log: r.log}
}

// Create inserts a new order
func (r *OrderRepository) Create(ctx context.Context, order *db.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		r.log.Error("Failed to create order", zap.String("order_id", order.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves an order by id
func (r *OrderRepository) Get(ctx context.Context, id string) (*db.Order, error) {
	var order db.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		r.log.Error("Failed to get order", zap.String("order_id", id), zap.Error(err))
		return nil, err
	}

	return &order, nil
}

// UpdateStatus moves the order to next only if its status and version still
// match what the caller read. On success the passed order reflects the new row.
func (r *OrderRepository) UpdateStatus(ctx context.Context, order *db.Order, next domain.Status) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Where("id = ? AND status = ? AND version = ?", order.ID, order.Status, order.Version).
		Updates(map[string]interface{}{
			"status":     next,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		r.log.Error("Failed to update order status", zap.String("order_id", order.ID), zap.Error(result.Error))
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStaleOrder
	}

	order.Status = next
	order.Version++
	order.UpdatedAt = now
	return nil
}

// AssignRider sets the rider of an order
func (r *OrderRepository) AssignRider(ctx context.Context, id, riderID string) (*db.Order, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"rider_id":   riderID,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		r.log.Error("Failed to assign rider", zap.String("order_id", id), zap.Error(result.Error))
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		return nil, ErrOrderNotFound
	}

	r.log.Info("Rider assigned", zap.String("order_id", id), zap.String("rider_id", riderID))
	return r.Get(ctx, id)
}

// ListOpen returns orders that have not reached a terminal status, oldest first
func (r *OrderRepository) ListOpen(ctx context.Context) ([]db.Order, error) {
	var orders []db.Order
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []domain.Status{domain.StatusDelivered, domain.StatusCancelled}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		r.log.Error("Failed to list open orders", zap.Error(err))
		return nil, err
	}
	return orders, nil
}
