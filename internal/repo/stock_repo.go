package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStockNotFound is returned when no stock row exists for a bank and blood type
var ErrStockNotFound = errors.New("stock not found")

// StockRepository reads and conditionally updates inventory stock rows
type StockRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewStockRepository creates a new stock repository
func NewStockRepository(database *db.DB, logger *zap.Logger) *StockRepository {
	return &StockRepository{
		db:  database,
		log: logger,
	}
}

// FindStock retrieves the stock row for a bank and blood type
func (r *StockRepository) FindStock(ctx context.Context, bankID string, bloodType domain.BloodType) (*db.InventoryStock, error) {
	var stock db.InventoryStock
	err := r.db.WithContext(ctx).
		Where("blood_bank_id = ? AND blood_type = ?", bankID, bloodType).
		First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockNotFound
		}
		r.log.Error("Failed to get stock",
			zap.String("blood_bank_id", bankID),
			zap.String("blood_type", string(bloodType)),
			zap.Error(err),
		)
		return nil, err
	}

	return &stock, nil
}

// CompareAndDecrement removes quantity units only if the row is still at
// expectedVersion and holds at least quantity units. It reports whether the
// row was updated.
func (r *StockRepository) CompareAndDecrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.InventoryStock{}).
		Where("id = ? AND version = ? AND available_units >= ?", stockID, expectedVersion, quantity).
		Updates(map[string]interface{}{
			"available_units": gorm.Expr("available_units - ?", quantity),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		r.log.Error("Failed to decrement stock", zap.String("stock_id", stockID), zap.Error(result.Error))
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// CompareAndIncrement returns quantity units only if the row is still at expectedVersion
func (r *StockRepository) CompareAndIncrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.InventoryStock{}).
		Where("id = ? AND version = ?", stockID, expectedVersion).
		Updates(map[string]interface{}{
			"available_units": gorm.Expr("available_units + ?", quantity),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		r.log.Error("Failed to increment stock", zap.String("stock_id", stockID), zap.Error(result.Error))
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// Provision creates the stock row for a bank and blood type, or tops it up if it exists
func (r *StockRepository) Provision(ctx context.Context, bankID string, bloodType domain.BloodType, units int) (*db.InventoryStock, error) {
	if units < 0 {
		return nil, fmt.Errorf("cannot provision %d units", units)
	}

	result := r.db.WithContext(ctx).
		Model(&db.InventoryStock{}).
		Where("blood_bank_id = ? AND blood_type = ?", bankID, bloodType).
		Updates(map[string]interface{}{
			"available_units": gorm.Expr("available_units + ?", units),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		r.log.Error("Failed to top up stock", zap.String("blood_bank_id", bankID), zap.Error(result.Error))
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		stock := &db.InventoryStock{
			BloodBankID:    bankID,
			BloodType:      bloodType,
			AvailableUnits: units,
		}
		if err := r.db.WithContext(ctx).Create(stock).Error; err != nil {
			r.log.Error("Failed to create stock", zap.String("blood_bank_id", bankID), zap.Error(err))
			return nil, err
		}
	}

	r.log.Info("Stock provisioned",
		zap.String("blood_bank_id", bankID),
		zap.String("blood_type", string(bloodType)),
		zap.Int("units", units),
	)
	return r.FindStock(ctx, bankID, bloodType)
}
