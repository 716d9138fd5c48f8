// Package ledger reserves blood units against per-bank stock rows using
// optimistic concurrency: a read, then a conditional update that only applies
// if the row's version is unchanged. No lock is held between the two.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"github.com/lifebank/services/orders/internal/metrics"
	"github.com/lifebank/services/orders/internal/repo"
	"go.uber.org/zap"
)

// maxAttempts is one attempt plus exactly one retry after a lost race
const maxAttempts = 2

var (
	// ErrInvalidQuantity is returned for a non-positive quantity
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrStockNotFound is returned when the bank holds no row for the blood type
	ErrStockNotFound = repo.ErrStockNotFound

	// ErrInsufficientStock is matched by every InsufficientStockError
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict is returned when both attempts lost the race
	ErrConflict = errors.New("stock was updated by another request; retry")
)

// InsufficientStockError reports how many units were available when the request was checked
type InsufficientStockError struct {
	BloodBankID string
	BloodType   domain.BloodType
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at %s: available=%d, requested=%d",
		e.BloodType, e.BloodBankID, e.Available, e.Requested)
}

// Is lets errors.Is match against ErrInsufficientStock
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockStore is the row store the ledger needs: a point read by unique key
// and conditional updates that report whether they applied.
type StockStore interface {
	FindStock(ctx context.Context, bankID string, bloodType domain.BloodType) (*db.InventoryStock, error)
	CompareAndDecrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error)
	CompareAndIncrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error)
}

// Ledger reserves and releases stock
type Ledger struct {
	store StockStore
	log   *zap.Logger
}

// New creates a new ledger
func New(store StockStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   logger,
	}
}

// Reserve removes quantity units of bloodType from the bank's stock
func (l *Ledger) Reserve(ctx context.Context, bankID string, bloodType domain.BloodType, quantity int) error {
	err := l.reserve(ctx, bankID, bloodType, quantity)
	metrics.InventoryReservationsTotal.WithLabelValues(outcome(err)).Inc()
	return err
}

func (l *Ledger) reserve(ctx context.Context, bankID string, bloodType domain.BloodType, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stock, err := l.store.FindStock(ctx, bankID, bloodType)
		if err != nil {
			if errors.Is(err, repo.ErrStockNotFound) {
				return ErrStockNotFound
			}
			return fmt.Errorf("failed to read stock: %w", err)
		}

		if stock.AvailableUnits < quantity {
			return &InsufficientStockError{
				BloodBankID: bankID,
				BloodType:   bloodType,
				Available:   stock.AvailableUnits,
				Requested:   quantity,
			}
		}

		applied, err := l.store.CompareAndDecrement(ctx, stock.ID, stock.Version, quantity)
		if err != nil {
			return fmt.Errorf("failed to update stock: %w", err)
		}
		if applied {
			l.log.Info("Stock reserved",
				zap.String("blood_bank_id", bankID),
				zap.String("blood_type", string(bloodType)),
				zap.Int("quantity", quantity),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		metrics.InventoryReservationConflictsTotal.Inc()
		l.log.Warn("Stock reservation lost race",
			zap.String("blood_bank_id", bankID),
			zap.String("blood_type", string(bloodType)),
			zap.Int("expected_version", stock.Version),
			zap.Int("attempt", attempt),
		)
	}

	return ErrConflict
}

// Release returns quantity units to the bank's stock. It is the compensation
// for a reservation whose order could not be recorded.
func (l *Ledger) Release(ctx context.Context, bankID string, bloodType domain.BloodType, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stock, err := l.store.FindStock(ctx, bankID, bloodType)
		if err != nil {
			if errors.Is(err, repo.ErrStockNotFound) {
				return ErrStockNotFound
			}
			return fmt.Errorf("failed to read stock: %w", err)
		}

		applied, err := l.store.CompareAndIncrement(ctx, stock.ID, stock.Version, quantity)
		if err != nil {
			return fmt.Errorf("failed to update stock: %w", err)
		}
		if applied {
			l.log.Info("Stock released",
				zap.String("blood_bank_id", bankID),
				zap.String("blood_type", string(bloodType)),
				zap.Int("quantity", quantity),
			)
			return nil
		}

		metrics.InventoryReservationConflictsTotal.Inc()
	}

	return ErrConflict
}

// IsReservationFailure reports whether err is one of the ledger's typed
// failures, as opposed to an unexpected storage error.
func IsReservationFailure(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrStockNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrConflict)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeReserved
	case errors.Is(err, ErrInvalidQuantity):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrStockNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrInsufficientStock):
		return metrics.OutcomeInsufficient
	case errors.Is(err, ErrConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
