package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"github.com/lifebank/services/orders/internal/repo"
	"github.com/lifebank/services/orders/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStore serves a fixed stock row and answers conditional updates from a script
type scriptedStore struct {
	stock     *db.InventoryStock
	findErr   error
	casErr    error
	casResult []bool

	finds int
	cases int
}

func (s *scriptedStore) FindStock(ctx context.Context, bankID string, bloodType domain.BloodType) (*db.InventoryStock, error) {
	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	copied := *s.stock
	return &copied, nil
}

func (s *scriptedStore) CompareAndDecrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error) {
	return s.next()
}

func (s *scriptedStore) CompareAndIncrement(ctx context.Context, stockID string, expectedVersion, quantity int) (bool, error) {
	return s.next()
}

func (s *scriptedStore) next() (bool, error) {
	s.cases++
	if s.casErr != nil {
		return false, s.casErr
	}
	if len(s.casResult) == 0 {
		return false, nil
	}
	r := s.casResult[0]
	s.casResult = s.casResult[1:]
	return r, nil
}

func stockRow(units int) *db.InventoryStock {
	return &db.InventoryStock{ID: "stock-1", BloodBankID: "BB-001", BloodType: domain.OPositive, AvailableUnits: units, Version: 3}
}

func newTestLedger(store StockStore) *Ledger {
	return New(store, logger.NewLogger("test", "info"))
}

func TestReserveRejectsNonPositiveQuantityWithoutIO(t *testing.T) {
	store := &scriptedStore{stock: stockRow(5)}
	l := newTestLedger(store)

	for _, q := range []int{0, -1} {
		err := l.Reserve(context.Background(), "BB-001", domain.OPositive, q)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
	assert.Zero(t, store.finds)
	assert.Zero(t, store.cases)
}

func TestReserveStockNotFound(t *testing.T) {
	store := &scriptedStore{findErr: repo.ErrStockNotFound}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)

	assert.ErrorIs(t, err, ErrStockNotFound)
	assert.Zero(t, store.cases)
}

func TestReserveInsufficientStock(t *testing.T) {
	store := &scriptedStore{stock: stockRow(2)}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 3)

	assert.ErrorIs(t, err, ErrInsufficientStock)
	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 2, insufficient.Available)
	assert.Equal(t, 3, insufficient.Requested)
	assert.Contains(t, err.Error(), "available=2, requested=3")
	assert.Zero(t, store.cases)
}

func TestReserveFirstAttemptWins(t *testing.T) {
	store := &scriptedStore{stock: stockRow(5), casResult: []bool{true}}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)

	assert.NoError(t, err)
	assert.Equal(t, 1, store.finds)
	assert.Equal(t, 1, store.cases)
}

func TestReserveRetriesOnceAfterLostRace(t *testing.T) {
	store := &scriptedStore{stock: stockRow(5), casResult: []bool{false, true}}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)

	assert.NoError(t, err)
	assert.Equal(t, 2, store.finds)
	assert.Equal(t, 2, store.cases)
}

func TestReserveConflictAfterTwoLostRaces(t *testing.T) {
	store := &scriptedStore{stock: stockRow(5), casResult: []bool{false, false, true}}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, store.finds)
	assert.Equal(t, 2, store.cases)
}

func TestReserveStorageFailureIsNotTyped(t *testing.T) {
	store := &scriptedStore{stock: stockRow(5), casErr: errors.New("connection reset")}
	err := newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)

	require.Error(t, err)
	assert.False(t, IsReservationFailure(err))

	store = &scriptedStore{findErr: errors.New("connection reset")}
	err = newTestLedger(store).Reserve(context.Background(), "BB-001", domain.OPositive, 1)
	require.Error(t, err)
	assert.False(t, IsReservationFailure(err))
}

func TestIsReservationFailure(t *testing.T) {
	assert.True(t, IsReservationFailure(ErrInvalidQuantity))
	assert.True(t, IsReservationFailure(ErrStockNotFound))
	assert.True(t, IsReservationFailure(&InsufficientStockError{}))
	assert.True(t, IsReservationFailure(ErrConflict))
	assert.False(t, IsReservationFailure(errors.New("boom")))
}

func TestReleaseRetriesThenConflicts(t *testing.T) {
	store := &scriptedStore{stock: stockRow(0), casResult: []bool{false, true}}
	assert.NoError(t, newTestLedger(store).Release(context.Background(), "BB-001", domain.OPositive, 1))
	assert.Equal(t, 2, store.cases)

	store = &scriptedStore{stock: stockRow(0)}
	assert.ErrorIs(t, newTestLedger(store).Release(context.Background(), "BB-001", domain.OPositive, 1), ErrConflict)
	assert.Equal(t, 2, store.cases)
}

func setupStockRepo(t *testing.T) *repo.StockRepository {
	database, err := db.Connect(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	return repo.NewStockRepository(database, logger.NewLogger("test", "info"))
}

func TestReserveAgainstDatabase(t *testing.T) {
	stocks := setupStockRepo(t)
	ctx := context.Background()
	_, err := stocks.Provision(ctx, "BB-001", domain.OPositive, 5)
	require.NoError(t, err)

	l := newTestLedger(stocks)
	require.NoError(t, l.Reserve(ctx, "BB-001", domain.OPositive, 2))

	stock, err := stocks.FindStock(ctx, "BB-001", domain.OPositive)
	require.NoError(t, err)
	assert.Equal(t, 3, stock.AvailableUnits)
	assert.Equal(t, 1, stock.Version)

	require.NoError(t, l.Release(ctx, "BB-001", domain.OPositive, 2))
	stock, err = stocks.FindStock(ctx, "BB-001", domain.OPositive)
	require.NoError(t, err)
	assert.Equal(t, 5, stock.AvailableUnits)
	assert.Equal(t, 2, stock.Version)

	assert.ErrorIs(t, l.Reserve(ctx, "BB-002", domain.OPositive, 1), ErrStockNotFound)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	stocks := setupStockRepo(t)
	ctx := context.Background()
	_, err := stocks.Provision(ctx, "BB-001", domain.OPositive, 3)
	require.NoError(t, err)

	l := newTestLedger(stocks)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, "BB-001", domain.OPositive, 1)
			if err != nil {
				assert.True(t, errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrConflict), err)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	stock, err := stocks.FindStock(ctx, "BB-001", domain.OPositive)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stock.AvailableUnits, 0)
	assert.Equal(t, 3, successes+stock.AvailableUnits)
	assert.Equal(t, successes, stock.Version)
}
