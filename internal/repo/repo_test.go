package repo

import (
	"context"
	"testing"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"github.com/lifebank/services/orders/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *db.DB {
	database, err := db.Connect(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestProvisionCreatesThenTopsUp(t *testing.T) {
	database := setupTestDB(t)
	repo := NewStockRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	stock, err := repo.Provision(ctx, "BB-001", domain.OPositive, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, stock.AvailableUnits)
	assert.Equal(t, 0, stock.Version)

	stock, err = repo.Provision(ctx, "BB-001", domain.OPositive, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, stock.AvailableUnits)
	assert.Equal(t, 1, stock.Version)

	_, err = repo.Provision(ctx, "BB-001", domain.OPositive, -1)
	assert.Error(t, err)
}

func TestFindStockNotFound(t *testing.T) {
	database := setupTestDB(t)
	repo := NewStockRepository(database, logger.NewLogger("test", "info"))

	_, err := repo.FindStock(context.Background(), "BB-404", domain.ABNegative)
	assert.Equal(t, ErrStockNotFound, err)
}

func TestCompareAndDecrement(t *testing.T) {
	database := setupTestDB(t)
	repo := NewStockRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	stock, err := repo.Provision(ctx, "BB-001", domain.OPositive, 5)
	require.NoError(t, err)

	// stale version
	ok, err := repo.CompareAndDecrement(ctx, stock.ID, stock.Version+1, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// more than available
	ok, err = repo.CompareAndDecrement(ctx, stock.ID, stock.Version, 6)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CompareAndDecrement(ctx, stock.ID, stock.Version, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// the same expected version cannot win twice
	ok, err = repo.CompareAndDecrement(ctx, stock.ID, stock.Version, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := repo.FindStock(ctx, "BB-001", domain.OPositive)
	require.NoError(t, err)
	assert.Equal(t, 3, after.AvailableUnits)
	assert.Equal(t, stock.Version+1, after.Version)
}

func TestCompareAndIncrement(t *testing.T) {
	database := setupTestDB(t)
	repo := NewStockRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	stock, err := repo.Provision(ctx, "BB-001", domain.ANegative, 1)
	require.NoError(t, err)

	ok, err := repo.CompareAndIncrement(ctx, stock.ID, stock.Version, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndIncrement(ctx, stock.ID, stock.Version, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := repo.FindStock(ctx, "BB-001", domain.ANegative)
	require.NoError(t, err)
	assert.Equal(t, 3, after.AvailableUnits)
}

func newOrder() *db.Order {
	return &db.Order{
		HospitalID:      "HOSP-1",
		BloodBankID:     "BB-001",
		BloodType:       domain.OPositive,
		Quantity:        1,
		DeliveryAddress: "12 Marina Road",
		Status:          domain.StatusPending,
	}
}

func TestOrderCreateAndGet(t *testing.T) {
	database := setupTestDB(t)
	repo := NewOrderRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	order := newOrder()
	require.NoError(t, repo.Create(ctx, order))
	assert.NotEmpty(t, order.ID)

	got, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "HOSP-1", got.HospitalID)
	assert.Nil(t, got.RiderID)

	_, err = repo.Get(ctx, "missing")
	assert.Equal(t, ErrOrderNotFound, err)
}

func TestOrderUpdateStatusDetectsStaleRead(t *testing.T) {
	database := setupTestDB(t)
	repo := NewOrderRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	order := newOrder()
	require.NoError(t, repo.Create(ctx, order))

	first, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	second, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, first, domain.StatusConfirmed))
	assert.Equal(t, domain.StatusConfirmed, first.Status)
	assert.Equal(t, 1, first.Version)

	err = repo.UpdateStatus(ctx, second, domain.StatusCancelled)
	assert.Equal(t, ErrStaleOrder, err)
	assert.Equal(t, domain.StatusPending, second.Status)

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
}

func TestAssignRider(t *testing.T) {
	database := setupTestDB(t)
	repo := NewOrderRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	order := newOrder()
	require.NoError(t, repo.Create(ctx, order))

	updated, err := repo.AssignRider(ctx, order.ID, "RIDER-9")
	require.NoError(t, err)
	require.NotNil(t, updated.RiderID)
	assert.Equal(t, "RIDER-9", *updated.RiderID)
	assert.Equal(t, domain.StatusPending, updated.Status)
	assert.Equal(t, 0, updated.Version)

	_, err = repo.AssignRider(ctx, "missing", "RIDER-9")
	assert.Equal(t, ErrOrderNotFound, err)
}

func TestListOpen(t *testing.T) {
	database := setupTestDB(t)
	repo := NewOrderRepository(database, logger.NewLogger("test", "info"))
	ctx := context.Background()

	pending := newOrder()
	require.NoError(t, repo.Create(ctx, pending))

	delivered := newOrder()
	delivered.Status = domain.StatusDelivered
	require.NoError(t, repo.Create(ctx, delivered))

	cancelled := newOrder()
	cancelled.Status = domain.StatusCancelled
	require.NoError(t, repo.Create(ctx, cancelled))

	transit := newOrder()
	transit.Status = domain.StatusInTransit
	require.NoError(t, repo.Create(ctx, transit))

	open, err := repo.ListOpen(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, transit.ID}, ids)
}
