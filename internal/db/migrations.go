package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&Order{}, &OrderEvent{}, &InventoryStock{}); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return createEventGuards(db.DB)
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Open orders per bank, for dispatch dashboards
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(blood_bank_id, status) WHERE status NOT IN ('DELIVERED', 'CANCELLED')`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}

// createEventGuards makes order_events append-only at the database level as well,
// so raw SQL cannot bypass the model hooks.
func createEventGuards(db *gorm.DB) error {
	var statements []string

	switch db.Dialector.Name() {
	case DriverPostgres:
		statements = []string{
			`CREATE OR REPLACE FUNCTION order_events_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'order_events is append-only';
			END;
			$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS order_events_no_mutation ON order_events`,
			`CREATE TRIGGER order_events_no_mutation BEFORE UPDATE OR DELETE ON order_events
			FOR EACH ROW EXECUTE FUNCTION order_events_append_only()`,
		}
	case DriverSQLite:
		statements = []string{
			`CREATE TRIGGER IF NOT EXISTS order_events_no_update BEFORE UPDATE ON order_events
			BEGIN SELECT RAISE(ABORT, 'order_events is append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS order_events_no_delete BEFORE DELETE ON order_events
			BEGIN SELECT RAISE(ABORT, 'order_events is append-only'); END`,
		}
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}
