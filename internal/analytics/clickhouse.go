package analytics

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/lifebank/services/orders/internal/config"
)

const transitionsTable = "order_status_transitions"

// ClickHouseSink writes status transitions to ClickHouse
type ClickHouseSink struct {
	conn     driver.Conn
	database string
}

// NewClickHouseSink connects to ClickHouse and verifies the connection
func NewClickHouseSink(cfg config.AnalyticsConfig) (*ClickHouseSink, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouseHost, cfg.ClickHousePort)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		DialTimeout:  30 * time.Second,
	}

	// 8443 is the TLS native port
	if cfg.ClickHousePort == 8443 {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseSink{conn: conn, database: cfg.Database}, nil
}

// EnsureSchema creates the transitions table if it does not exist.
// Redelivered notifications collapse on event_id.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			event_id        String,
			order_id        String,
			previous_status LowCardinality(String),
			new_status      LowCardinality(String),
			actor_id        String,
			occurred_at     DateTime64(9, 'UTC')
		) ENGINE = ReplacingMergeTree
		ORDER BY (order_id, occurred_at, event_id)
	`, s.database, transitionsTable)

	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", transitionsTable, err)
	}
	return nil
}

// InsertTransitions writes the transitions in one batch
func (s *ClickHouseSink) InsertTransitions(ctx context.Context, transitions []StatusTransition) error {
	if len(transitions) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s.%s (
			event_id, order_id, previous_status, new_status, actor_id, occurred_at
		)`, s.database, transitionsTable))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, t := range transitions {
		if err := batch.Append(
			t.EventID,
			t.OrderID,
			string(t.PreviousStatus),
			string(t.NewStatus),
			t.ActorID,
			t.OccurredAt,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append transition %s: %w", t.EventID, err)
		}
	}

	return batch.Send()
}

// Ping checks the ClickHouse connection
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
