// Package eventstore keeps the append-only lifecycle log of every order and
// recomputes an order's status from that log alone.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNoEvents is returned when replaying an order that has no events
	ErrNoEvents = errors.New("no events recorded for order")

	// ErrUnmappableEvent is matched by every UnmappableEventError
	ErrUnmappableEvent = errors.New("event type has no status mapping")
)

// UnmappableEventError reports a stored event type outside the status dictionary
type UnmappableEventError struct {
	OrderID   string
	EventType domain.EventType
}

func (e *UnmappableEventError) Error() string {
	return fmt.Sprintf("order %s: event type %q has no status mapping", e.OrderID, e.EventType)
}

// Is lets errors.Is match against ErrUnmappableEvent
func (e *UnmappableEventError) Is(target error) bool {
	return target == ErrUnmappableEvent
}

// Store appends and reads order events
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore creates a new event store
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{
		db:  database.DB,
		log: logger,
	}
}

// WithTx returns a store bound to an open transaction
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, log: s.log}
}

// Persist appends one event at the next sequence position of the order.
// It does not check transition legality.
func (s *Store) Persist(ctx context.Context, orderID string, eventType domain.EventType, payload map[string]interface{}, actorID *string) (*db.OrderEvent, error) {
	var last int
	err := s.db.WithContext(ctx).
		Model(&db.OrderEvent{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		s.log.Error("Failed to read event sequence", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}

	event := &db.OrderEvent{
		OrderID:   orderID,
		Sequence:  last + 1,
		EventType: eventType,
		Payload:   datatypes.JSONMap(payload),
		ActorID:   actorID,
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.log.Error("Failed to append order event",
			zap.String("order_id", orderID),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to append order event: %w", err)
	}

	s.log.Debug("Order event appended",
		zap.String("order_id", orderID),
		zap.String("event_type", string(eventType)),
		zap.Int("sequence", event.Sequence),
	)
	return event, nil
}

// History returns every event of the order in the order it was recorded
func (s *Store) History(ctx context.Context, orderID string) ([]db.OrderEvent, error) {
	var events []db.OrderEvent
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("sequence ASC").
		Find(&events).Error
	if err != nil {
		s.log.Error("Failed to load order history", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}

	return events, nil
}

// ReplayStatus derives the order's status from its last recorded event
func (s *Store) ReplayStatus(ctx context.Context, orderID string) (domain.Status, error) {
	events, err := s.History(ctx, orderID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("order %s: %w", orderID, ErrNoEvents)
	}

	last := events[len(events)-1]
	status, ok := domain.StatusFor(last.EventType)
	if !ok {
		s.log.Error("Unmappable event in order log",
			zap.String("order_id", orderID),
			zap.String("event_type", string(last.EventType)),
		)
		return "", &UnmappableEventError{OrderID: orderID, EventType: last.EventType}
	}

	return status, nil
}
