package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lifebank/services/orders/internal/domain"
	"github.com/lifebank/services/orders/internal/events"
	"go.uber.org/zap"
)

// ErrMalformedEvent is returned for messages that can never be processed
var ErrMalformedEvent = errors.New("malformed order event")

// StatusTransition is one committed status change as recorded for analytics
type StatusTransition struct {
	EventID        string
	OrderID        string
	PreviousStatus domain.Status
	NewStatus      domain.Status
	ActorID        string
	OccurredAt     time.Time
}

// Sink stores status transitions
type Sink interface {
	InsertTransitions(ctx context.Context, transitions []StatusTransition) error
}

// Handler turns order.status.updated notifications into sink rows
type Handler struct {
	sink    Sink
	timeout time.Duration
	log     *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(sink Sink, timeout time.Duration, log *zap.Logger) *Handler {
	return &Handler{sink: sink, timeout: timeout, log: log}
}

// Handle decodes one message and stores it. Notifications of other types are ignored.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var event events.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if event.EventType != events.OrderStatusUpdated {
		h.log.Debug("Ignoring notification", zap.String("event_type", event.EventType))
		return nil
	}

	transition, err := decodeTransition(event)
	if err != nil {
		return err
	}

	insertCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.sink.InsertTransitions(insertCtx, []StatusTransition{transition}); err != nil {
		return fmt.Errorf("failed to store transition: %w", err)
	}

	h.log.Info("Status transition recorded",
		zap.String("order_id", transition.OrderID),
		zap.String("from", string(transition.PreviousStatus)),
		zap.String("to", string(transition.NewStatus)),
	)
	return nil
}

func decodeTransition(event events.Event) (StatusTransition, error) {
	orderID, _ := event.Payload["orderId"].(string)
	if orderID == "" {
		return StatusTransition{}, fmt.Errorf("%w: event %s has no order id", ErrMalformedEvent, event.EventID)
	}

	previous := domain.Status(stringField(event.Payload, "previousStatus"))
	next := domain.Status(stringField(event.Payload, "newStatus"))
	if !previous.Valid() || !next.Valid() {
		return StatusTransition{}, fmt.Errorf("%w: event %s has statuses %q -> %q", ErrMalformedEvent, event.EventID, previous, next)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, stringField(event.Payload, "timestamp"))
	if err != nil {
		return StatusTransition{}, fmt.Errorf("%w: event %s timestamp: %v", ErrMalformedEvent, event.EventID, err)
	}

	return StatusTransition{
		EventID:        event.EventID,
		OrderID:        orderID,
		PreviousStatus: previous,
		NewStatus:      next,
		ActorID:        stringField(event.Payload, "actorId"),
		OccurredAt:     occurredAt.UTC(),
	}, nil
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}
