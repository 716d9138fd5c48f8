package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Domain notification names, also used as routing keys
const (
	OrderCreated       = "order.created"
	OrderStatusUpdated = "order.status.updated"
	OrderConfirmed     = "order.confirmed"
	OrderDispatched    = "order.dispatched"
	OrderInTransit     = "order.in_transit"
	OrderDelivered     = "order.delivered"
	OrderCancelled     = "order.cancelled"
	OrderRiderAssigned = "order.rider_assigned"

	eventVersion = "1.0.0"
)

// Event is the envelope every domain notification travels in
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that published events will carry
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, if any
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// NewEvent wraps a payload in a fresh envelope
func NewEvent(ctx context.Context, eventType string, payload map[string]interface{}) Event {
	event := Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: eventVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}

	if corrID, ok := CorrelationID(ctx); ok {
		event.CorrelationID = corrID
	}

	return event
}
