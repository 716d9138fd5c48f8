// Package orchestrator is the only entry point that creates blood orders or
// changes their status. Every status change validates the edge, appends the
// event and updates the cached status in one transaction, then notifies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/domain"
	"github.com/lifebank/services/orders/internal/eventstore"
	"github.com/lifebank/services/orders/internal/events"
	"github.com/lifebank/services/orders/internal/ledger"
	"github.com/lifebank/services/orders/internal/metrics"
	"github.com/lifebank/services/orders/internal/realtime"
	"github.com/lifebank/services/orders/internal/repo"
	"github.com/lifebank/services/orders/internal/statemachine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPublishTimeout = 10 * time.Second

var (
	// ErrMissingBloodBank is returned when an order names no blood bank
	ErrMissingBloodBank = errors.New("blood bank is required")

	// ErrMissingHospital is returned when an order names no hospital
	ErrMissingHospital = errors.New("hospital is required")

	// ErrMissingAddress is returned when an order has no delivery address
	ErrMissingAddress = errors.New("delivery address is required")

	// ErrMissingRider is returned when assigning an empty rider id
	ErrMissingRider = errors.New("rider is required")

	// ErrOrderNotFound is returned for an unknown order id
	ErrOrderNotFound = repo.ErrOrderNotFound

	// ErrReservationUnavailable wraps unexpected failures while reserving stock
	ErrReservationUnavailable = errors.New("stock reservation unavailable, please retry")

	// ErrConcurrentUpdate is returned when another transition committed first
	ErrConcurrentUpdate = errors.New("order was updated by another request; retry")
)

// Notifier publishes fire-and-forget domain notifications by name
type Notifier interface {
	Publish(ctx context.Context, name string, payload map[string]interface{}) error
}

// Broadcaster pushes a message to every current subscriber of a channel
type Broadcaster interface {
	Broadcast(channel, messageType string, payload interface{})
}

// CreateOrderRequest describes a new order
type CreateOrderRequest struct {
	HospitalID      string
	BloodBankID     string
	BloodType       string
	Quantity        int
	DeliveryAddress string
	ActorID         *string
}

// Orchestrator composes the ledger, state machine and event store around the order row
type Orchestrator struct {
	db             *db.DB
	orders         *repo.OrderRepository
	events         *eventstore.Store
	ledger         *ledger.Ledger
	notifier       Notifier
	broadcaster    Broadcaster
	log            *zap.Logger
	publishTimeout time.Duration
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPublishTimeout bounds how long a single notification may take
func WithPublishTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.publishTimeout = d
	}
}

// New creates a new orchestrator
func New(
	database *db.DB,
	orders *repo.OrderRepository,
	store *eventstore.Store,
	stockLedger *ledger.Ledger,
	notifier Notifier,
	broadcaster Broadcaster,
	log *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		db:             database,
		orders:         orders,
		events:         store,
		ledger:         stockLedger,
		notifier:       notifier,
		broadcaster:    broadcaster,
		log:            log,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create reserves stock and records a new PENDING order with its CREATED event.
// No notification is sent for creation.
func (o *Orchestrator) Create(ctx context.Context, req CreateOrderRequest) (*db.Order, error) {
	if req.BloodBankID == "" {
		return nil, ErrMissingBloodBank
	}
	if req.HospitalID == "" {
		return nil, ErrMissingHospital
	}
	if req.DeliveryAddress == "" {
		return nil, ErrMissingAddress
	}
	bloodType, err := domain.ParseBloodType(req.BloodType)
	if err != nil {
		return nil, err
	}

	if err := o.ledger.Reserve(ctx, req.BloodBankID, bloodType, req.Quantity); err != nil {
		if ledger.IsReservationFailure(err) {
			return nil, err
		}
		o.log.Error("Stock reservation failed unexpectedly",
			zap.String("blood_bank_id", req.BloodBankID),
			zap.String("blood_type", string(bloodType)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrReservationUnavailable, err)
	}

	order := &db.Order{
		HospitalID:      req.HospitalID,
		BloodBankID:     req.BloodBankID,
		BloodType:       bloodType,
		Quantity:        req.Quantity,
		DeliveryAddress: req.DeliveryAddress,
		Status:          domain.StatusPending,
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.orders.WithTx(tx).Create(ctx, order); err != nil {
			return err
		}
		_, err := o.events.WithTx(tx).Persist(ctx, order.ID, domain.EventCreated, map[string]interface{}{
			"hospitalId":      order.HospitalID,
			"bloodBankId":     order.BloodBankID,
			"bloodType":       string(order.BloodType),
			"quantity":        order.Quantity,
			"deliveryAddress": order.DeliveryAddress,
		}, req.ActorID)
		return err
	})
	if err != nil {
		o.compensateReservation(ctx, req.BloodBankID, bloodType, req.Quantity)
		return nil, fmt.Errorf("failed to record order: %w", err)
	}

	metrics.OrdersCreatedTotal.Inc()
	o.log.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("blood_bank_id", order.BloodBankID),
		zap.String("blood_type", string(order.BloodType)),
		zap.Int("quantity", order.Quantity),
	)
	return order, nil
}

// compensateReservation returns reserved units after the order could not be recorded
func (o *Orchestrator) compensateReservation(ctx context.Context, bankID string, bloodType domain.BloodType, quantity int) {
	if err := o.ledger.Release(context.WithoutCancel(ctx), bankID, bloodType, quantity); err != nil {
		o.log.Error("Failed to release reserved stock",
			zap.String("blood_bank_id", bankID),
			zap.String("blood_type", string(bloodType)),
			zap.Int("quantity", quantity),
			zap.Error(err),
		)
	}
}

// TransitionStatus moves an order to next if the edge is legal
func (o *Orchestrator) TransitionStatus(ctx context.Context, orderID string, next domain.Status, actorID *string) (*db.Order, error) {
	return o.transition(ctx, orderID, next, actorID, "")
}

// Cancel moves an order to CANCELLED, recording why
func (o *Orchestrator) Cancel(ctx context.Context, orderID string, actorID *string, reason string) (*db.Order, error) {
	return o.transition(ctx, orderID, domain.StatusCancelled, actorID, reason)
}

func (o *Orchestrator) transition(ctx context.Context, orderID string, next domain.Status, actorID *string, reason string) (*db.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	previous := order.Status

	if _, err := statemachine.Transition(previous, next); err != nil {
		metrics.OrderTransitionRejectionsTotal.WithLabelValues(string(previous), string(next)).Inc()
		return nil, err
	}

	eventType, _ := domain.EventTypeFor(next)
	payload := map[string]interface{}{
		"previousStatus": string(previous),
		"newStatus":      string(next),
	}
	if reason != "" {
		payload["reason"] = reason
	}

	var event *db.OrderEvent
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the guarded update takes the row lock before the sequence is read
		if err := o.orders.WithTx(tx).UpdateStatus(ctx, order, next); err != nil {
			return err
		}
		var err error
		event, err = o.events.WithTx(tx).Persist(ctx, order.ID, eventType, payload, actorID)
		return err
	})
	if err != nil {
		if errors.Is(err, repo.ErrStaleOrder) {
			o.log.Warn("Order transition lost race",
				zap.String("order_id", orderID),
				zap.String("from", string(previous)),
				zap.String("to", string(next)),
			)
			return nil, ErrConcurrentUpdate
		}
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	o.log.Info("Order status updated",
		zap.String("order_id", order.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.Bool("closed", statemachine.IsTerminal(next)),
	)

	o.notifyTransition(withCorrelation(ctx, event.ID), order, previous, actorID, event.OccurredAt, reason)
	return order, nil
}

// notifyTransition emits the generic and the status-specific notification, then broadcasts
func (o *Orchestrator) notifyTransition(ctx context.Context, order *db.Order, previous domain.Status, actorID *string, at time.Time, reason string) {
	updated := map[string]interface{}{
		"orderId":        order.ID,
		"previousStatus": string(previous),
		"newStatus":      string(order.Status),
		"actorId":        actorID,
		"timestamp":      at.UTC().Format(time.RFC3339Nano),
	}
	o.publish(ctx, events.OrderStatusUpdated, updated)

	if name, payload := statusNotification(order, reason); name != "" {
		o.publish(ctx, name, payload)
	}

	o.broadcaster.Broadcast(realtime.OrdersChannel, events.OrderStatusUpdated, updated)
}

func statusNotification(order *db.Order, reason string) (string, map[string]interface{}) {
	switch order.Status {
	case domain.StatusConfirmed:
		return events.OrderConfirmed, map[string]interface{}{
			"orderId":         order.ID,
			"hospitalId":      order.HospitalID,
			"bloodType":       string(order.BloodType),
			"quantity":        order.Quantity,
			"deliveryAddress": order.DeliveryAddress,
		}
	case domain.StatusDispatched:
		return events.OrderDispatched, map[string]interface{}{
			"orderId": order.ID,
			"riderId": order.RiderID,
		}
	case domain.StatusInTransit:
		return events.OrderInTransit, map[string]interface{}{"orderId": order.ID}
	case domain.StatusDelivered:
		return events.OrderDelivered, map[string]interface{}{"orderId": order.ID}
	case domain.StatusCancelled:
		return events.OrderCancelled, map[string]interface{}{
			"orderId":    order.ID,
			"hospitalId": order.HospitalID,
			"reason":     reason,
		}
	}
	return "", nil
}

// AssignRider records the rider for an order. It is not a status transition.
func (o *Orchestrator) AssignRider(ctx context.Context, orderID, riderID string, actorID *string) (*db.Order, error) {
	if riderID == "" {
		return nil, ErrMissingRider
	}

	order, err := o.orders.AssignRider(ctx, orderID, riderID)
	if err != nil {
		return nil, err
	}

	o.publish(withCorrelation(ctx, uuid.NewString()), events.OrderRiderAssigned, map[string]interface{}{
		"orderId": order.ID,
		"riderId": riderID,
		"actorId": actorID,
	})
	return order, nil
}

// withCorrelation tags ctx with id unless the caller already supplied a correlation id
func withCorrelation(ctx context.Context, id string) context.Context {
	if _, ok := events.CorrelationID(ctx); ok {
		return ctx
	}
	return events.WithCorrelationID(ctx, id)
}

// publish sends a notification after the change has committed. Failures are
// logged and do not undo the committed change.
func (o *Orchestrator) publish(ctx context.Context, name string, payload map[string]interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
	defer cancel()

	if err := o.notifier.Publish(pubCtx, name, payload); err != nil {
		o.log.Error("Failed to publish notification",
			zap.String("event_type", name),
			zap.Any("order_id", payload["orderId"]),
			zap.Error(err),
		)
	}
}

// GetOrder fetches one order by id
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*db.Order, error) {
	return o.orders.Get(ctx, orderID)
}

// History returns the full event log of an order, oldest first
func (o *Orchestrator) History(ctx context.Context, orderID string) ([]db.OrderEvent, error) {
	return o.events.History(ctx, orderID)
}

// ReplayStatus derives an order's status from its event log alone
func (o *Orchestrator) ReplayStatus(ctx context.Context, orderID string) (domain.Status, error) {
	return o.events.ReplayStatus(ctx, orderID)
}

// Divergence is an open order whose cached status disagrees with its event log
type Divergence struct {
	OrderID  string
	Cached   domain.Status
	Replayed domain.Status
	Err      error
}

// AuditOpenOrders replays every open order and reports those whose cached
// status does not match the log.
func (o *Orchestrator) AuditOpenOrders(ctx context.Context) ([]Divergence, error) {
	orders, err := o.orders.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	var divergences []Divergence
	for _, order := range orders {
		replayed, err := o.events.ReplayStatus(ctx, order.ID)
		if err == nil && replayed == order.Status {
			continue
		}

		d := Divergence{OrderID: order.ID, Cached: order.Status, Replayed: replayed, Err: err}
		o.log.Warn("Order status diverges from event log",
			zap.String("order_id", d.OrderID),
			zap.String("cached", string(d.Cached)),
			zap.String("replayed", string(d.Replayed)),
			zap.Error(d.Err),
		)
		divergences = append(divergences, d)
	}

	o.log.Info("Open order audit finished",
		zap.Int("orders", len(orders)),
		zap.Int("divergences", len(divergences)),
	)
	return divergences, nil
}
