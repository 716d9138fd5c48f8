package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reservation outcomes
const (
	OutcomeReserved     = "reserved"
	OutcomeInvalid      = "invalid_quantity"
	OutcomeNotFound     = "stock_not_found"
	OutcomeInsufficient = "insufficient_stock"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

// Prometheus metrics for the order lifecycle
var (
	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of blood orders created",
		},
	)

	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of committed order status transitions by new status",
		},
		[]string{"status"},
	)

	OrderTransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transition_rejections_total",
			Help: "Total number of illegal status transitions attempted",
		},
		[]string{"from", "to"},
	)

	InventoryReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Total number of stock reservations by outcome",
		},
		[]string{"outcome"},
	)

	InventoryReservationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_reservation_conflicts_total",
			Help: "Total number of conditional stock updates that lost a race",
		},
	)

	RealtimeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_order_subscribers",
			Help: "Current number of subscribers on the orders channel",
		},
	)
)

// Register registers all Prometheus metrics with the given registerer
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OrdersCreatedTotal,
		OrderTransitionsTotal,
		OrderTransitionRejectionsTotal,
		InventoryReservationsTotal,
		InventoryReservationConflictsTotal,
		RealtimeSubscribers,
	)
}
