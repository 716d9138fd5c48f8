package domain

// Status is the lifecycle position of a blood order
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusDispatched Status = "DISPATCHED"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusDispatched,
	StatusInTransit,
	StatusDelivered,
	StatusCancelled,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// EventType names one entry in an order's event log
type EventType string

const (
	EventCreated    EventType = "CREATED"
	EventConfirmed  EventType = "CONFIRMED"
	EventDispatched EventType = "DISPATCHED"
	EventInTransit  EventType = "IN_TRANSIT"
	EventDelivered  EventType = "DELIVERED"
	EventCancelled  EventType = "CANCELLED"
)

// One-to-one in both directions: a CREATED event always means PENDING.
var (
	eventStatus = map[EventType]Status{
		EventCreated:    StatusPending,
		EventConfirmed:  StatusConfirmed,
		EventDispatched: StatusDispatched,
		EventInTransit:  StatusInTransit,
		EventDelivered:  StatusDelivered,
		EventCancelled:  StatusCancelled,
	}
	statusEvent = map[Status]EventType{
		StatusPending:    EventCreated,
		StatusConfirmed:  EventConfirmed,
		StatusDispatched: EventDispatched,
		StatusInTransit:  EventInTransit,
		StatusDelivered:  EventDelivered,
		StatusCancelled:  EventCancelled,
	}
)

// StatusFor maps an event type to the status it leaves the order in
func StatusFor(t EventType) (Status, bool) {
	s, ok := eventStatus[t]
	return s, ok
}

// EventTypeFor maps a status to the event type recorded when entering it
func EventTypeFor(s Status) (EventType, bool) {
	t, ok := statusEvent[s]
	return t, ok
}
