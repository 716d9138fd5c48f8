package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lifebank/services/orders/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrEventImmutable is returned by any attempt to update or delete an order event
var ErrEventImmutable = errors.New("order events are append-only")

// Order is one request for units of a blood type. Status caches the result of
// replaying the order's event log.
type Order struct {
	ID              string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	HospitalID      string           `gorm:"type:varchar(64);not null;index:idx_orders_hospital" json:"hospital_id"`
	BloodBankID     string           `gorm:"type:varchar(64);not null;index:idx_orders_bank" json:"blood_bank_id"`
	BloodType       domain.BloodType `gorm:"type:varchar(3);not null" json:"blood_type"`
	Quantity        int              `gorm:"not null;check:chk_orders_quantity,quantity > 0" json:"quantity"`
	DeliveryAddress string           `gorm:"type:text;not null" json:"delivery_address"`
	Status          domain.Status    `gorm:"type:varchar(16);not null;index:idx_orders_status" json:"status"`
	RiderID         *string          `gorm:"type:varchar(64)" json:"rider_id,omitempty"`
	Version         int              `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Order model
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate assigns an id when the caller did not
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// OrderEvent is one immutable lifecycle entry. OrderID has no foreign key;
// the log outlives the order row.
type OrderEvent struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID    string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_order_events_order_seq,priority:1" json:"order_id"`
	Sequence   int               `gorm:"not null;uniqueIndex:idx_order_events_order_seq,priority:2" json:"sequence"`
	EventType  domain.EventType  `gorm:"type:varchar(16);not null" json:"event_type"`
	Payload    datatypes.JSONMap `json:"payload"`
	ActorID    *string           `gorm:"type:varchar(64)" json:"actor_id,omitempty"`
	OccurredAt time.Time         `gorm:"not null;index:idx_order_events_occurred_at" json:"occurred_at"`
}

// TableName specifies the table name for OrderEvent model
func (OrderEvent) TableName() string {
	return "order_events"
}

// BeforeCreate stamps the event with the server clock, ignoring any caller value
func (e *OrderEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.OccurredAt = time.Now().UTC()
	return nil
}

// BeforeUpdate rejects updates
func (e *OrderEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrEventImmutable
}

// BeforeDelete rejects deletes
func (e *OrderEvent) BeforeDelete(tx *gorm.DB) error {
	return ErrEventImmutable
}

// InventoryStock counts available units of one blood type at one bank.
// Version increases on every successful write.
type InventoryStock struct {
	ID             string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BloodBankID    string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_stock_bank_type,priority:1" json:"blood_bank_id"`
	BloodType      domain.BloodType `gorm:"type:varchar(3);not null;uniqueIndex:idx_stock_bank_type,priority:2" json:"blood_type"`
	AvailableUnits int              `gorm:"not null;default:0;check:chk_stock_available_units,available_units >= 0" json:"available_units"`
	Version        int              `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for InventoryStock model
func (InventoryStock) TableName() string {
	return "inventory_stocks"
}

// BeforeCreate assigns an id when the caller did not
func (s *InventoryStock) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
