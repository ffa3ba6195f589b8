package models

import "time"

// Event types
const (
	EventTypeVoucherOrderCreated = "VOUCHER_ORDER_CREATED"
	EventTypeVoucherOrderDropped = "VOUCHER_ORDER_DROPPED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// VoucherOrderCreatedEvent is published once the order worker has committed
// an order.
type VoucherOrderCreatedEvent struct {
	BaseEvent
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	VoucherID int64 `json:"voucher_id"`
}

// VoucherOrderDroppedEvent carries a queue message that was acknowledged
// without an order being created and needs operator attention.
type VoucherOrderDroppedEvent struct {
	BaseEvent
	MessageID string            `json:"message_id"`
	Reason    string            `json:"reason"`
	Values    map[string]string `json:"values"`
}
