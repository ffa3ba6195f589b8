package broker

import (
	"context"
	"fmt"
	"time"

	"seckill-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Publisher announces order lifecycle events to downstream consumers.
type Publisher interface {
	PublishVoucherOrderCreated(ctx context.Context, order *models.VoucherOrder) error
	PublishVoucherOrderDropped(ctx context.Context, msg redis.XMessage, reason string) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	orders     *Producer
	deadLetter *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, deadLetter *Producer) *EventPublisher {
	return &EventPublisher{orders: orders, deadLetter: deadLetter}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishVoucherOrderCreated publishes VoucherOrderCreated event
func (ep *EventPublisher) PublishVoucherOrderCreated(ctx context.Context, order *models.VoucherOrder) error {
	event := &models.VoucherOrderCreatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeVoucherOrderCreated),
		OrderID:   order.ID,
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
	}
	key := fmt.Sprintf("voucher-order-%d", order.ID)
	return ep.orders.PublishEvent(ctx, key, event)
}

// PublishVoucherOrderDropped sends a queue message that was acknowledged
// without an order to the dead letter topic
func (ep *EventPublisher) PublishVoucherOrderDropped(ctx context.Context, msg redis.XMessage, reason string) error {
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = fmt.Sprint(v)
	}

	event := &models.VoucherOrderDroppedEvent{
		BaseEvent: newBaseEvent(models.EventTypeVoucherOrderDropped),
		MessageID: msg.ID,
		Reason:    reason,
		Values:    values,
	}
	return ep.deadLetter.PublishEvent(ctx, "stream-"+msg.ID, event)
}

// NopPublisher drops every event. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishVoucherOrderCreated(context.Context, *models.VoucherOrder) error {
	return nil
}

func (NopPublisher) PublishVoucherOrderDropped(context.Context, redis.XMessage, string) error {
	return nil
}
