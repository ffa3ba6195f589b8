package worker

import (
	"context"
	"errors"
	"time"

	"seckill-service/internal/broker"
	"seckill-service/internal/lock"
	"seckill-service/internal/models"
	"seckill-service/internal/store"
	"seckill-service/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// OrderHandler persists one queued order
type OrderHandler interface {
	HandleVoucherOrder(ctx context.Context, order *models.VoucherOrder) error
}

type state int

const (
	stateConsume state = iota
	stateRecover
)

// Drop reasons reported in metrics and dead letters
const (
	reasonMalformed        = "malformed"
	reasonStockExhausted   = "stock_exhausted"
	reasonRetriesExhausted = "retries_exhausted"
)

// OrderWorker drains the order stream into the database. Messages are acked
// only once their outcome is final; anything else stays in the pending list
// and is retried by the recovery state. A message whose handler keeps failing
// is dropped after maxAttempts so it cannot stall the entries behind it.
type OrderWorker struct {
	consumer        *broker.StreamConsumer
	handler         OrderHandler
	publisher       broker.Publisher
	recoveryBackoff time.Duration
	maxAttempts     int
	logger          *zap.Logger

	// failed handler attempts per message id, owned by the run goroutine
	attempts   map[string]int
	groupReady bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(
	consumer *broker.StreamConsumer,
	handler OrderHandler,
	publisher broker.Publisher,
	recoveryBackoff time.Duration,
	maxAttempts int,
) *OrderWorker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &OrderWorker{
		consumer:        consumer,
		handler:         handler,
		publisher:       publisher,
		recoveryBackoff: recoveryBackoff,
		maxAttempts:     maxAttempts,
		logger:          util.GetLogger(),
		attempts:        make(map[string]int),
	}
}

// Start runs the worker loop in its own goroutine until Stop is called or
// ctx ends. Entries left pending by a previous run are handled first.
func (w *OrderWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	w.logger.Info("Starting order worker")

	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight message to finish.
func (w *OrderWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.logger.Info("Stopping order worker...")
	w.cancel()
	<-w.done
}

func (w *OrderWorker) run(ctx context.Context) {
	st := stateRecover
	for ctx.Err() == nil {
		if !w.groupReady {
			if err := w.consumer.EnsureGroup(ctx); err != nil {
				w.logger.Error("Failed to ensure consumer group", zap.Error(err))
				w.sleep(ctx)
				continue
			}
			w.groupReady = true
		}

		switch st {
		case stateConsume:
			st = w.consume(ctx)
		case stateRecover:
			st = w.recover(ctx)
		}
	}
}

func (w *OrderWorker) consume(ctx context.Context) state {
	msgs, err := w.consumer.ReadNew(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return stateConsume
		}
		w.readFailed(err)
		return w.enterRecovery(err)
	}

	for _, msg := range msgs {
		if err := w.process(ctx, msg); err != nil {
			return w.enterRecovery(err)
		}
	}
	return stateConsume
}

func (w *OrderWorker) enterRecovery(cause error) state {
	util.OrderQueueRecoveriesTotal.Inc()
	w.logger.Warn("Order queue entering pending-list recovery", zap.Error(cause))
	return stateRecover
}

func (w *OrderWorker) recover(ctx context.Context) state {
	msgs, err := w.consumer.ReadPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.readFailed(err)
			w.sleep(ctx)
		}
		return stateRecover
	}
	if len(msgs) == 0 {
		return stateConsume
	}

	for _, msg := range msgs {
		if err := w.process(ctx, msg); err != nil {
			w.sleep(ctx)
			return stateRecover
		}
	}
	return stateRecover
}

func (w *OrderWorker) readFailed(err error) {
	if broker.IsNoGroup(err) {
		w.groupReady = false
	}
	w.logger.Error("Failed to read order stream", zap.Error(err))
}

// process returns nil once msg is acked. A non-nil error leaves it pending.
func (w *OrderWorker) process(ctx context.Context, msg redis.XMessage) error {
	order, err := broker.DecodeVoucherOrder(msg)
	if err != nil {
		return w.drop(ctx, msg, reasonMalformed, err)
	}

	err = w.handler.HandleVoucherOrder(ctx, order)
	switch {
	case err == nil:
		util.VoucherOrdersCommittedTotal.Inc()
		if err := w.publisher.PublishVoucherOrderCreated(ctx, order); err != nil {
			w.logger.Warn("Failed to publish VoucherOrderCreated event",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
		return w.ack(ctx, msg)

	case errors.Is(err, store.ErrOrderExists):
		w.logger.Debug("Voucher order already persisted",
			zap.String("message_id", msg.ID), zap.Int64("order_id", order.ID))
		return w.ack(ctx, msg)

	case errors.Is(err, store.ErrStockExhausted):
		return w.drop(ctx, msg, reasonStockExhausted, err)

	case errors.Is(err, lock.ErrLockBusy):
		util.OrderLockContentionTotal.Inc()
		w.logger.Warn("Order lock busy, leaving message pending",
			zap.String("message_id", msg.ID), zap.Int64("user_id", order.UserID))
		return err

	case ctx.Err() != nil:
		// shutting down, the entry is retried on the next start
		return err

	default:
		w.attempts[msg.ID]++
		n := w.attempts[msg.ID]
		w.logger.Error("Failed to handle voucher order",
			zap.String("message_id", msg.ID),
			zap.Int64("order_id", order.ID),
			zap.Int("attempt", n),
			zap.Int("max_attempts", w.maxAttempts),
			zap.Error(err))
		if n >= w.maxAttempts {
			return w.drop(ctx, msg, reasonRetriesExhausted, err)
		}
		return err
	}
}

// drop acks a message that can never become an order and hands it to the
// dead letter topic.
func (w *OrderWorker) drop(ctx context.Context, msg redis.XMessage, reason string, cause error) error {
	util.VoucherOrdersDroppedTotal.WithLabelValues(reason).Inc()
	w.logger.Error("Dropping order message",
		zap.String("message_id", msg.ID),
		zap.String("reason", reason),
		zap.Any("values", msg.Values),
		zap.Error(cause))

	if err := w.publisher.PublishVoucherOrderDropped(ctx, msg, reason); err != nil {
		w.logger.Error("Failed to dead-letter order message",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	return w.ack(ctx, msg)
}

func (w *OrderWorker) ack(ctx context.Context, msg redis.XMessage) error {
	if err := w.consumer.Ack(ctx, msg.ID); err != nil {
		w.logger.Error("Failed to ack order message", zap.String("message_id", msg.ID), zap.Error(err))
		return err
	}
	delete(w.attempts, msg.ID)
	return nil
}

func (w *OrderWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.recoveryBackoff):
	}
}
