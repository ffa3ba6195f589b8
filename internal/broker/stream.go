package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"seckill-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrMalformedMessage marks a queue entry that can never become an order.
var ErrMalformedMessage = errors.New("malformed order message")

// StreamConsumer reads the order stream as one member of a consumer group.
// Delivered entries stay in the group's pending list until acked.
type StreamConsumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	count    int64
	block    time.Duration
}

func NewStreamConsumer(rdb *redis.Client, stream, group, consumer string, count int64, block time.Duration) *StreamConsumer {
	if count < 1 {
		count = 1
	}
	return &StreamConsumer{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		count:    count,
		block:    block,
	}
}

// EnsureGroup creates the stream and the group if needed. The group starts
// at the beginning of the stream so entries appended before the first
// worker started are still delivered.
func (s *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

// IsNoGroup reports whether err says the stream or group does not exist.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// ReadNew waits up to the block duration for entries never delivered to the
// group. A timeout returns no messages and no error.
func (s *StreamConsumer) ReadNew(ctx context.Context) ([]redis.XMessage, error) {
	return s.read(ctx, ">", s.block)
}

// ReadPending returns entries delivered to this consumer but not yet acked.
// It never blocks.
func (s *StreamConsumer) ReadPending(ctx context.Context) ([]redis.XMessage, error) {
	return s.read(ctx, "0", -1)
}

func (s *StreamConsumer) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, id},
		Count:    s.count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	for _, st := range streams {
		msgs = append(msgs, st.Messages...)
	}
	return msgs, nil
}

// Ack removes ids from the group's pending list.
func (s *StreamConsumer) Ack(ctx context.Context, ids ...string) error {
	return s.rdb.XAck(ctx, s.stream, s.group, ids...).Err()
}

// DecodeVoucherOrder turns a stream entry written by the stock gate into an
// order. Any missing or non-numeric field yields ErrMalformedMessage.
func DecodeVoucherOrder(msg redis.XMessage) (*models.VoucherOrder, error) {
	id, err := int64Field(msg, "id")
	if err != nil {
		return nil, err
	}
	userID, err := int64Field(msg, "userId")
	if err != nil {
		return nil, err
	}
	voucherID, err := int64Field(msg, "voucherId")
	if err != nil {
		return nil, err
	}

	return &models.VoucherOrder{
		ID:        id,
		UserID:    userID,
		VoucherID: voucherID,
		Status:    models.VoucherOrderStatusUnpaid,
	}, nil
}

func int64Field(msg redis.XMessage, name string) (int64, error) {
	raw, ok := msg.Values[name].(string)
	if !ok {
		return 0, fmt.Errorf("%w: %s missing field %q", ErrMalformedMessage, msg.ID, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s field %q: %v", ErrMalformedMessage, msg.ID, name, err)
	}
	return n, nil
}
