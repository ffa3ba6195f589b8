// Package idgen produces 64-bit, roughly time-ordered ids that are unique
// across processes sharing one Redis.
//
// An id is (seconds since Epoch) << SequenceBits | seq, where seq comes from a
// single INCR on a per-namespace, per-second bucket key.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// SequenceBits is the width of the per-second sequence.
	SequenceBits = 32
	maxSequence  = 1<<SequenceBits - 1

	keyPrefix = "icr:"
	// buckets only need to outlive clock skew between processes
	bucketTTL = 2 * time.Minute
)

// Epoch is 2022-01-01T00:00:00Z.
var Epoch = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrSequenceExhausted means a bucket handed out more than 2^32 ids within
// one second.
var ErrSequenceExhausted = errors.New("id sequence exhausted for current second")

type Worker struct {
	rdb *redis.Client
	now func() time.Time
}

func NewWorker(rdb *redis.Client) *Worker {
	return &Worker{rdb: rdb, now: time.Now}
}

// NextID returns the next id for namespace, waiting for the next second if
// the current bucket is exhausted.
func (w *Worker) NextID(ctx context.Context, namespace string) (int64, error) {
	for {
		id, err := w.next(ctx, namespace)
		if !errors.Is(err, ErrSequenceExhausted) {
			return id, err
		}

		wait := time.Until(w.now().Truncate(time.Second).Add(time.Second))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *Worker) next(ctx context.Context, namespace string) (int64, error) {
	now := w.now()
	ts := now.Unix() - Epoch.Unix()
	if ts < 0 {
		return 0, fmt.Errorf("clock %s is before id epoch", now.UTC())
	}

	key := fmt.Sprintf("%s%s:%d", keyPrefix, namespace, now.Unix())

	var incr *redis.IntCmd
	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, bucketTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment id bucket %s: %w", key, err)
	}

	seq := incr.Val()
	if seq > maxSequence {
		return 0, ErrSequenceExhausted
	}

	return ts<<SequenceBits | seq, nil
}

// Timestamp extracts the wall-clock second an id was generated in. Timestamp
// and Sequence decode ids for debugging; nothing on the order path needs them.
func Timestamp(id int64) time.Time {
	return time.Unix(Epoch.Unix()+id>>SequenceBits, 0)
}

// Sequence extracts the per-second sequence of an id.
func Sequence(id int64) int64 {
	return id & maxSequence
}
