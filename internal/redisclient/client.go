package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/seckill.lua
var seckillScript string

// ReserveResult is the stock gate's decision. The numeric values are the
// script's return codes.
type ReserveResult int64

const (
	ReserveAdmitted       ReserveResult = 0
	ReserveOutOfStock     ReserveResult = 1
	ReserveAlreadyOrdered ReserveResult = 2
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveAdmitted:
		return "admitted"
	case ReserveOutOfStock:
		return "out_of_stock"
	case ReserveAlreadyOrdered:
		return "already_ordered"
	default:
		return "unknown"
	}
}

type Client struct {
	rdb           *redis.Client
	streamKey     string
	seckillScript *redis.Script
}

// NewClient connects to Redis and prepares the stock gate script. streamKey
// is the order queue the gate appends admitted intents to.
func NewClient(addr, password string, db int, streamKey string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb, streamKey), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client, streamKey string) *Client {
	return &Client{
		rdb:           rdb,
		streamKey:     streamKey,
		seckillScript: redis.NewScript(seckillScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// StreamKey returns the order queue key.
func (c *Client) StreamKey() string {
	return c.streamKey
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func StockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

func OrderMarkerKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:%d", voucherID)
}

// TryReserve runs the stock gate for one (voucher, user) attempt. On
// admission the order intent is already on the stream when it returns.
func (c *Client) TryReserve(ctx context.Context, voucherID, userID, orderID int64) (ReserveResult, error) {
	keys := []string{StockKey(voucherID), OrderMarkerKey(voucherID), c.streamKey}

	code, err := c.seckillScript.Run(ctx, c.rdb, keys,
		strconv.FormatInt(voucherID, 10),
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(orderID, 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("seckill script failed: %w", err)
	}

	result := ReserveResult(code)
	switch result {
	case ReserveAdmitted, ReserveOutOfStock, ReserveAlreadyOrdered:
		return result, nil
	default:
		return 0, fmt.Errorf("unexpected seckill script result %d", code)
	}
}

// SeedStock sets the gate's stock counter for a newly published voucher and
// clears any order markers left under the same id.
func (c *Client) SeedStock(ctx context.Context, voucherID int64, stock int) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, StockKey(voucherID), stock, 0)
		pipe.Del(ctx, OrderMarkerKey(voucherID))
		return nil
	})
	return err
}

// Stock returns the gate's remaining stock, 0 when never seeded. It is a
// diagnostic read for tooling and tests; admission only goes through
// TryReserve.
func (c *Client) Stock(ctx context.Context, voucherID int64) (int, error) {
	n, err := c.rdb.Get(ctx, StockKey(voucherID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// HasOrdered reports whether the gate already admitted userID for voucherID.
// Diagnostic only, like Stock.
func (c *Client) HasOrdered(ctx context.Context, voucherID, userID int64) (bool, error) {
	return c.rdb.SIsMember(ctx, OrderMarkerKey(voucherID), strconv.FormatInt(userID, 10)).Result()
}
