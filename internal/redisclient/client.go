package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// pendingMarker is stored under an idempotency key while the first request
// holding it is still running
const pendingMarker = "pending"

// ErrKeyInFlight is returned when another request holds the idempotency key
// and has not finished yet
var ErrKeyInFlight = errors.New("idempotency key in flight")

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int) (*Client, error) {
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

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func tokenKey(name string) string {
	return fmt.Sprintf("gateway:token:%s", name)
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// GetToken returns a cached gateway access token. ok is false on a miss.
func (c *Client) GetToken(ctx context.Context, name string) (token string, ok bool, err error) {
	token, err = c.rdb.Get(ctx, tokenKey(name)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// SetToken caches a gateway access token until ttl elapses
func (c *Client) SetToken(ctx context.Context, name, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, tokenKey(name), token, ttl).Err()
}

// ReserveIdempotencyKey claims key for a new request. When the key was
// already completed it returns the stored booking id; when it is claimed
// but unfinished it returns ErrKeyInFlight.
func (c *Client) ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (existingID int64, reserved bool, err error) {
	k := idempotencyKey(scope, key)

	ok, err := c.rdb.SetNX(ctx, k, pendingMarker, ttl).Result()
	if err != nil {
		return 0, false, err
	}
	if ok {
		return 0, true, nil
	}

	val, err := c.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		// expired between the two calls, try once more
		ok, err := c.rdb.SetNX(ctx, k, pendingMarker, ttl).Result()
		if err != nil {
			return 0, false, err
		}
		if ok {
			return 0, true, nil
		}
		return 0, false, ErrKeyInFlight
	}
	if err != nil {
		return 0, false, err
	}
	if val == pendingMarker {
		return 0, false, ErrKeyInFlight
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency value %q: %w", val, err)
	}
	return id, false, nil
}

// CompleteIdempotencyKey stores the resulting booking id under key
func (c *Client) CompleteIdempotencyKey(ctx context.Context, scope, key string, id int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(scope, key), strconv.FormatInt(id, 10), ttl).Err()
}

// ReleaseIdempotencyKey drops a claim after the request failed so that a
// retry can run
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(scope, key)).Err()
}
