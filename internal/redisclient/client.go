package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-routing/internal/models"
	"order-routing/internal/util"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Client struct {
	rdb    *redis.Client
	locker *redislock.Client
	logger *zap.Logger
}

// NewClient connects to Redis and prepares the lease client
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

	return &Client{
		rdb:    rdb,
		locker: redislock.New(rdb),
		logger: util.GetLogger(),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// TryLease obtains a short-lived named lease. ok is false when another process
// holds it. Leases only cut duplicated work; correctness never depends on them.
func (c *Client) TryLease(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	lock, err := c.locker.Obtain(ctx, "lease:"+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lease %s: %w", name, err)
	}
	return func() {
		// a fresh context so a cancelled sweep still frees the lease
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.logger.Warn("Failed to release lease", zap.String("lease", name), zap.Error(err))
		}
	}, true, nil
}

// ReliabilitySource is the authoritative reliability store behind the cache.
type ReliabilitySource interface {
	VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error)
}

// ReliabilityCache keeps vendor reliability counters in Redis for ttl. Redis
// errors degrade to reading the source directly.
type ReliabilityCache struct {
	client *Client
	source ReliabilitySource
	ttl    time.Duration
}

func NewReliabilityCache(client *Client, source ReliabilitySource, ttl time.Duration) *ReliabilityCache {
	return &ReliabilityCache{client: client, source: source, ttl: ttl}
}

func reliabilityKey(vendorID int64) string {
	return fmt.Sprintf("vendor:reliability:%d", vendorID)
}

func (rc *ReliabilityCache) VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error) {
	out := make(map[int64]models.VendorReliability, len(vendorIDs))
	if len(vendorIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(vendorIDs))
	for i, id := range vendorIDs {
		keys[i] = reliabilityKey(id)
	}

	var misses []int64
	vals, err := rc.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		rc.client.logger.Warn("Reliability cache read failed", zap.Error(err))
		return rc.source.VendorReliability(ctx, vendorIDs)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			misses = append(misses, vendorIDs[i])
			continue
		}
		var r models.VendorReliability
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			misses = append(misses, vendorIDs[i])
			continue
		}
		out[vendorIDs[i]] = r
	}
	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := rc.source.VendorReliability(ctx, misses)
	if err != nil {
		return nil, err
	}

	pipe := rc.client.rdb.Pipeline()
	for _, id := range misses {
		// vendors without history are cached too, as zero counters
		r := fresh[id]
		r.VendorID = id
		out[id] = r
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, reliabilityKey(id), payload, rc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rc.client.logger.Warn("Reliability cache write failed", zap.Error(err))
	}
	return out, nil
}
