package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// Redis is a Store shared by every replica pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis creates a store; keys are namespaced under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "chatflow:guard"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// ConnectRedis parses a redis:// URL and checks the connection.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (r *Redis) key(kind, chatKey string, rest ...string) string {
	k := r.prefix + ":" + kind + ":" + chatKey
	for _, s := range rest {
		k += ":" + s
	}
	return k
}

// Seen uses SET ... GET so that reading the previous timestamp and writing
// the new one is a single atomic command.
func (r *Redis) Seen(ctx context.Context, chatKey, fingerprint string, window, ttl time.Duration) (bool, error) {
	if ttl < window {
		ttl = window
	}
	now := r.now().UnixMilli()
	prev, err := r.client.SetArgs(ctx, r.key("seen", chatKey, fingerprint), now, redis.SetArgs{
		TTL: ttl,
		Get: true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("guard seen: %w", err)
	}
	at, err := strconv.ParseInt(prev, 10, 64)
	if err != nil {
		return false, nil
	}
	return now-at <= window.Milliseconds(), nil
}

func (r *Redis) Forget(ctx context.Context, chatKey, fingerprint string) error {
	if err := r.client.Del(ctx, r.key("seen", chatKey, fingerprint)).Err(); err != nil {
		return fmt.Errorf("guard forget: %w", err)
	}
	return nil
}

// Allow keeps a sorted set of request timestamps per chat. The count and the
// insert are separate round trips, so concurrent replicas may admit a few
// requests over the limit.
func (r *Redis) Allow(ctx context.Context, chatKey string, limit int, window, cooldown time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	blockKey := r.key("block", chatKey)
	reqKey := r.key("req", chatKey)

	blocked, err := r.client.Exists(ctx, blockKey).Result()
	if err != nil {
		return false, fmt.Errorf("guard allow: %w", err)
	}
	if blocked > 0 {
		return false, nil
	}

	now := r.now()
	cutoff := now.Add(-window).UnixMilli()
	var count *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, reqKey, "-inf", strconv.FormatInt(cutoff, 10))
		count = pipe.ZCard(ctx, reqKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("guard allow: %w", err)
	}

	if int(count.Val()) >= limit {
		if err := r.client.Set(ctx, blockKey, 1, cooldown).Err(); err != nil {
			return false, fmt.Errorf("guard cooldown: %w", err)
		}
		return false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, reqKey, redis.Z{Score: float64(now.UnixMilli()), Member: xid.New().String()})
		pipe.PExpire(ctx, reqKey, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("guard allow: %w", err)
	}
	return true, nil
}
