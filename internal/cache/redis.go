package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Redis implements Cache on top of a redigo connection pool.
// Latest-value keys use SET PX; capped streams use LPUSH + LTRIM so the
// newest entry is always at index 0.
type Redis struct {
	pool *redis.Pool
}

// NewRedis creates a Redis cache talking to the given address.
func NewRedis(address string) *Redis {
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     4,
			IdleTimeout: 240 * time.Second,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", address)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", key, value)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Append(ctx context.Context, streamKey string, value []byte, maxLen int) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	if err = conn.Send("LPUSH", streamKey, value); err != nil {
		return fmt.Errorf("appending to %s: %w", streamKey, err)
	}
	if err = conn.Send("LTRIM", streamKey, 0, maxLen-1); err != nil {
		return fmt.Errorf("trimming %s: %w", streamKey, err)
	}
	if err = conn.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", streamKey, err)
	}
	if _, err = conn.Receive(); err != nil {
		return fmt.Errorf("appending to %s: %w", streamKey, err)
	}
	return nil
}

func (r *Redis) ReadRecent(ctx context.Context, streamKey string, n int) ([][]byte, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	values, err := redis.ByteSlices(conn.Do("LRANGE", streamKey, 0, n-1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", streamKey, err)
	}
	return values, nil
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
