// Package cache provides the low-latency key/value and capped-stream
// store used for the dashboard-facing view of fleet telemetry.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or stream does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the low-latency collaborator of the ingestion pipeline.
// Values are opaque bytes; callers are responsible for encoding.
type Cache interface {
	// Set stores a value under key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Append pushes a value onto a capped stream. When the stream exceeds
	// maxLen, the oldest entries are dropped.
	Append(ctx context.Context, streamKey string, value []byte, maxLen int) error

	// ReadRecent returns up to n entries from the stream, newest first.
	ReadRecent(ctx context.Context, streamKey string, n int) ([][]byte, error)

	// Close releases any underlying connections.
	Close() error
}
