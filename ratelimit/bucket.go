// Package ratelimit provides the token bucket that meters handshake I/O.
//
// Every byte read or written during a handshake consumes one token. Tokens
// refill continuously at Rate per Window and accumulate up to BucketSize, so
// short handshakes ride on the burst while oversized ones are slowed down to
// the configured rate. Steady-state traffic after the handshake is not
// metered here; back-pressure there comes from the bounded send queue and
// the sockets themselves.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrTimedOut is returned when the deadline expires before enough tokens
// become available.
var ErrTimedOut = errors.New("ratelimit: timed out waiting for tokens")

// Config sizes a token bucket.
type Config struct {
	// BucketSize is the burst capacity in bytes.
	BucketSize int

	// Rate is the number of bytes refilled per Window.
	Rate int

	// Window is the refill period for Rate.
	Window time.Duration
}

// Bucket is a byte-granular token bucket. It is safe for concurrent use.
type Bucket struct {
	lim   *rate.Limiter
	burst int
}

// NewBucket builds a bucket from cfg. A nil cfg or a non-positive Rate
// yields a nil bucket, which never blocks.
func NewBucket(cfg *Config) *Bucket {
	if cfg == nil || cfg.Rate <= 0 {
		return nil
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	burst := cfg.BucketSize
	if burst <= 0 {
		burst = cfg.Rate
	}

	perSecond := rate.Limit(float64(cfg.Rate) / window.Seconds())
	return &Bucket{lim: rate.NewLimiter(perSecond, burst), burst: burst}
}

// Consume blocks until n tokens are available or the deadline expires.
// A zero deadline means no deadline. Requests larger than the burst
// capacity are split so that a single oversized payload still drains at
// the configured rate instead of erroring.
func (b *Bucket) Consume(n int, deadline time.Time) error {
	if b == nil || n <= 0 {
		return nil
	}

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}

		// WaitN fails either because the context expired or because it
		// determined the tokens cannot arrive before the deadline. Both
		// are timeouts from the caller's point of view.
		if err := b.lim.WaitN(ctx, chunk); err != nil {
			return ErrTimedOut
		}
		n -= chunk
	}

	return nil
}
