// Package bus abstracts the pub/sub + key-value substrate that carries all
// inter-component communication. Publication is fire-and-forget with
// at-most-once delivery to currently-subscribed consumers; slow subscribers
// may lose messages.
package bus

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

var (
	// ErrNotConnected is returned by publishes attempted while the broker
	// connection is down. Callers may retry; the error is transient.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Payload is one delivered publication.
type Payload struct {
	Channel string
	Data    []byte
}

// Subscription is a live channel subscription. The delivery channel closes
// when the subscription is closed or the bus shuts down.
type Subscription interface {
	C() <-chan Payload
	Close() error
}

// Bus is the pub/sub + key-value store contract. Implementations serialize
// writes internally; one Bus value is shared by all goroutines of a process.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Scan(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backoff computes reconnect delays: exponential from Initial to Cap with
// ±Jitter fractional noise.
type Backoff struct {
	Initial time.Duration
	Cap     time.Duration
	Jitter  float64
	rng     *rand.Rand
}

// DefaultBackoff matches the reconnect contract: 1s initial, 30s cap, ±25%.
func DefaultBackoff() *Backoff {
	return &Backoff{Initial: time.Second, Cap: 30 * time.Second, Jitter: 0.25}
}

// Next returns the delay for the given zero-based attempt.
func (b *Backoff) Next(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		if b.rng == nil {
			b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		spread := 1 + b.Jitter*(2*b.rng.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}
