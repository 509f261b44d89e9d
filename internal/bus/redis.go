package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// subscriberBuffer bounds each subscription's delivery channel. A consumer
// that falls this far behind starts losing messages, per the at-most-once
// contract.
const subscriberBuffer = 256

// Redis is the production Bus backed by a Redis server.
type Redis struct {
	client  *redis.Client
	log     *logrus.Logger
	backoff *Backoff

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedis connects to the broker at url (redis:// form). The password and
// db arguments override the URL when non-zero. The returned bus maintains a
// liveness probe; publishes fail fast with ErrNotConnected while the probe
// reports the broker unreachable.
func NewRedis(url, password string, db int, log *logrus.Logger) (*Redis, error) {
	if log == nil {
		log = logrus.New()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	r := &Redis{
		client:  redis.NewClient(opts),
		log:     log,
		backoff: DefaultBackoff(),
		closed:  make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		// Start degraded; the probe loop keeps retrying with backoff.
		r.log.WithError(err).Warn("bus: initial ping failed, starting disconnected")
	} else {
		r.connected.Store(true)
	}

	r.wg.Add(1)
	go r.probeLoop()
	return r, nil
}

// probeLoop tracks broker reachability. go-redis reinstalls pub/sub
// subscriptions itself after a reconnect; this loop only gates publishes and
// logs transitions.
func (r *Redis) probeLoop() {
	defer r.wg.Done()
	attempt := 0
	for {
		var wait time.Duration
		if r.connected.Load() {
			wait = 2 * time.Second
		} else {
			wait = r.backoff.Next(attempt)
		}
		select {
		case <-r.closed:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.client.Ping(ctx).Err()
		cancel()

		was := r.connected.Load()
		now := err == nil
		r.connected.Store(now)
		switch {
		case was && !now:
			attempt = 0
			r.log.WithError(err).Warn("bus: connection lost, reconnecting with backoff")
		case !was && now:
			r.log.Info("bus: connection restored")
		case !now:
			attempt++
		}
	}
}

// Publish sends payload to channel. It fails fast while disconnected so
// callers can apply their own retry policy.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if !r.connected.Load() {
		return ErrNotConnected
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan Payload
	once   sync.Once
}

func (s *redisSub) C() <-chan Payload { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe opens a subscription on channel. Deliveries arrive in broker
// order for that channel; the delivery channel closes on Close.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}
	pubsub := r.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so failures surface here, not on first
	// read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSub{pubsub: pubsub, out: make(chan Payload, subscriberBuffer)}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			select {
			case sub.out <- Payload{Channel: msg.Channel, Data: []byte(msg.Payload)}:
			default:
				// Consumer is behind its buffer: drop, per contract.
				r.log.WithField("channel", msg.Channel).Debug("bus: subscriber buffer full, dropping message")
			}
		}
	}()
	return sub, nil
}

// SetWithTTL writes key atomically with an expiry.
func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get reads key; the boolean is false when the key is absent or expired.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Scan lists keys with the given prefix.
func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close shuts the bus down. Open subscriptions are closed by the client.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.client.Close()
		r.wg.Wait()
	})
	return err
}
