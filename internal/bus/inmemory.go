package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemory is a process-local Bus for tests and single-binary development.
// It reproduces the broker semantics: at-most-once delivery, per-channel
// ordering, bounded subscriber buffers, TTL-bounded keys.
type InMemory struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	keys   map[string]memVal
	closed bool

	// Now is the clock; tests replace it to drive TTL expiry.
	Now func() time.Time
}

type memVal struct {
	value   string
	expires time.Time
}

type memSub struct {
	bus     *InMemory
	channel string
	out     chan Payload
	once    sync.Once
}

func (s *memSub) C() <-chan Payload { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		list := s.bus.subs[s.channel]
		for i, other := range list {
			if other == s {
				s.bus.subs[s.channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(s.out)
	})
	return nil
}

// NewInMemory returns an empty in-process bus.
func NewInMemory() *InMemory {
	return &InMemory{
		subs: make(map[string][]*memSub),
		keys: make(map[string]memVal),
		Now:  time.Now,
	}
}

func (b *InMemory) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[channel] {
		select {
		case sub.out <- Payload{Channel: channel, Data: payload}:
		default:
			// Subscriber buffer full: at-most-once, drop.
		}
	}
	return nil
}

func (b *InMemory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memSub{bus: b, channel: channel, out: make(chan Payload, subscriberBuffer)}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *InMemory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.keys[key] = memVal{value: value, expires: b.Now().Add(ttl)}
	return nil
}

func (b *InMemory) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.keys[key]
	if !ok || b.Now().After(v.expires) {
		delete(b.keys, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (b *InMemory) Scan(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	now := b.Now()
	for k, v := range b.keys {
		if strings.HasPrefix(k, prefix) && now.Before(v.expires) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *InMemory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			sub.once.Do(func() { close(sub.out) })
		}
	}
	b.subs = make(map[string][]*memSub)
	return nil
}
