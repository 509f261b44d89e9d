package agent

import (
	"container/list"
	"sync"
)

// dedupe is a bounded LRU set used for duplicate suppression. Keys are
// (task_id, intent, sender_timestamp) tuples rendered as strings.
type dedupe struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newDedupe(capacity int) *dedupe {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dedupe{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether key was already recorded, recording it if not. A hit
// refreshes the key's recency.
func (d *dedupe) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[key]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.items[key] = d.order.PushFront(key)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.items, oldest.Value.(string))
	}
	return false
}

// Len returns the current set size.
func (d *dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
