// Package notify fans service events out to per-tenant subscribers and holds
// the reconnecting client used to consume the event stream.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"pharmapos/internal/domain"
	"pharmapos/internal/xid"
)

const DefaultBuffer = 32

type subscription struct {
	ch   chan domain.Event
	once sync.Once
}

// Hub delivers events to subscribers of the same tenant. A subscriber whose
// buffer is full misses the event; publishers never block.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: map[string]map[*subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers a listener for tenant. The returned cancel func closes
// the channel and is safe to call more than once.
func (h *Hub) Subscribe(tenant string) (<-chan domain.Event, func()) {
	sub := &subscription{ch: make(chan domain.Event, h.buffer)}

	h.mu.Lock()
	if h.subs[tenant] == nil {
		h.subs[tenant] = map[*subscription]struct{}{}
	}
	h.subs[tenant][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenant], sub)
			if len(h.subs[tenant]) == 0 {
				delete(h.subs, tenant)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(evt domain.Event) {
	if h == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = xid.New("evt")
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[evt.TenantID] {
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenant])
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
