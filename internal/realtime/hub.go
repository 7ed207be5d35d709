package realtime

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// hub fans messages out to subscribers registered under string keys.
// Sends never block: a subscriber whose buffer is full misses the message.
type hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	keys   []string
	stream chan T
	once   sync.Once
}

func newHub[T any](bufferSize int) *hub[T] {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &hub[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

func (h *hub[T]) subscribe(ctx context.Context, keys ...string) (<-chan T, func()) {
	filtered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			filtered = append(filtered, key)
		}
	}
	if len(filtered) == 0 {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber[T]{
		keys:   filtered,
		stream: make(chan T, h.bufferSize),
	}
	h.register(sub)
	cleanup := func() {
		sub.once.Do(func() {
			h.unregister(sub)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// publish returns how many subscribers received the message and how many dropped it.
func (h *hub[T]) publish(key string, message T) (delivered int, dropped int) {
	if key == "" {
		return 0, 0
	}
	h.mu.RLock()
	subscribers := h.subscribers[key]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return 0, 0
	}
	copies := make([]*subscriber[T], 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- message:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (h *hub[T]) register(sub *subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub.id = h.nextID
	for _, key := range sub.keys {
		if _, ok := h.subscribers[key]; !ok {
			h.subscribers[key] = make(map[int64]*subscriber[T])
		}
		h.subscribers[key][sub.id] = sub
	}
}

func (h *hub[T]) unregister(sub *subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range sub.keys {
		subscribers := h.subscribers[key]
		if subscribers == nil {
			continue
		}
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(h.subscribers, key)
		}
	}
}

func (h *hub[T]) subscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[key])
}
