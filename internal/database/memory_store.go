package database

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
)

// MemoryStore 固定容量的环形事件缓冲，满后覆盖最旧的事件
type MemoryStore struct {
	mu     sync.Mutex
	events []status.Event
	next   int
	full   bool
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &MemoryStore{events: make([]status.Event, capacity)}
}

func (ms *MemoryStore) SaveEvent(_ context.Context, event status.Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.events[ms.next] = event
	ms.next++
	if ms.next == len(ms.events) {
		ms.next = 0
		ms.full = true
	}
	return nil
}

func (ms *MemoryStore) RecentEvents(_ context.Context, n int) ([]status.Event, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	size := ms.lenLocked()
	if n > size {
		n = size
	}
	result := make([]status.Event, 0, n)
	start := ms.next - n
	if start < 0 {
		start += len(ms.events)
	}
	for i := 0; i < n; i++ {
		result = append(result, ms.events[(start+i)%len(ms.events)])
	}
	return result, nil
}

func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lenLocked()
}

func (ms *MemoryStore) lenLocked() int {
	if ms.full {
		return len(ms.events)
	}
	return ms.next
}
