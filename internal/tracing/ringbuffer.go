package tracing

import (
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

// ringBuffer holds the last capacity finished traces. Writes overwrite the
// oldest entry once full; this bounds memory for a long-running gateway
// instance without needing a separate eviction goroutine.
type ringBuffer struct {
	mu       sync.RWMutex
	entries  []catalog.RequestTrace
	capacity int
	next     int  // write cursor
	full     bool // true once entries has wrapped at least once
	byID     map[string]int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		entries:  make([]catalog.RequestTrace, capacity),
		capacity: capacity,
		byID:     make(map[string]int, capacity),
	}
}

func (b *ringBuffer) add(tr catalog.RequestTrace) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		delete(b.byID, b.entries[b.next].ID)
	}
	b.entries[b.next] = tr
	b.byID[tr.ID] = b.next
	b.next++
	if b.next == b.capacity {
		b.next = 0
		b.full = true
	}
}

func (b *ringBuffer) get(id string) (catalog.RequestTrace, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.byID[id]
	if !ok {
		return catalog.RequestTrace{}, false
	}
	return b.entries[idx], true
}

func (b *ringBuffer) search(f Filter) []catalog.RequestTrace {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = b.capacity
	}
	out := make([]catalog.RequestTrace, 0, n)
	// Walk newest-first: from just before the write cursor, backwards,
	// wrapping once if the buffer has filled.
	count := n
	idx := b.next - 1
	for count > 0 {
		if idx < 0 {
			idx = b.capacity - 1
		}
		tr := b.entries[idx]
		if matches(tr, f) {
			out = append(out, tr)
		}
		idx--
		count--
	}
	return out
}

func matches(tr catalog.RequestTrace, f Filter) bool {
	if f.Operation != "" && tr.Operation != f.Operation {
		return false
	}
	if f.Provider != "" && tr.Provider != f.Provider {
		return false
	}
	if f.VirtualKey != "" && tr.VirtualKey != f.VirtualKey {
		return false
	}
	if f.Status != "" && tr.Status != f.Status {
		return false
	}
	if f.MinDuration > 0 && tr.Duration < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && tr.Duration > f.MaxDuration {
		return false
	}
	return true
}
