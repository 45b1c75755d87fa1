// Package queue implements the two ordered message buffers (spec §4.D):
// TX, fed by APP SEND and drained by SIM FETCH, and RX, fed by SIM POST
// and drained by APP RECEIVE.
package queue

import "sync"

// MessageEntry is an in-flight payload record (spec §3). The payload is
// either raw bytes (PayloadBytes) or a payload-store key (PayloadKey),
// never both; UsesStore says which, so a zero-length inline payload is not
// mistaken for a store-backed one.
type MessageEntry struct {
	Source      string
	Destination string

	UsesStore    bool
	PayloadBytes []byte
	PayloadKey   string

	PayloadSize int32
}

// Buffer is one ordered, mutex-guarded queue of MessageEntry. It never
// blocks: PopFront and PopFirstWhere report ok=false on an empty queue or
// no match rather than waiting, per spec §4.D ("operations never block
// ... empty means empty").
type Buffer struct {
	mu      sync.Mutex
	entries []MessageEntry
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// PushBack appends entry to the tail of the queue.
func (b *Buffer) PushBack(entry MessageEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
}

// PopFront removes and returns the head of the queue.
func (b *Buffer) PopFront() (MessageEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return MessageEntry{}, false
	}
	head := b.entries[0]
	b.entries = b.entries[1:]
	return head, true
}

// PopFirstWhere scans from the head and removes+returns the first entry
// for which predicate returns true. Tie-breaking: the earliest-arrived
// matching entry wins (spec §4.E "Tie-breaking and ordering").
func (b *Buffer) PopFirstWhere(predicate func(MessageEntry) bool) (MessageEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if predicate(e) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e, true
		}
	}
	return MessageEntry{}, false
}

// Len returns the current queue depth (spec §9: no size cap is mandated,
// so this is purely observational). The metrics depth gauge does not read
// it; the dispatcher adjusts that gauge by +1/-1 on each push and pop.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
