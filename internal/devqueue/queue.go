// Package devqueue implements the per-device transmit queue: a FIFO of
// outbound payloads with dedupe-id based overwrite-in-place.
package devqueue

import "sync"

// Entry is a single queued outbound message.
type Entry struct {
	DedupeID uint16
	Channel  uint8
	Payload  []byte
}

// Queue is a per-device FIFO. Zero value is not usable; use New.
//
// Mutated by the IPC ingress path (Enqueue) and drained by the bus
// service loop (PopFront) concurrently, so it is internally
// synchronized.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	byDedup map[uint16]*Entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{byDedup: make(map[uint16]*Entry)}
}

// Enqueue appends entry, unless entry.DedupeID is non-zero and an
// existing entry shares it, in which case the existing entry's Channel
// and Payload are overwritten in place, preserving its queue position.
func (q *Queue) Enqueue(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry.DedupeID != 0 {
		if existing, ok := q.byDedup[entry.DedupeID]; ok {
			existing.Channel = entry.Channel
			existing.Payload = entry.Payload
			return
		}
	}

	e := &Entry{DedupeID: entry.DedupeID, Channel: entry.Channel, Payload: entry.Payload}
	q.entries = append(q.entries, e)
	if entry.DedupeID != 0 {
		q.byDedup[entry.DedupeID] = e
	}
}

// PopFront removes and returns the oldest entry, or ok=false if empty.
func (q *Queue) PopFront() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	if e.DedupeID != 0 {
		delete(q.byDedup, e.DedupeID)
	}
	return *e, true
}

// Len reports the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
