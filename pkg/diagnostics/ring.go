package diagnostics

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a ring is created with a non-positive size.
const DefaultCapacity = 64

// Record captures one successful command execution.
type Record struct {
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	Request  []byte    `json:"request"`
	Response []byte    `json:"response"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

func (r Record) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Ring is a fixed-capacity log. When full, adding a record evicts the oldest.
type Ring struct {
	mu      sync.RWMutex
	records []Record
	next    int
	full    bool
	seq     uint64
}

// NewRing creates a Ring holding capacity records, DefaultCapacity when not positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{records: make([]Record, capacity)}
}

// Add stores r, assigning it the next sequence id, and returns that id.
func (r *Ring) Add(rec Record) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec.Seq = r.seq
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
	return rec.Seq
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.records)
	}
	return r.next
}

func (r *Ring) Cap() int {
	return len(r.records)
}

// Recent returns up to limit records, newest first. A non-positive limit
// returns everything held.
func (r *Ring) Recent(limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.records)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.records)) % len(r.records)
		out = append(out, r.records[idx])
	}
	return out
}
