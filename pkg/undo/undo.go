// Package undo is a minimal stand-in for the external undo log the
// btree core consumes: it hands out monotonically
// increasing pointers for append-only records and tracks the oldest
// pointer still reachable by any open snapshot, which drives DEAD-item
// pruning during recompression.
//
// The real transaction manager, WAL integration and rollback semantics
// are out of scope here; this package only implements the narrow
// interface zedtree/pkg/btree needs to compile and to be tested in
// isolation.
package undo

import (
	"fmt"
	"sync"
)

// Pointer is an opaque, monotonically increasing handle into the undo
// log. The zero value means "none".
type Pointer struct {
	Counter uint64
}

// Valid reports whether p refers to an actual record.
func (p Pointer) Valid() bool { return p.Counter != 0 }

// Less orders two pointers by recency; a smaller counter is older.
func (p Pointer) Less(other Pointer) bool { return p.Counter < other.Counter }

func (p Pointer) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("undo(%d)", p.Counter)
}

// Kind enumerates the record shapes the btree core writes.
type Kind uint8

const (
	KindInsert Kind = iota
	KindDelete
	KindUpdate
	KindTupleLock
)

// Record is the opaque payload appended to the log. AttNo/TID identify
// the row; XID/CID are caller-supplied transaction/command identifiers
// the core never interprets. Prev chains to the row's previous undo
// pointer, when the visibility policy says to keep history; NewTID is
// only meaningful for KindUpdate.
type Record struct {
	Kind   Kind
	AttNo  int
	XID    uint64
	CID    uint32
	TID    uint64 // tid.TID, stored as uint64 to avoid an import cycle
	EndTID uint64 // last TID covered, for KindInsert of a contiguous run
	Prev   Pointer
	NewTID uint64 // for KindUpdate: the new row's TID
}

// Log is an in-memory, append-only undo stream. It is safe for
// concurrent use.
type Log struct {
	mu      sync.Mutex
	records []Record
	// oldest is the pointer below which no open snapshot can still
	// need undo history; advanced explicitly by the caller (standing in
	// for the transaction manager's horizon computation).
	oldest uint64
}

// NewLog returns an empty undo log.
func NewLog() *Log {
	// Counter 0 is reserved to mean "no pointer", so records start at 1.
	return &Log{records: make([]Record, 0, 64)}
}

// Append writes rec and returns the pointer that now identifies it.
func (l *Log) Append(rec Record) Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return Pointer{Counter: uint64(len(l.records))}
}

// Lookup returns the record a pointer refers to.
func (l *Log) Lookup(p Pointer) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.Valid() || p.Counter > uint64(len(l.records)) {
		return Record{}, false
	}
	return l.records[p.Counter-1], true
}

// OldestUndoPtr returns the oldest pointer any open snapshot might still
// need to chase for visibility decisions. DEAD items whose own pointer
// is older than this are safe to physically prune.
func (l *Log) OldestUndoPtr() Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Pointer{Counter: l.oldest}
}

// AdvanceOldest raises the oldest-reachable horizon. It is the caller's
// (transaction manager's) job to compute a safe value; the log just
// remembers it. Advancing backwards is a no-op.
func (l *Log) AdvanceOldest(p Pointer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Counter > l.oldest {
		l.oldest = p.Counter
	}
}
