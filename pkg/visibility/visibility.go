// Package visibility is the narrow MVCC oracle the btree core consumes
// when it needs to decide whether a row version is visible to a given
// snapshot, or whether a concurrent update/delete conflicts with one.
// It stands in for the full transaction manager (out of scope here):
// just enough of a snapshot model to drive Satisfies/SatisfiesUpdate,
// grounded in the shape zsbt_* calls into (HeapTupleSatisfiesVisibility
// / HeapTupleSatisfiesUpdate) rather than in their implementation.
package visibility

import "zedtree/pkg/undo"

// Snapshot is the minimal state needed to answer a visibility question:
// XMin is the oldest transaction the snapshot still considers
// in-progress (anything strictly older committed before the snapshot
// was taken); XID/CID identify the calling transaction/command itself,
// so its own uncommitted writes are visible to later commands in the
// same transaction.
type Snapshot struct {
	XMin uint64
	XID  uint64
	CID  uint32
}

func xidVisible(snap Snapshot, xid uint64, cid uint32) bool {
	if xid == snap.XID {
		return cid <= snap.CID
	}
	return xid < snap.XMin
}

// Result mirrors PostgreSQL's TM_Result: the outcome of checking
// whether a row can be updated/deleted/locked under snap.
type Result uint8

const (
	TMOk Result = iota
	TMInvisible
	TMSelfModified
	TMUpdated
	TMDeleted
	TMBeingModified
)

func (r Result) String() string {
	switch r {
	case TMOk:
		return "ok"
	case TMInvisible:
		return "invisible"
	case TMSelfModified:
		return "self-modified"
	case TMUpdated:
		return "updated"
	case TMDeleted:
		return "deleted"
	case TMBeingModified:
		return "being-modified"
	default:
		return "unknown"
	}
}

// insertVisible walks back to the record that created this row version
// (following Prev through lock/update chains is the caller's job; this
// only interprets one KindInsert record) and decides whether the
// inserting transaction is visible to snap.
func insertVisible(snap Snapshot, rec undo.Record) bool {
	return xidVisible(snap, rec.XID, rec.CID)
}

// Satisfies reports whether the row version whose current undo pointer
// is ptr (and whose DEAD/DELETED/UPDATED status is carried in flags,
// interpreted by the caller from the item header) is visible to snap.
// rowGone is true when the item's flags mark it deleted or updated away
// (the caller passes this in rather than visibility depending on the
// item package, keeping the two decoupled).
func Satisfies(log *undo.Log, snap Snapshot, ptr undo.Pointer, rowGone bool) bool {
	if !rowGone {
		// The pointer may name a tuple-lock record rather than the
		// insert itself (locking rewrites the item's undo pointer
		// without changing the row); chase Prev until the insert.
		return insertVisibleChain(log, snap, ptr)
	}

	rec, ok := log.Lookup(ptr)
	if !ok {
		return false
	}
	switch rec.Kind {
	case undo.KindDelete, undo.KindUpdate:
		if xidVisible(snap, rec.XID, rec.CID) {
			// The deleting/updating transaction's effect is visible:
			// the row is gone as of snap.
			return false
		}
		// The delete/update isn't visible yet; the row's pre-image is
		// still visible if its original insert was.
		return insertVisibleChain(log, snap, rec.Prev)
	default:
		return insertVisibleChain(log, snap, ptr)
	}
}

func insertVisibleChain(log *undo.Log, snap Snapshot, ptr undo.Pointer) bool {
	rec, ok := log.Lookup(ptr)
	if !ok {
		return true
	}
	if rec.Kind == undo.KindInsert {
		return insertVisible(snap, rec)
	}
	return insertVisibleChain(log, snap, rec.Prev)
}

// SatisfiesUpdate decides whether the row at ptr can be updated,
// deleted or locked by snap's transaction. keepOldUndoPtr tells the
// caller whether the new undo record it writes should chain back to
// ptr (true) or start a fresh chain (false); every call site in this
// package returns true, mirroring zedstore, where no path
// ever discards undo history on an update/delete/lock.
func SatisfiesUpdate(log *undo.Log, snap Snapshot, ptr undo.Pointer, rowGone bool) (Result, bool) {
	const keepOldUndoPtr = true

	// Only a row whose insert snap cannot see is Invisible; a row whose
	// delete/update snap can see is reported as Deleted/Updated below.
	if !insertVisibleChain(log, snap, ptr) {
		return TMInvisible, keepOldUndoPtr
	}
	if !rowGone {
		return TMOk, keepOldUndoPtr
	}

	rec, ok := log.Lookup(ptr)
	if !ok {
		return TMOk, keepOldUndoPtr
	}
	switch rec.Kind {
	case undo.KindDelete:
		if rec.XID == snap.XID {
			return TMSelfModified, keepOldUndoPtr
		}
		if xidVisible(snap, rec.XID, rec.CID) {
			return TMDeleted, keepOldUndoPtr
		}
		return TMBeingModified, keepOldUndoPtr
	case undo.KindUpdate:
		if rec.XID == snap.XID {
			return TMSelfModified, keepOldUndoPtr
		}
		if xidVisible(snap, rec.XID, rec.CID) {
			return TMUpdated, keepOldUndoPtr
		}
		return TMBeingModified, keepOldUndoPtr
	default:
		return TMOk, keepOldUndoPtr
	}
}
