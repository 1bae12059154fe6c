package btree

import (
	"errors"

	"zedtree/pkg/item"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
	"zedtree/pkg/undo"
	"zedtree/pkg/visibility"
)

// Insert assigns TIDs (whenever tids[i] is tid.Invalid on entry) and
// writes len(values) new rows in one batch, sharing a single insert
// undo record that covers the whole assigned range -- zsbt_multi_insert.
// Same-nullness, TID-contiguous runs of values are coalesced into Array
// items up to Config.ArrayCoalescingQuota bytes before being handed to
// the mutator, mirroring zsbt_multi_insert's inner batching loop.
// tids is both read (for caller-supplied TIDs) and written (with
// assigned TIDs) in place, and is also returned for convenience.
func (t *Tree) Insert(values [][]byte, isnull []bool, tids []tid.TID, xid uint64, cid uint32) ([]tid.TID, error) {
	n := len(values)
	if n != len(isnull) || n != len(tids) {
		return nil, errors.New("btree: Insert: values/isnull/tids length mismatch")
	}
	if n == 0 {
		return tids, nil
	}

	// tid.Max, not MaxPlusOne: the rightmost page at each level has
	// hikey MaxPlusOne, and a descent key equal to a page's hikey walks
	// right off the end of the level.
	assignTIDs := !tids[0].Valid()
	target := tids[0]
	if assignTIDs {
		target = tid.Max
	}

	root, err := t.meta.GetRoot()
	if err != nil {
		return nil, err
	}
	if root == storage.InvalidBlock {
		return nil, errors.New("btree: Insert: tree has no root")
	}

	leaf, leafPage, err := t.descend(root, target)
	if err != nil {
		return nil, err
	}

	if assignTIDs {
		ip := storage.NewItemPage(leafPage)
		cnt := ip.NItems()
		next := leafPage.Opaque.Lokey
		if cnt > 0 {
			raw, rerr := ip.ItemAt(cnt - 1)
			if rerr != nil {
				t.release(leaf)
				return nil, rerr
			}
			last, derr := item.Decode(raw)
			if derr != nil {
				t.release(leaf)
				return nil, derr
			}
			next = item.LastTID(last).Next()
		}
		for i := range tids {
			tids[i] = next
			next = next.Next()
		}
	}

	undoPtr := t.undoLog.Append(undo.Record{
		Kind:   undo.KindInsert,
		AttNo:  t.attNo,
		XID:    xid,
		CID:    cid,
		TID:    uint64(tids[0]),
		EndTID: uint64(tids[n-1]),
	})

	newItems := t.batchInsertItems(values, isnull, tids, undoPtr)

	if err := replaceItem(t, leaf, leafPage, tid.Invalid, nil, newItems); err != nil {
		return nil, err
	}
	return tids, nil
}

// batchInsertItems coalesces a run of same-nullness, TID-contiguous
// values into Array items bounded by Config.ArrayCoalescingQuota,
// exactly as zsbt_multi_insert's inner loop does before calling
// zsbt_create_item.
func (t *Tree) batchInsertItems(values [][]byte, isnull []bool, tids []tid.TID, undoPtr undo.Pointer) []*item.Item {
	var out []*item.Item
	i := 0
	for i < len(values) {
		size := item.EncodedElementSize(t.attr, isnull[i], values[i])
		j := i + 1
		for j < len(values) && size < t.cfg.ArrayCoalescingQuota {
			if isnull[j] != isnull[i] || tids[j] != tids[j-1].Next() {
				break
			}
			size += item.EncodedElementSize(t.attr, isnull[j], values[j])
			j++
		}
		out = append(out, item.CreateItem(t.attr, tids[i], undoPtr, values[i:j], isnull[i]))
		i = j
	}
	return out
}

func rowGoneFlags(it *item.Item) bool {
	return it.Flags.Has(item.FlagDeleted) || it.Flags.Has(item.FlagUpdated)
}

func undoPrevFor(keepOldUndoPtr bool, old undo.Pointer) undo.Pointer {
	if keepOldUndoPtr {
		return old
	}
	return undo.Pointer{}
}

// Delete marks target deleted under snap, writing a delete undo record
// chained to the row's prior undo pointer (zsbt_delete). The returned
// Result is TMOk on success; any other value means the row was not
// deleted (already gone, or concurrently touched) and no undo record
// was written. A row snap cannot see at all yields ErrOldItemNotFound.
func (t *Tree) Delete(target tid.TID, snap visibility.Snapshot, xid uint64, cid uint32) (visibility.Result, error) {
	found, leaf, leafPage, ok, err := fetch(t, &snap, target)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrOldItemNotFound
	}

	result, keepOldUndoPtr := visibility.SatisfiesUpdate(t.undoLog, snap, found.Undo, rowGoneFlags(found))
	if result != visibility.TMOk {
		t.release(leaf)
		return result, nil
	}

	undoPtr := t.undoLog.Append(undo.Record{
		Kind:  undo.KindDelete,
		AttNo: t.attNo,
		XID:   xid,
		CID:   cid,
		TID:   uint64(target),
		Prev:  undoPrevFor(keepOldUndoPtr, found.Undo),
	})

	replacement := item.Clone(found)
	replacement.Flags |= item.FlagDeleted
	replacement.Undo = undoPtr

	if err := replaceItem(t, leaf, leafPage, target, replacement, nil); err != nil {
		return 0, err
	}
	return visibility.TMOk, nil
}

// Update writes a new row version and marks the old one updated, in
// three phases matching zsbt_update: (1) check the old row is visible
// and updatable (no separate lock is taken -- see DESIGN.md's Open
// Question decision on tuple locking), (2) insert the new value as an
// independent row via Insert, (3) re-fetch the old row and mark it
// UPDATED, chaining to newTID. If the old row was concurrently changed
// between phases 1 and 3, this returns ErrConcurrentUpdate rather than
// retrying, mirroring zsbt_update's unimplemented retry path.
func (t *Tree) Update(oldTID tid.TID, newValue []byte, newIsNull bool, snap visibility.Snapshot, xid uint64, cid uint32) (tid.TID, visibility.Result, error) {
	found, leaf, _, ok, err := fetch(t, &snap, oldTID)
	if err != nil {
		return tid.Invalid, 0, err
	}
	if !ok {
		return tid.Invalid, 0, ErrOldItemNotFound
	}
	result, _ := visibility.SatisfiesUpdate(t.undoLog, snap, found.Undo, rowGoneFlags(found))
	t.release(leaf)
	if result != visibility.TMOk {
		return tid.Invalid, result, nil
	}

	newTIDs, err := t.Insert([][]byte{newValue}, []bool{newIsNull}, []tid.TID{tid.Invalid}, xid, cid)
	if err != nil {
		return tid.Invalid, 0, err
	}
	newTID := newTIDs[0]

	found2, leaf2, leafPage2, ok2, err := fetch(t, &snap, oldTID)
	if err != nil {
		return tid.Invalid, 0, err
	}
	if !ok2 {
		return tid.Invalid, 0, ErrOldItemNotFound
	}
	result2, keepOldUndoPtr := visibility.SatisfiesUpdate(t.undoLog, snap, found2.Undo, rowGoneFlags(found2))
	if result2 != visibility.TMOk {
		t.release(leaf2)
		return tid.Invalid, 0, ErrConcurrentUpdate
	}

	undoPtr := t.undoLog.Append(undo.Record{
		Kind:   undo.KindUpdate,
		AttNo:  t.attNo,
		XID:    xid,
		CID:    cid,
		TID:    uint64(oldTID),
		Prev:   undoPrevFor(keepOldUndoPtr, found2.Undo),
		NewTID: uint64(newTID),
	})

	replacement := item.Clone(found2)
	replacement.Flags |= item.FlagUpdated
	replacement.Undo = undoPtr

	if err := replaceItem(t, leaf2, leafPage2, oldTID, replacement, nil); err != nil {
		return tid.Invalid, 0, err
	}
	return newTID, visibility.TMOk, nil
}

// Lock rewrites target's undo pointer to a fresh tuple-lock record
// without changing its value, so a concurrent Update/Delete can detect
// the lock by following the undo chain (zsbt_lock_item). It refuses to
// lock a row already marked deleted or updated away.
func (t *Tree) Lock(target tid.TID, snap visibility.Snapshot, xid uint64, cid uint32) (visibility.Result, error) {
	found, leaf, leafPage, ok, err := fetch(t, &snap, target)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrOldItemNotFound
	}

	result, keepOldUndoPtr := visibility.SatisfiesUpdate(t.undoLog, snap, found.Undo, rowGoneFlags(found))
	if result != visibility.TMOk {
		t.release(leaf)
		return result, nil
	}
	if found.Flags.Has(item.FlagDeleted) {
		t.release(leaf)
		return 0, ErrLockDeleted
	}
	if found.Flags.Has(item.FlagUpdated) {
		t.release(leaf)
		return 0, ErrLockUpdated
	}

	undoPtr := t.undoLog.Append(undo.Record{
		Kind:  undo.KindTupleLock,
		AttNo: t.attNo,
		XID:   xid,
		CID:   cid,
		TID:   uint64(target),
		Prev:  undoPrevFor(keepOldUndoPtr, found.Undo),
	})

	replacement := item.Clone(found)
	replacement.Undo = undoPtr

	if err := replaceItem(t, leaf, leafPage, target, replacement, nil); err != nil {
		return 0, err
	}
	return visibility.TMOk, nil
}

// MarkDead replaces target with a minimal DEAD Single item carrying
// undoPtr, the last step of vacuuming a row the transaction manager has
// determined no snapshot can ever see again -- zsbt_mark_item_dead.
// It is idempotent (already-DEAD items are left alone) and a no-op,
// not an error, if target no longer exists at all.
func (t *Tree) MarkDead(target tid.TID, undoPtr undo.Pointer) error {
	found, leaf, leafPage, ok, err := fetch(t, nil, target)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if found.Flags.Has(item.FlagDead) {
		t.release(leaf)
		return nil
	}

	dead := &item.Item{
		Kind:      item.KindSingle,
		FirstTID:  target,
		Flags:     item.FlagDead,
		Undo:      undoPtr,
		NElements: 1,
	}

	return replaceItem(t, leaf, leafPage, target, dead, nil)
}
