package btree

import (
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
)

// descend walks from root down to the leaf that should hold key,
// taking an EXCLUSIVE lock on every page along the path and releasing
// the parent before locking the child (crab locking, child-before-
// parent order). It follows a page's right-link whenever key has
// moved past that page's hikey -- the sign a concurrent split hasn't
// had its downlink installed in the parent yet -- exactly as
// zsbt_descend does; zedstore locks exclusive throughout too (its own
// TODO admits the shared-lock version was never written).
// The returned leaf is left pinned and exclusively locked; callers
// must release it (directly, or by handing it to a function documented
// as consuming it).
func (t *Tree) descend(root storage.BlockID, key tid.TID) (storage.BlockID, *storage.Page, error) {
	next := root
	wantLevel := -1

	for {
		page, err := t.bm.Pin(next)
		if err != nil {
			return 0, nil, err
		}
		t.bm.Lock(next, storage.LockExclusive)

		if wantLevel == -1 {
			wantLevel = int(page.Opaque.Level)
		} else if int(page.Opaque.Level) != wantLevel {
			t.release(next)
			return 0, nil, ErrLevelMismatch
		}

		// The hikey check must come before the leaf check: a leaf whose
		// split hasn't been parented yet (FOLLOW_RIGHT) covers less of
		// the key space than its parent's downlink claims, and the only
		// way to the moved keys is its right-link.
		if key >= page.Opaque.Hikey {
			right := page.Opaque.RightLink
			t.release(next)
			if right == storage.InvalidBlock {
				return 0, nil, ErrFellOffEnd
			}
			next = right
			continue
		}

		if page.Opaque.Level == 0 {
			return next, page, nil
		}

		items := internalItems(page)
		idx := binsrchInternal(key, items)
		if idx < 0 {
			t.release(next)
			return 0, nil, ErrDescendFailed
		}
		child := items[idx].Child
		wantLevel--
		t.release(next)
		next = child
	}
}

// findDownlink locates childBlk's downlink entry in its parent: it
// descends exactly like descend, but stops one level above childLevel
// and validates that the entry it finds really does point at childBlk
// (zsbt_find_downlink's "could not re-find downlink" sanity check).
// When childBlk is the current root, there is no parent to find; this
// returns (InvalidBlock, nil, -1, nil), matching zsbt_find_downlink's
// InvalidBuffer-for-root-child case. The returned parent page, when
// found, is left pinned and exclusively locked.
func (t *Tree) findDownlink(key tid.TID, childBlk storage.BlockID, childLevel int) (storage.BlockID, *storage.Page, int, error) {
	root, err := t.meta.GetRoot()
	if err != nil {
		return 0, nil, -1, err
	}
	if root == childBlk {
		return storage.InvalidBlock, nil, -1, nil
	}

	next := root
	wantLevel := -1

	for {
		page, err := t.bm.Pin(next)
		if err != nil {
			return 0, nil, -1, err
		}
		t.bm.Lock(next, storage.LockExclusive)

		if wantLevel == -1 {
			wantLevel = int(page.Opaque.Level)
		} else if int(page.Opaque.Level) != wantLevel {
			t.release(next)
			return 0, nil, -1, ErrLevelMismatch
		}
		if int(page.Opaque.Level) <= childLevel {
			t.release(next)
			return 0, nil, -1, ErrLevelMismatch
		}

		if key >= page.Opaque.Hikey {
			right := page.Opaque.RightLink
			t.release(next)
			if right == storage.InvalidBlock {
				return 0, nil, -1, ErrFellOffEnd
			}
			next = right
			continue
		}

		items := internalItems(page)
		idx := binsrchInternal(key, items)
		if idx < 0 {
			t.release(next)
			return 0, nil, -1, ErrDescendFailed
		}

		if int(page.Opaque.Level) == childLevel+1 {
			if items[idx].Child != childBlk {
				t.release(next)
				return 0, nil, -1, ErrDownlinkNotFound
			}
			return next, page, idx, nil
		}

		child := items[idx].Child
		wantLevel--
		t.release(next)
		next = child
	}
}
