package btree

import (
	"zedtree/pkg/compress"
	"zedtree/pkg/item"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
	"zedtree/pkg/visibility"
)

// Scanner produces (tid, value, isnull) triples in ascending TID order
// starting at some point, decoding Single/Array/Compressed items and
// chasing right-links across leaves as needed. This is a direct port
// of zsbt_scan_next's state machine: mid-array iteration takes
// priority over pulling the next item from an open decompressor, which
// in turn takes priority over reading the next item off the current
// leaf page.
type Scanner struct {
	t    *Tree
	snap *visibility.Snapshot

	active     bool
	lastBuf    storage.BlockID
	lastPage   *storage.Page
	bufLocked  bool
	offset     int
	nextTID    tid.TID
	reader     *compress.Reader

	arrayItem         *item.Item
	arrayNextTID      tid.TID
	arrayElementsLeft int
}

// BeginScan opens a Scanner positioned at the first TID >= start. snap
// may be nil, meaning every non-DEAD item is visible regardless of
// undo history (used by vacuum-adjacent tooling, not ordinary reads).
func (t *Tree) BeginScan(start tid.TID, snap *visibility.Snapshot) (*Scanner, error) {
	root, err := t.meta.GetRoot()
	if err != nil {
		return nil, err
	}
	if root == storage.InvalidBlock {
		return &Scanner{t: t, active: false}, nil
	}

	leaf, page, err := t.descend(root, start)
	if err != nil {
		return nil, err
	}
	// zsbt_begin_scan locks just long enough to find the starting leaf,
	// then releases the lock but keeps the pin for the scan's duration.
	t.bm.Unlock(leaf, storage.LockExclusive)

	return &Scanner{
		t:        t,
		snap:     snap,
		active:   true,
		lastBuf:  leaf,
		lastPage: page,
		nextTID:  start,
	}, nil
}

func (s *Scanner) visible(it *item.Item) bool { return isVisible(s.t, s.snap, it) }

// installArray makes it the scanner's current array item and fast
// forwards past any elements before s.nextTID (needed the first time a
// scan lands mid-array after a BeginScan at an arbitrary TID).
func (s *Scanner) installArray(it *item.Item) {
	s.arrayItem = it
	next := it.FirstTID
	left := it.NElements
	for next < s.nextTID && left > 0 {
		next = next.Next()
		left--
	}
	s.arrayNextTID = next
	s.arrayElementsLeft = left
	s.nextTID = next
}

// Next returns the next visible (tid, value, isnull) triple, or ok ==
// false once the scan is exhausted.
func (s *Scanner) Next() (out tid.TID, value []byte, isnull bool, ok bool, err error) {
	if !s.active {
		return 0, nil, false, false, nil
	}

	for {
		if s.arrayElementsLeft > 0 {
			idx := int(s.arrayNextTID - s.arrayItem.FirstTID)
			val, null := item.ElementAt(s.t.attr, s.arrayItem, idx)
			out = s.arrayNextTID
			s.arrayNextTID = s.arrayNextTID.Next()
			s.nextTID = s.arrayNextTID
			s.arrayElementsLeft--
			return out, val, null, true, nil
		}

		if s.reader != nil {
			inner, rerr := s.reader.Next()
			if rerr != nil {
				return 0, nil, false, false, rerr
			}
			if inner == nil {
				s.reader = nil
				continue
			}
			if inner.Kind == item.KindCompressed {
				return 0, nil, false, false, item.ErrNestedCompressed
			}
			last := item.LastTID(inner)
			if last < s.nextTID {
				continue
			}
			if !s.visible(inner) {
				s.nextTID = last.Next()
				continue
			}
			if inner.Kind == item.KindArray {
				s.installArray(inner)
				continue
			}
			val, null := item.Value(s.t.attr, inner)
			s.nextTID = inner.FirstTID.Next()
			return inner.FirstTID, val, null, true, nil
		}

		if !s.bufLocked {
			t := s.t
			t.bm.Lock(s.lastBuf, storage.LockShare)
			s.bufLocked = true
		}

		ip := storage.NewItemPage(s.lastPage)
		n := ip.NItems()
		advanced := false
		for s.offset < n {
			raw, rerr := ip.ItemAt(s.offset)
			s.offset++
			if rerr != nil {
				return 0, nil, false, false, rerr
			}
			it, derr := item.Decode(raw)
			if derr != nil {
				return 0, nil, false, false, derr
			}
			last := item.LastTID(it)
			if last < s.nextTID {
				continue
			}

			if it.Kind == item.KindCompressed {
				reader, oerr := compress.Open(s.t.codec, it)
				if oerr != nil {
					return 0, nil, false, false, oerr
				}
				s.reader = reader
				s.t.bm.Unlock(s.lastBuf, storage.LockShare)
				s.bufLocked = false
				advanced = true
				break
			}

			if !s.visible(it) {
				s.nextTID = last.Next()
				continue
			}

			if it.Kind == item.KindArray {
				// Copy the item, because the page lock can't be held
				// while the array drains across Next calls.
				s.installArray(item.Clone(it))
				s.t.bm.Unlock(s.lastBuf, storage.LockShare)
				s.bufLocked = false
				advanced = true
				break
			}

			val, null := item.Value(s.t.attr, it)
			out = it.FirstTID
			s.nextTID = it.FirstTID.Next()
			s.t.bm.Unlock(s.lastBuf, storage.LockShare)
			s.bufLocked = false
			return out, val, null, true, nil
		}
		if advanced {
			continue
		}

		right := s.lastPage.Opaque.RightLink
		if s.bufLocked {
			s.t.bm.Unlock(s.lastBuf, storage.LockShare)
			s.bufLocked = false
		}
		s.t.bm.Unpin(s.lastBuf)
		if right == storage.InvalidBlock {
			s.active = false
			return 0, nil, false, false, nil
		}
		page, perr := s.t.bm.Pin(right)
		if perr != nil {
			return 0, nil, false, false, perr
		}
		s.lastBuf = right
		s.lastPage = page
		s.offset = 0
	}
}

// Close releases whatever buffer the scan is currently holding.
func (s *Scanner) Close() {
	if !s.active {
		return
	}
	if s.bufLocked {
		s.t.bm.Unlock(s.lastBuf, storage.LockShare)
	}
	s.t.bm.Unpin(s.lastBuf)
	s.active = false
}
