package btree

import (
	"fmt"

	"zedtree/pkg/compress"
	"zedtree/pkg/item"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
)

// spliceItem folds one already-decoded, non-Compressed item (either a
// leaf-level item or one pulled out of a decompressed Compressed item)
// into the logical list being rebuilt, applying the edit at oldTID if
// it covers it: an Array item covering oldTID is split into
// prefix/replacement/suffix via item.SplitArrayAt, a Single item at
// exactly oldTID is replaced outright, and anything else is kept as
// is. Reports whether oldTID was found here.
func spliceItem(t *Tree, logical []*item.Item, it *item.Item, oldTID tid.TID, hasOld bool, replacement *item.Item) ([]*item.Item, bool) {
	last := item.LastTID(it)
	if !hasOld || it.FirstTID > oldTID || oldTID > last {
		return append(logical, item.Clone(it)), false
	}
	if it.Kind == item.KindArray {
		prefix, _, _, suffix := item.SplitArrayAt(t.attr, it, oldTID)
		if prefix != nil {
			logical = append(logical, prefix)
		}
		if replacement != nil {
			logical = append(logical, replacement)
		}
		if suffix != nil {
			logical = append(logical, suffix)
		}
		return logical, true
	}
	if replacement != nil {
		logical = append(logical, replacement)
	}
	return logical, true
}

// replaceItem rebuilds a leaf's logical item list: the item at oldTID
// (when oldTID.Valid()) is replaced by replacement (or dropped, if
// replacement is nil), newItems are appended at the tail, and the
// whole list is handed to recompressReplace. This is zsbt_replace_item,
// generalized: a Compressed item whose range covers oldTID is
// decompressed inline and its inner items spliced individually, so the
// edit is always applied to a concrete Single/Array item rather than
// to opaque compressed bytes.
//
// leafBlock/leafPage are consumed: by the time this returns (success or
// error) they have been fully released, via recompressReplace.
func replaceItem(t *Tree, leafBlock storage.BlockID, leafPage *storage.Page, oldTID tid.TID, replacement *item.Item, newItems []*item.Item) error {
	hasOld := oldTID.Valid()
	if hasOld && replacement != nil && replacement.FirstTID != oldTID {
		t.release(leafBlock)
		return fmt.Errorf("btree: replaceItem: replacement TID %v does not match old TID %v", replacement.FirstTID, oldTID)
	}

	ip := storage.NewItemPage(leafPage)
	n := ip.NItems()

	var logical []*item.Item
	foundOld := false

	for i := 0; i < n; i++ {
		raw, rerr := ip.ItemAt(i)
		if rerr != nil {
			t.release(leafBlock)
			return rerr
		}
		it, derr := item.Decode(raw)
		if derr != nil {
			t.release(leafBlock)
			return derr
		}

		if it.Kind == item.KindCompressed {
			last := item.LastTID(it)
			if !hasOld || it.FirstTID > oldTID || oldTID > last {
				logical = append(logical, item.Clone(it))
				continue
			}
			reader, oerr := compress.Open(t.codec, it)
			if oerr != nil {
				t.release(leafBlock)
				return oerr
			}
			for {
				inner, ierr := reader.Next()
				if ierr != nil {
					t.release(leafBlock)
					return ierr
				}
				if inner == nil {
					break
				}
				if inner.Kind == item.KindCompressed {
					t.release(leafBlock)
					return item.ErrNestedCompressed
				}
				var found bool
				logical, found = spliceItem(t, logical, inner, oldTID, hasOld, replacement)
				if found {
					foundOld = true
				}
			}
			continue
		}

		var found bool
		logical, found = spliceItem(t, logical, it, oldTID, hasOld, replacement)
		if found {
			foundOld = true
		}
	}

	if hasOld && !foundOld {
		t.release(leafBlock)
		return ErrOldItemNotFound
	}

	logical = append(logical, newItems...)
	return recompressReplace(t, leafBlock, leafPage, logical)
}
