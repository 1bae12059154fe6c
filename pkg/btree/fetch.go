package btree

import (
	"zedtree/pkg/attrinfo"
	"zedtree/pkg/compress"
	"zedtree/pkg/item"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
	"zedtree/pkg/visibility"
)

// materializeAt turns whatever item covers target into a standalone
// Single item at exactly that TID: an Array's covering element is
// copied out via ElementAt and repacked with item.CreateItem (so the
// varlen header convention stays consistent with every other Single
// this package produces), carrying over any DELETED/UPDATED/DEAD bits
// the source item had. A Single item is simply cloned.
func materializeAt(attr attrinfo.Descriptor, it *item.Item, target tid.TID) *item.Item {
	if it.Kind != item.KindArray {
		return item.Clone(it)
	}
	idx := int(target - it.FirstTID)
	val, isnull := item.ElementAt(attr, it, idx)
	var values [][]byte
	if !isnull {
		values = [][]byte{val}
	}
	out := item.CreateItem(attr, target, it.Undo, values, isnull)
	out.Flags |= it.Flags &^ (item.FlagArray | item.FlagNull)
	return out
}

// fetch locates the item covering target, descending and scanning the
// leaf exactly as zsbt_fetch does: Compressed items are decompressed
// and searched item-by-item, Array items are narrowed to their
// covering element. When snap is non-nil, an invisible result is
// treated the same as "not found". On success the leaf buffer is
// returned pinned and exclusively locked, ready to be handed to
// replaceItem by a caller that wants to mutate it atomically; on
// failure (or error) the buffer is fully released before returning.
func fetch(t *Tree, snap *visibility.Snapshot, target tid.TID) (*item.Item, storage.BlockID, *storage.Page, bool, error) {
	root, err := t.meta.GetRoot()
	if err != nil {
		return nil, 0, nil, false, err
	}
	if root == storage.InvalidBlock {
		return nil, 0, nil, false, nil
	}

	leaf, page, err := t.descend(root, target)
	if err != nil {
		return nil, 0, nil, false, err
	}

	ip := storage.NewItemPage(page)
	n := ip.NItems()

	var found *item.Item
	for i := 0; i < n; i++ {
		raw, rerr := ip.ItemAt(i)
		if rerr != nil {
			t.release(leaf)
			return nil, 0, nil, false, rerr
		}
		it, derr := item.Decode(raw)
		if derr != nil {
			t.release(leaf)
			return nil, 0, nil, false, derr
		}
		if !item.Covers(it, target) {
			continue
		}

		if it.Kind == item.KindCompressed {
			reader, oerr := compress.Open(t.codec, it)
			if oerr != nil {
				t.release(leaf)
				return nil, 0, nil, false, oerr
			}
			for {
				inner, ierr := reader.Next()
				if ierr != nil {
					t.release(leaf)
					return nil, 0, nil, false, ierr
				}
				if inner == nil {
					break
				}
				if item.Covers(inner, target) {
					found = materializeAt(t.attr, inner, target)
					break
				}
			}
		} else {
			found = materializeAt(t.attr, it, target)
		}
		break
	}

	if found == nil {
		t.release(leaf)
		return nil, 0, nil, false, nil
	}
	if !isVisible(t, snap, found) {
		t.release(leaf)
		return nil, 0, nil, false, nil
	}
	return found, leaf, page, true, nil
}

// FetchTID is the read-only wrapper over fetch exposed to callers that
// just want a value, not a lock to mutate under.
func (t *Tree) FetchTID(snap *visibility.Snapshot, target tid.TID) (*item.Item, bool, error) {
	it, leaf, _, ok, err := fetch(t, snap, target)
	if err != nil || !ok {
		return nil, false, err
	}
	t.release(leaf)
	return it, true, nil
}
