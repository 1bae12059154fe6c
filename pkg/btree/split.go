package btree

import (
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
)

// fitsInternal reports whether items would still fit on one internal
// page, via the same trial-SetItems approach recompressPage uses.
func fitsInternal(items []downlink) bool {
	raw := make([][]byte, len(items))
	for i, d := range items {
		raw[i] = encodeDownlink(d)
	}
	scratch := storage.NewPage(storage.PageKindInternal, 0, 0)
	return storage.NewItemPage(scratch).SetItems(raw) == nil
}

// insertDownlink installs a downlink for rightBlock (whose lowest key
// is rightLokey) into leftBlock's parent, right after leftBlock's own
// downlink -- zsbt_insert_downlink. leftBlock is consumed: it is always
// unlocked and unpinned by the time this returns. If leftBlock is the
// current root, a new root is created instead (there is no parent to
// insert into). If the parent has no room, it is split via
// splitInternalPage, which recurses back into insertDownlink one level
// up.
func (t *Tree) insertDownlink(leftBlock storage.BlockID, leftPage *storage.Page, rightLokey tid.TID, rightBlock storage.BlockID) error {
	leftLokey := leftPage.Opaque.Lokey
	leftLevel := leftPage.Opaque.Level

	root, err := t.meta.GetRoot()
	if err != nil {
		t.release(leftBlock)
		return err
	}
	if root == leftBlock {
		return t.newRoot(leftLevel+1, leftLokey, leftBlock, rightLokey, rightBlock, leftPage)
	}

	parentBlock, parentPage, itemIdx, err := t.findDownlink(leftLokey, leftBlock, int(leftLevel))
	if err != nil {
		t.release(leftBlock)
		return err
	}

	items := internalItems(parentPage)
	if itemIdx < 0 || items[itemIdx].Sep != leftLokey || items[itemIdx].Child != leftBlock {
		t.release(parentBlock)
		t.release(leftBlock)
		return ErrDownlinkNotFound
	}

	// The split that produced rightBlock is now fully reflected by a
	// downlink about to be installed; clear FOLLOW_RIGHT on the left
	// child and release it regardless of whether the parent itself
	// needs to split.
	leftPage.Opaque.Flags &^= storage.FlagFollowRight
	t.bm.MarkDirty(leftBlock)
	t.release(leftBlock)

	insertAt := itemIdx + 1
	newItems := make([]downlink, 0, len(items)+1)
	newItems = append(newItems, items[:insertAt]...)
	newItems = append(newItems, downlink{Sep: rightLokey, Child: rightBlock})
	newItems = append(newItems, items[insertAt:]...)

	if fitsInternal(newItems) {
		if err := setInternalItems(parentPage, newItems); err != nil {
			t.release(parentBlock)
			return err
		}
		t.bm.MarkDirty(parentBlock)
		t.release(parentBlock)
		return nil
	}

	return t.splitInternalPage(parentBlock, parentPage, items, insertAt, rightLokey, rightBlock)
}

// newRoot builds a fresh two-entry root page above blk1/blk2, matching
// zsbt_newroot, moves FlagRoot from blk1 to it, and repoints the
// metapage at it. Both blk1 and the new root are released by the time
// this returns.
func (t *Tree) newRoot(level uint16, key1 tid.TID, blk1 storage.BlockID, key2 tid.TID, blk2 storage.BlockID, leftPage *storage.Page) error {
	id, page, err := t.bm.Allocate(storage.PageKindInternal, level, t.pageAttNo())
	if err != nil {
		t.release(blk1)
		return err
	}
	page.Opaque.Lokey = tid.Min
	page.Opaque.Hikey = tid.MaxPlusOne
	page.Opaque.RightLink = storage.InvalidBlock
	page.Opaque.Flags |= storage.FlagRoot

	if err := setInternalItems(page, []downlink{{Sep: key1, Child: blk1}, {Sep: key2, Child: blk2}}); err != nil {
		t.release(id)
		t.release(blk1)
		return err
	}
	t.bm.MarkDirty(id)

	leftPage.Opaque.Flags &^= storage.FlagFollowRight | storage.FlagRoot
	t.bm.MarkDirty(blk1)

	if err := t.meta.UpdateRoot(id); err != nil {
		t.release(id)
		t.release(blk1)
		return err
	}

	t.release(blk1)
	t.release(id)
	return nil
}

// splitInternalPage divides an overflowing internal page 90/10 (per
// Config.SplitRatio), left-heavy by item count but positioned so the
// new entry at newOff lands on whichever side its key belongs on --
// zsbt_split_internal_page. origBlock is consumed via the recursive
// insertDownlink call that installs the new right page's downlink one
// level up.
func (t *Tree) splitInternalPage(origBlock storage.BlockID, origPage *storage.Page, origItems []downlink, newOff int, newKey tid.TID, newChildBlock storage.BlockID) error {
	n := len(origItems)
	ratio := t.cfg.SplitRatio
	if newOff < n {
		// The right-heavy ratio only pays off when the new entry lands
		// at the end of the key space; for an interior insertion split
		// evenly instead.
		ratio = 0.5
	}
	splitPoint := int(float64(n) * ratio)
	if splitPoint < 1 {
		splitPoint = 1
	}
	if splitPoint >= n {
		splitPoint = n - 1
	}
	splitTID := origItems[splitPoint].Sep
	newEntry := downlink{Sep: newKey, Child: newChildBlock}
	newItemOnLeft := newKey < splitTID

	leftItems := make([]downlink, 0, n+1)
	rightItems := make([]downlink, 0, n+1)
	for i := 0; i < n; i++ {
		if i == newOff {
			if newItemOnLeft {
				leftItems = append(leftItems, newEntry)
			} else {
				rightItems = append(rightItems, newEntry)
			}
		}
		if i < splitPoint {
			leftItems = append(leftItems, origItems[i])
		} else {
			rightItems = append(rightItems, origItems[i])
		}
	}
	if newOff >= n {
		rightItems = append(rightItems, newEntry)
	}

	rightBlock, rightPage, err := t.bm.Allocate(storage.PageKindInternal, origPage.Opaque.Level, t.pageAttNo())
	if err != nil {
		t.release(origBlock)
		return err
	}
	rightPage.Opaque.Lokey = splitTID
	rightPage.Opaque.Hikey = origPage.Opaque.Hikey
	rightPage.Opaque.RightLink = origPage.Opaque.RightLink
	if err := setInternalItems(rightPage, rightItems); err != nil {
		t.release(rightBlock)
		t.release(origBlock)
		return err
	}
	t.bm.MarkDirty(rightBlock)

	origPage.Opaque.RightLink = rightBlock
	origPage.Opaque.Hikey = splitTID
	origPage.Opaque.Flags |= storage.FlagFollowRight
	if err := setInternalItems(origPage, leftItems); err != nil {
		t.release(rightBlock)
		t.release(origBlock)
		return err
	}
	t.bm.MarkDirty(origBlock)
	t.release(rightBlock)

	return t.insertDownlink(origBlock, origPage, splitTID, rightBlock)
}
