package btree

import (
	"zedtree/pkg/compress"
	"zedtree/pkg/item"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
	"zedtree/pkg/undo"
)

// recompressPage accumulates one output page's worth of encoded items
// in memory before it is committed to a real buffer. fits/freeSpace
// answer their questions by trial-running storage.ItemPage.SetItems on
// a scratch page rather than duplicating its size accounting, the same
// "trial rather than estimate" approach compress.Batch itself takes.
type recompressPage struct {
	lokey, hikey tid.TID
	rawItems     [][]byte
}

func (p *recompressPage) fits(candidate []byte) bool {
	trial := append(append([][]byte(nil), p.rawItems...), candidate)
	scratch := storage.NewPage(storage.PageKindLeaf, 0, 0)
	return storage.NewItemPage(scratch).SetItems(trial) == nil
}

func (p *recompressPage) freeSpace() int {
	scratch := storage.NewPage(storage.PageKindLeaf, 0, 0)
	ip := storage.NewItemPage(scratch)
	_ = ip.SetItems(p.rawItems)
	return ip.FreeSpace()
}

// recompressor rewrites a leaf's logical item list into one or more
// physical pages, grounded in zsbt_recompress_replace and its
// zsbt_recompress_add_to_compressor/_add_to_page/_flush helpers: it
// runs a single compressor over the run of items between
// already-compressed ones, coalescing whatever fits into one
// Compressed item, and seals the current page and starts a new one
// whenever an item (compressed or not) no longer fits.
type recompressor struct {
	t     *Tree
	hikey tid.TID

	pages []*recompressPage

	batch       *compress.Batch
	batchActive bool
}

func newRecompressor(t *Tree, lokey, hikey tid.TID) *recompressor {
	r := &recompressor{
		t:     t,
		hikey: hikey,
		batch: compress.NewBatch(t.codec, t.algo),
	}
	r.pages = []*recompressPage{{lokey: lokey}}
	return r
}

func (r *recompressor) cur() *recompressPage { return r.pages[len(r.pages)-1] }

func (r *recompressor) sealCur(nextLokey tid.TID) {
	r.cur().hikey = nextLokey
	r.pages = append(r.pages, &recompressPage{lokey: nextLokey})
}

func (r *recompressor) addItem(it *item.Item) {
	enc := item.Encode(it)
	if len(r.cur().rawItems) > 0 && !r.cur().fits(enc) {
		r.sealCur(it.FirstTID)
	}
	r.cur().rawItems = append(r.cur().rawItems, enc)
}

func (r *recompressor) addToCompressor(it *item.Item) bool {
	if !r.batchActive {
		r.batch.Begin(r.cur().freeSpace())
		r.batchActive = true
	}
	return r.batch.Add(it)
}

func (r *recompressor) flush() error {
	if !r.batchActive || r.batch.Empty() {
		r.batchActive = false
		return nil
	}
	r.batchActive = false
	ci, err := r.batch.Finish()
	if err != nil {
		return err
	}
	r.addItem(ci)
	return nil
}

// add folds one logical item into the recompressor. DEAD items whose
// undo pointer is older than oldestUndo are dropped outright (the
// physical pruning half of vacuum); DEAD items not yet old enough flush
// any pending batch and are placed uncompressed, so a later
// recompression still sees them; already-Compressed items flush any
// pending batch and pass through untouched (invariant 6: never nest
// compressed items); everything else is offered to the running
// compressor, falling back to an uncompressed page item if even a
// freshly begun batch can't take it.
func (r *recompressor) add(it *item.Item, oldestUndo undo.Pointer) error {
	if it.Flags.Has(item.FlagDead) && it.Undo.Less(oldestUndo) {
		return nil
	}
	if it.Flags.Has(item.FlagDead) {
		if err := r.flush(); err != nil {
			return err
		}
		r.addItem(it)
		return nil
	}
	if it.Kind == item.KindCompressed {
		if err := r.flush(); err != nil {
			return err
		}
		r.addItem(it)
		return nil
	}
	if r.addToCompressor(it) {
		// MaxDatumSize caps how much raw payload one Compressed item
		// may hold, independent of remaining page space.
		if r.batch.RawLen() >= r.t.cfg.MaxDatumSize {
			return r.flush()
		}
		return nil
	}
	if !r.batch.Empty() {
		if err := r.flush(); err != nil {
			return err
		}
		if r.addToCompressor(it) {
			return nil
		}
	}
	r.batchActive = false
	r.addItem(it)
	return nil
}

// recompressReplace commits logical (the full, edited item list for a
// leaf) back to disk, rewriting it across one or more pages. oldBuf is
// consumed: by the time this returns (success or error) it has been
// unlocked and unpinned, whether or not it ended up holding any of the
// rewritten content. When the rewrite needs more than one page, new
// blocks are allocated for all of them up front (so a failed
// allocation never leaves a partial mutation on disk) and downlinks
// for every adjacent pair are installed via insertDownlink, which in
// turn consumes its left buffer -- mirroring zsbt_recompress_replace's
// own "allocate everything, then walk pairs installing downlinks"
// structure.
func recompressReplace(t *Tree, oldBuf storage.BlockID, oldPage *storage.Page, logical []*item.Item) error {
	r := newRecompressor(t, oldPage.Opaque.Lokey, oldPage.Opaque.Hikey)
	oldestUndo := t.undoLog.OldestUndoPtr()

	for _, it := range logical {
		if err := r.add(it, oldestUndo); err != nil {
			t.release(oldBuf)
			return err
		}
	}
	if err := r.flush(); err != nil {
		t.release(oldBuf)
		return err
	}
	r.cur().hikey = r.hikey

	blocks := make([]storage.BlockID, len(r.pages))
	pages := make([]*storage.Page, len(r.pages))
	blocks[0] = oldBuf
	pages[0] = oldPage
	for i := 1; i < len(r.pages); i++ {
		id, p, err := t.bm.Allocate(storage.PageKindLeaf, oldPage.Opaque.Level, t.pageAttNo())
		if err != nil {
			t.release(oldBuf)
			for j := 1; j < i; j++ {
				t.release(blocks[j])
			}
			return err
		}
		blocks[i] = id
		pages[i] = p
	}

	origNext := oldPage.Opaque.RightLink
	for i, rp := range r.pages {
		page := pages[i]
		page.Opaque.Lokey = rp.lokey
		page.Opaque.Hikey = rp.hikey
		page.Opaque.Level = oldPage.Opaque.Level
		page.Opaque.Kind = storage.PageKindLeaf
		if i+1 < len(r.pages) {
			page.Opaque.RightLink = blocks[i+1]
			page.Opaque.Flags |= storage.FlagFollowRight
		} else {
			page.Opaque.RightLink = origNext
			page.Opaque.Flags &^= storage.FlagFollowRight
		}
		if err := storage.NewItemPage(page).SetItems(rp.rawItems); err != nil {
			for _, b := range blocks {
				t.release(b)
			}
			return err
		}
		t.bm.MarkDirty(blocks[i])
	}

	if len(blocks) == 1 {
		t.release(blocks[0])
		return nil
	}

	for i := 0; i < len(blocks)-1; i++ {
		if err := t.insertDownlink(blocks[i], pages[i], pages[i+1].Opaque.Lokey, blocks[i+1]); err != nil {
			return err
		}
	}
	t.release(blocks[len(blocks)-1])
	return nil
}
