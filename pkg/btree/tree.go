package btree

import (
	"zedtree/pkg/attrinfo"
	"zedtree/pkg/compress"
	"zedtree/pkg/config"
	"zedtree/pkg/item"
	"zedtree/pkg/meta"
	"zedtree/pkg/storage"
	"zedtree/pkg/tid"
	"zedtree/pkg/undo"
	"zedtree/pkg/visibility"
)

// Tree is one attribute's B+ tree: a backing file (via its buffer
// manager), the metapage wrapper that tracks its root, and the
// configuration/collaborators every descend/scan/mutate call needs.
// attNo is this attribute's logical column number, stamped into every
// undo record this tree writes -- distinct from storage.Opaque.AttNo,
// which (per meta.Store's one-file-per-attribute layout) carries the
// datum width instead, a convention this package follows rather than
// revisits.
type Tree struct {
	bm      *storage.BufferManager
	meta    *meta.Store
	attr    attrinfo.Descriptor
	attNo   int
	undoLog *undo.Log
	codec   compress.Codec
	algo    compress.Kind
	cfg     config.Config
}

// Open attaches to (creating if necessary) the backing file for one
// attribute's tree at path.
func Open(path string, attNo int, attr attrinfo.Descriptor, undoLog *undo.Log, algo compress.Kind, cfg config.Config) (*Tree, error) {
	bm, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	ms, err := meta.Open(bm, attr)
	if err != nil {
		bm.Close()
		return nil, err
	}
	codec, err := compress.NewCodec(algo)
	if err != nil {
		bm.Close()
		return nil, err
	}
	return &Tree{
		bm:      bm,
		meta:    ms,
		attr:    attr,
		attNo:   attNo,
		undoLog: undoLog,
		codec:   codec,
		algo:    algo,
		cfg:     cfg,
	}, nil
}

// Close flushes every dirty page and closes the backing file.
func (t *Tree) Close() error { return t.bm.Close() }

// Attr returns the descriptor this tree was opened with.
func (t *Tree) Attr() attrinfo.Descriptor { return t.attr }

// pageAttNo is the value stamped into a newly allocated page's
// Opaque.AttNo, matching meta.Store's existing convention of storing
// the attribute's datum width there.
func (t *Tree) pageAttNo() int16 { return t.attr.Len }

// release unlocks and unpins a buffer this package obtained via Pin or
// Allocate. Every exported mutation consumes the buffers it is handed
// by the time it returns; callers must not touch a block after passing
// it to a function documented as consuming it.
func (t *Tree) release(id storage.BlockID) {
	t.bm.Unlock(id, storage.LockExclusive)
	t.bm.Unpin(id)
}

// LastTID returns one past the last TID ever assigned in this tree (or
// the empty tree's lokey, tid.Min, if it holds no rows yet), grounded
// in zsbt_get_last_tid: descend with the largest assignable key, so the
// rightmost leaf is always the one returned, and read its last item's
// last TID. The key must be tid.Max, not tid.MaxPlusOne: the rightmost
// page at every level has hikey MaxPlusOne, and descending with a key
// equal to the hikey would walk off the end of the level.
func (t *Tree) LastTID() (tid.TID, error) {
	root, err := t.meta.GetRoot()
	if err != nil {
		return tid.Invalid, err
	}
	if root == storage.InvalidBlock {
		return tid.Min, nil
	}

	leaf, page, err := t.descend(root, tid.Max)
	if err != nil {
		return tid.Invalid, err
	}
	defer t.release(leaf)

	ip := storage.NewItemPage(page)
	n := ip.NItems()
	if n == 0 {
		return page.Opaque.Lokey, nil
	}
	raw, err := ip.ItemAt(n - 1)
	if err != nil {
		return tid.Invalid, err
	}
	it, err := item.Decode(raw)
	if err != nil {
		return tid.Invalid, err
	}
	return item.LastTID(it).Next(), nil
}

// isVisible applies the scan/fetch visibility policy shared by both
// read paths: a DEAD item is never visible to anyone (it has already
// been vacuumed away logically), regardless of snapshot; otherwise a
// nil snapshot means "see everything" and any other snapshot consults
// the undo log via visibility.Satisfies.
func isVisible(t *Tree, snap *visibility.Snapshot, it *item.Item) bool {
	if it.Flags.Has(item.FlagDead) {
		return false
	}
	if snap == nil {
		return true
	}
	rowGone := it.Flags.Has(item.FlagDeleted) || it.Flags.Has(item.FlagUpdated)
	return visibility.Satisfies(t.undoLog, *snap, it.Undo, rowGone)
}
