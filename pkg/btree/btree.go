// Package btree implements the per-attribute B+ tree core: descent
// tolerant of concurrent splits via Lehman-Yao right-links, a leaf
// scanner and point-fetch that decode Single/Array/Compressed items, a
// recompressor that rewrites a leaf's logical item list (splitting it
// across pages when it no longer fits), internal-page split and
// downlink maintenance, and the MVCC glue that wraps every write with
// an undo record before handing it to the mutator.
//
// This is a direct, generalized port of zedstore's zsbt_* routines
// (src/backend/access/zedstore/zedstore_btree.c in the PostgreSQL
// zedstore prototype): one B+ tree per attribute, keyed by a 48-bit
// logical tuple id rather than a user-visible column value. Locking
// order is child-before-parent, left-before-right throughout, matching
// zedstore's stated discipline.
package btree

import "errors"

var (
	// ErrFellOffEnd mirrors zsbt_descend's "fell off the end of btree":
	// a right-link traversal landed on an invalid block.
	ErrFellOffEnd = errors.New("btree: fell off the end of btree")
	// ErrLevelMismatch fires when a concurrent reshape changed a page's
	// level mid-descent.
	ErrLevelMismatch = errors.New("btree: unexpected level encountered when descending tree")
	// ErrDescendFailed means binary search on an internal page found no
	// separator <= the target key and no right-link to follow either --
	// structurally impossible unless the tree is corrupt.
	ErrDescendFailed = errors.New("btree: could not descend tree for tid")
	// ErrDownlinkNotFound mirrors "could not re-find downlink for block":
	// a parent's recorded downlink no longer matches the child it should.
	ErrDownlinkNotFound = errors.New("btree: could not re-find downlink for block")
	// ErrOldItemNotFound is fatal for mutation paths that asserted a TID
	// must already exist (replace_item's "could not find old item to
	// replace", and fetch-for-mutation call sites built on top of it).
	ErrOldItemNotFound = errors.New("btree: could not find old item")
	// ErrConcurrentUpdate mirrors zsbt_mark_old_updated's
	// "tuple concurrently updated - not implemented": an Update's phase 3
	// observed that another transaction changed the row between phases 2
	// and 3. No retry is attempted; see DESIGN.md's Open Question
	// decisions for why.
	ErrConcurrentUpdate = errors.New("btree: tuple concurrently updated - not implemented")
	// ErrLockDeleted / ErrLockUpdated mirror zsbt_lock_item's two
	// "cannot lock ..." checks.
	ErrLockDeleted = errors.New("btree: cannot lock a deleted tuple")
	ErrLockUpdated = errors.New("btree: cannot lock an updated tuple")
)
