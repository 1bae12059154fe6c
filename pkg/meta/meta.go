// Package meta implements the per-attribute metapage: block 0 of every
// attribute's backing file, holding the attribute's datum descriptor
// and the current root block of its B+ tree. This is the minimal
// analogue of zedstore's attribute metapage/array -- here each
// attribute gets its own file, so there is exactly one metapage rather
// than a shared metapage with one directory entry per attribute.
package meta

import (
	"encoding/binary"
	"errors"

	"zedtree/pkg/attrinfo"
	"zedtree/pkg/storage"
)

const metaBlock storage.BlockID = 0

// ErrDescriptorMismatch is returned when a tree is reopened with a
// different attribute shape than it was created with.
var ErrDescriptorMismatch = errors.New("meta: attribute descriptor does not match stored metapage")

// Store is the get_root/update_root service the btree core consumes.
type Store struct {
	bm   *storage.BufferManager
	attr attrinfo.Descriptor
}

func putDescriptor(buf []byte, root storage.BlockID, attr attrinfo.Descriptor) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(root))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(attr.Len))
	if attr.ByVal {
		buf[6] = 1
	} else {
		buf[6] = 0
	}
}

func getDescriptor(buf []byte) (storage.BlockID, attrinfo.Descriptor) {
	root := storage.BlockID(binary.LittleEndian.Uint32(buf[0:4]))
	attr := attrinfo.Descriptor{
		Len:   int16(binary.LittleEndian.Uint16(buf[4:6])),
		ByVal: buf[6] != 0,
	}
	return root, attr
}

// Open attaches to an attribute's metapage, creating both the
// metapage and an empty root leaf if the backing file was empty.
func Open(bm *storage.BufferManager, attr attrinfo.Descriptor) (*Store, error) {
	s := &Store{bm: bm, attr: attr}

	if bm.Empty() {
		// Fresh file: block 0 becomes the metapage, block 1 an empty
		// root leaf.
		metaID, metaPage, err := bm.Allocate(storage.PageKindLeaf, 0, attr.Len)
		if err != nil {
			return nil, err
		}
		if metaID != metaBlock {
			return nil, errors.New("meta: metapage must be block 0")
		}

		rootID, rootPage, err := bm.Allocate(storage.PageKindLeaf, 0, attr.Len)
		if err != nil {
			return nil, err
		}
		rootPage.Opaque.Flags |= storage.FlagRoot
		bm.MarkDirty(rootID)
		bm.Unlock(rootID, storage.LockExclusive)
		bm.Unpin(rootID)

		putDescriptor(metaPage.Data[:], rootID, attr)
		bm.MarkDirty(metaID)
		bm.Unlock(metaID, storage.LockExclusive)
		bm.Unpin(metaID)

		if err := bm.Flush(rootID); err != nil {
			return nil, err
		}
		if err := bm.Flush(metaID); err != nil {
			return nil, err
		}
		return s, nil
	}

	page, err := bm.Pin(metaBlock)
	if err != nil {
		return nil, err
	}
	defer bm.Unpin(metaBlock)
	bm.Lock(metaBlock, storage.LockShare)
	defer bm.Unlock(metaBlock, storage.LockShare)

	_, stored := getDescriptor(page.Data[:])
	if stored.Len != attr.Len || stored.ByVal != attr.ByVal {
		return nil, ErrDescriptorMismatch
	}
	return s, nil
}

// GetRoot returns the tree's current root block.
func (s *Store) GetRoot() (storage.BlockID, error) {
	page, err := s.bm.Pin(metaBlock)
	if err != nil {
		return storage.InvalidBlock, err
	}
	defer s.bm.Unpin(metaBlock)
	s.bm.Lock(metaBlock, storage.LockShare)
	defer s.bm.Unlock(metaBlock, storage.LockShare)

	root, _ := getDescriptor(page.Data[:])
	return root, nil
}

// UpdateRoot atomically repoints the tree at newRoot, used after
// zsbt_newroot-style root replacement (a root split, or the very first
// insert growing a level).
func (s *Store) UpdateRoot(newRoot storage.BlockID) error {
	page, err := s.bm.Pin(metaBlock)
	if err != nil {
		return err
	}
	defer s.bm.Unpin(metaBlock)
	s.bm.Lock(metaBlock, storage.LockExclusive)
	defer s.bm.Unlock(metaBlock, storage.LockExclusive)

	putDescriptor(page.Data[:], newRoot, s.attr)
	s.bm.MarkDirty(metaBlock)
	return s.bm.Flush(metaBlock)
}

// Attr returns the descriptor this store was opened with.
func (s *Store) Attr() attrinfo.Descriptor { return s.attr }
