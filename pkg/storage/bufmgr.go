package storage

import (
	"fmt"
	"os"
	"sync"
)

// LockMode is the page-content lock a caller holds while it has a page
// pinned. Share allows concurrent readers; Exclusive is required to
// modify a page's Data or Opaque fields.
type LockMode int

const (
	LockShare LockMode = iota
	LockExclusive
)

// BufferManager pins pages into an in-process cache and serializes
// access to each one with a per-page lock, following the crab-locking
// discipline the btree package is responsible for applying (child
// before parent, left before right): this package only enforces that
// one writer or many readers hold a given page at a time, not any
// particular acquisition order.
type BufferManager struct {
	f *os.File

	mu        sync.Mutex
	frames    map[BlockID]*frame
	nextBlock BlockID
}

type frame struct {
	lock     sync.RWMutex
	pinCount int32
	page     *Page
	dirty    bool
}

// Open opens (creating if necessary) the backing file for one
// attribute's tree.
func Open(path string) (*BufferManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BufferManager{
		f:         f,
		frames:    make(map[BlockID]*frame),
		nextBlock: BlockID(st.Size() / PageSize),
	}, nil
}

// Empty reports whether the backing file has no pages yet.
func (bm *BufferManager) Empty() bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.nextBlock == 0
}

func (bm *BufferManager) Close() error {
	if err := bm.FlushAll(); err != nil {
		return err
	}
	return bm.f.Close()
}

func (bm *BufferManager) getFrame(id BlockID, forceLoad bool) (*frame, error) {
	bm.mu.Lock()
	fr, ok := bm.frames[id]
	if ok {
		bm.mu.Unlock()
		return fr, nil
	}
	fr = &frame{}
	bm.frames[id] = fr
	bm.mu.Unlock()

	if forceLoad {
		p, err := ReadPage(bm.f, id)
		if err != nil {
			return nil, err
		}
		fr.page = p
	}
	return fr, nil
}

// Pin loads (if needed) and pins the page at id, without acquiring its
// content lock.
func (bm *BufferManager) Pin(id BlockID) (*Page, error) {
	fr, err := bm.getFrame(id, true)
	if err != nil {
		return nil, err
	}
	bm.mu.Lock()
	fr.pinCount++
	bm.mu.Unlock()
	return fr.page, nil
}

// Unpin releases a pin taken by Pin or Allocate.
func (bm *BufferManager) Unpin(id BlockID) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.frames[id]
	if !ok {
		return
	}
	if fr.pinCount > 0 {
		fr.pinCount--
	}
}

// Lock acquires the page's content lock in the given mode. The caller
// must already hold a pin on id.
func (bm *BufferManager) Lock(id BlockID, mode LockMode) {
	fr := bm.mustFrame(id)
	if mode == LockExclusive {
		fr.lock.Lock()
	} else {
		fr.lock.RLock()
	}
}

// Unlock releases a lock acquired by Lock.
func (bm *BufferManager) Unlock(id BlockID, mode LockMode) {
	fr := bm.mustFrame(id)
	if mode == LockExclusive {
		fr.lock.Unlock()
	} else {
		fr.lock.RUnlock()
	}
}

func (bm *BufferManager) mustFrame(id BlockID) *frame {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	fr, ok := bm.frames[id]
	if !ok {
		panic(fmt.Sprintf("storage: block %d not pinned", id))
	}
	return fr
}

// Allocate reserves a brand new block, pins it, locks it exclusively,
// and returns an empty Page the caller can populate before its first
// MarkDirty/Unlock.
func (bm *BufferManager) Allocate(kind PageKind, level uint16, attNo int16) (BlockID, *Page, error) {
	bm.mu.Lock()
	id := bm.nextBlock
	bm.nextBlock++
	fr := &frame{pinCount: 1}
	page := NewPage(kind, level, attNo)
	page.ID = id
	ip := NewItemPage(page)
	ip.InitIfFresh()
	fr.page = page
	fr.dirty = true
	bm.frames[id] = fr
	bm.mu.Unlock()

	fr.lock.Lock()
	return id, page, nil
}

// MarkDirty records that the caller (which must hold id's exclusive
// lock) has modified its page content; the change is not guaranteed
// durable until Flush/FlushAll/Close.
func (bm *BufferManager) MarkDirty(id BlockID) {
	fr := bm.mustFrame(id)
	bm.mu.Lock()
	fr.dirty = true
	bm.mu.Unlock()
}

// Flush writes id's page back to disk if dirty.
func (bm *BufferManager) Flush(id BlockID) error {
	fr := bm.mustFrame(id)
	bm.mu.Lock()
	dirty := fr.dirty
	bm.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := WritePage(bm.f, fr.page); err != nil {
		return err
	}
	bm.mu.Lock()
	fr.dirty = false
	bm.mu.Unlock()
	return nil
}

// FlushAll writes every dirty frame back to disk.
func (bm *BufferManager) FlushAll() error {
	bm.mu.Lock()
	ids := make([]BlockID, 0, len(bm.frames))
	for id := range bm.frames {
		ids = append(ids, id)
	}
	bm.mu.Unlock()
	for _, id := range ids {
		if err := bm.Flush(id); err != nil {
			return err
		}
	}
	return nil
}
