// Package storage implements the fixed-size page format every
// attribute's B+ tree is built out of, and the buffer manager that
// pins, locks and persists those pages.
package storage

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/cespare/xxhash/v2"

	"zedtree/pkg/tid"
)

// PageSize is the fixed size of every page in bytes. Chosen to match a
// typical OS/filesystem block so one page is one I/O.
const PageSize = 8192

// headerSize is the fixed leading region: page id, checksum, payload
// length. footerSize is the fixed trailing region: the B+ tree opaque
// data every page (leaf or internal) carries, regardless of attribute.
const (
	headerSize = 4 + 8 + 2
	footerSize = 2 + 2 + 8 + 8 + 4 + 2 + 1 + 1

	// PayloadSize is what's left for the item line-pointer directory and
	// item bytes.
	PayloadSize = PageSize - headerSize - footerSize
)

var (
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
	ErrDataTooLarge     = errors.New("storage: data too large for page payload")
)

// BlockID addresses one page within a tree's backing file. InvalidBlock
// means "no such page" (used for RightLink on the rightmost page of a
// level, and as a zero value before a root has been created).
type BlockID uint32

const InvalidBlock BlockID = 0xFFFFFFFF

// PageKind distinguishes a leaf page (holds Single/Array/Compressed
// items keyed by TID) from an internal page (holds downlink items
// keyed by the lowest TID reachable through them).
type PageKind uint8

const (
	PageKindLeaf PageKind = iota
	PageKindInternal
)

// Flags are opaque bits the btree package interprets; storage only
// persists them.
type Flags uint16

const (
	// FlagFollowRight marks a page whose split is incomplete: the
	// parent downlink for its right sibling has not yet been installed,
	// so a descent that lands here must also check the right-link.
	FlagFollowRight Flags = 1 << iota
	// FlagRoot marks the current root of its attribute's tree.
	FlagRoot
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Opaque is the fixed trailing struct every page carries, equivalent to
// zedstore's per-page special space: enough to descend, detect a
// concurrent split via the right-link, and re-find a page's downlink
// in its parent.
type Opaque struct {
	AttNo     int16
	Level     uint16
	Lokey     tid.TID
	Hikey     tid.TID
	RightLink BlockID
	Flags     Flags
	Kind      PageKind
}

// Page is one fixed-size unit of a tree's backing file.
type Page struct {
	ID       BlockID
	Checksum uint64
	DataSize uint16
	Opaque   Opaque
	Data     [PayloadSize]byte
}

// NewPage returns a fresh, empty page of the given kind/level, not yet
// assigned an ID (the buffer manager assigns one on Allocate).
func NewPage(kind PageKind, level uint16, attNo int16) *Page {
	return &Page{
		Opaque: Opaque{
			AttNo:     attNo,
			Level:     level,
			Lokey:     tid.Min,
			Hikey:     tid.MaxPlusOne,
			RightLink: InvalidBlock,
			Kind:      kind,
		},
	}
}

func (p *Page) computeChecksum() uint64 {
	h := xxhash.New()
	_, _ = h.Write(p.Data[:p.DataSize])
	return h.Sum64()
}

func pageOffset(id BlockID) int64 {
	return int64(id) * int64(PageSize)
}

func putOpaque(buf []byte, o Opaque) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(o.AttNo))
	binary.LittleEndian.PutUint16(buf[2:4], o.Level)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(o.Lokey))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(o.Hikey))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(o.RightLink))
	binary.LittleEndian.PutUint16(buf[24:26], uint16(o.Flags))
	buf[26] = byte(o.Kind)
	buf[27] = 0
}

func getOpaque(buf []byte) Opaque {
	return Opaque{
		AttNo:     int16(binary.LittleEndian.Uint16(buf[0:2])),
		Level:     binary.LittleEndian.Uint16(buf[2:4]),
		Lokey:     tid.TID(binary.LittleEndian.Uint64(buf[4:12])),
		Hikey:     tid.TID(binary.LittleEndian.Uint64(buf[12:20])),
		RightLink: BlockID(binary.LittleEndian.Uint32(buf[20:24])),
		Flags:     Flags(binary.LittleEndian.Uint16(buf[24:26])),
		Kind:      PageKind(buf[26]),
	}
}

// WritePage serializes p and writes it to f at its own slot.
func WritePage(f *os.File, p *Page) error {
	if int(p.DataSize) > PayloadSize {
		return ErrDataTooLarge
	}
	p.Checksum = p.computeChecksum()

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.ID))
	binary.LittleEndian.PutUint64(buf[4:12], p.Checksum)
	binary.LittleEndian.PutUint16(buf[12:14], p.DataSize)
	copy(buf[headerSize:], p.Data[:])
	putOpaque(buf[headerSize+PayloadSize:], p.Opaque)

	if _, err := f.WriteAt(buf, pageOffset(p.ID)); err != nil {
		return err
	}
	return f.Sync()
}

// ReadPage loads and validates the page at id.
func ReadPage(f *os.File, id BlockID) (*Page, error) {
	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, pageOffset(id)); err != nil {
		return nil, err
	}

	p := &Page{
		ID:       BlockID(binary.LittleEndian.Uint32(buf[0:4])),
		Checksum: binary.LittleEndian.Uint64(buf[4:12]),
		DataSize: binary.LittleEndian.Uint16(buf[12:14]),
	}
	copy(p.Data[:], buf[headerSize:headerSize+PayloadSize])
	p.Opaque = getOpaque(buf[headerSize+PayloadSize:])

	if p.computeChecksum() != p.Checksum {
		return nil, ErrChecksumMismatch
	}
	return p, nil
}
