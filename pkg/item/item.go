// Package item implements the packed, variable-length on-page item
// format shared by every attribute's B+ tree leaf: Single, Array and
// Compressed items, plus their common header.
//
// Deliberately modeled as one tagged-union struct rather than an
// interface hierarchy with three implementations: the recompressor and
// scanner switch on Kind dozens of times each, and a flat struct makes
// every one of those switches a plain field read instead of a type
// assertion.
package item

import (
	"encoding/binary"
	"errors"
	"fmt"

	"zedtree/pkg/tid"
	"zedtree/pkg/undo"
)

// Kind discriminates the three item shapes. It is derived from, and
// encoded into, Flags whenever an Item is serialized.
type Kind uint8

const (
	KindSingle Kind = iota
	KindArray
	KindCompressed
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindArray:
		return "array"
	case KindCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// Flags is the on-page bit set stored in every item's common header.
type Flags uint16

const (
	FlagCompressed Flags = 1 << iota
	FlagArray
	FlagNull
	FlagDeleted
	FlagUpdated
	FlagDead
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Item is the in-memory representation of one leaf payload. Only the
// fields relevant to Kind are meaningful; the others are zero.
type Item struct {
	Kind     Kind
	FirstTID tid.TID
	Flags    Flags
	Undo     undo.Pointer

	// Single, Array: packed payload. nil/empty when Flags has FlagNull.
	// For Array, Payload holds NElements datums back to back.
	NElements int
	Payload   []byte

	// Compressed: RawSize is the byte length of the uncompressed
	// sequence of items that Compressed holds; LastTID is cached at
	// creation time (the last TID of the final item in that sequence)
	// so that scans and descents can skip a compressed item without
	// decompressing it. Algo names the codec that produced Compressed,
	// so the reader knows how to invert it.
	RawSize    int
	LastTID    tid.TID
	Algo       Algo
	Compressed []byte
}

// Algo identifies which codec produced a Compressed item's bytes.
type Algo uint8

const (
	AlgoNone Algo = iota
	AlgoZstd
	AlgoLZ4
)

// Common header layout, serialized in this fixed order. Zero-padded so
// two items with identical logical content always produce identical
// bytes.
//
//	offset  0: first TID   (8 bytes, only low 48 bits significant)
//	offset  8: total size  (4 bytes, byte length of the serialized item)
//	offset 12: flags       (2 bytes)
//	offset 14: reserved    (2 bytes, zero)
//	offset 16: undo ptr    (8 bytes)
const HeaderSize = 24

var (
	// ErrNestedCompressed guards invariant 6: a Compressed item's
	// payload may never itself contain a Compressed item.
	ErrNestedCompressed = errors.New("item: nested compressed item")
	// ErrShortenableVarlen guards the Array invariant: every
	// variable-length element that could use the short header must.
	ErrShortenableVarlen = errors.New("item: encountered a full-header varlen that should have been shortened")
	ErrTruncated         = errors.New("item: truncated item bytes")
	ErrBadKind           = errors.New("item: unrecognized flag combination")
)

func putHeader(buf []byte, firstTID tid.TID, size uint32, flags Flags, u undo.Pointer) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(firstTID))
	binary.LittleEndian.PutUint32(buf[8:12], size)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(flags))
	buf[14] = 0
	buf[15] = 0
	binary.LittleEndian.PutUint64(buf[16:24], u.Counter)
}

func getHeader(buf []byte) (firstTID tid.TID, size uint32, flags Flags, u undo.Pointer) {
	firstTID = tid.TID(binary.LittleEndian.Uint64(buf[0:8]))
	size = binary.LittleEndian.Uint32(buf[8:12])
	flags = Flags(binary.LittleEndian.Uint16(buf[12:14]))
	u = undo.Pointer{Counter: binary.LittleEndian.Uint64(buf[16:24])}
	return
}

// LastTID returns the last TID covered by it, per item kind.
func LastTID(it *Item) tid.TID {
	switch it.Kind {
	case KindSingle:
		return it.FirstTID
	case KindArray:
		return it.FirstTID.Add(it.NElements - 1)
	case KindCompressed:
		return it.LastTID
	default:
		panic(fmt.Sprintf("item: bad kind %d", it.Kind))
	}
}

// UndoPtr reads the header's undo pointer.
func UndoPtr(it *Item) undo.Pointer { return it.Undo }

// Covers reports whether t falls within [FirstTID, LastTID(it)].
func Covers(it *Item, t tid.TID) bool {
	return it.FirstTID <= t && t <= LastTID(it)
}
