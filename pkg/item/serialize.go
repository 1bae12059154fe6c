package item

import (
	"encoding/binary"

	"zedtree/pkg/tid"
)

const (
	arrayExtraSize      = 4           // NElements
	compressedExtraSize = 4 + 8 + 1 + 3 // RawSize, LastTID, Algo, pad
)

// Size returns the number of bytes Encode(it) would produce.
func Size(it *Item) int {
	switch it.Kind {
	case KindSingle:
		return HeaderSize + len(it.Payload)
	case KindArray:
		return HeaderSize + arrayExtraSize + len(it.Payload)
	case KindCompressed:
		return HeaderSize + compressedExtraSize + len(it.Compressed)
	default:
		return 0
	}
}

// Encode serializes it into a freshly allocated byte slice suitable for
// storage as one page line-pointer item.
func Encode(it *Item) []byte {
	size := Size(it)
	buf := make([]byte, size)

	flags := it.Flags
	switch it.Kind {
	case KindArray:
		flags |= FlagArray
	case KindCompressed:
		flags |= FlagCompressed
	}

	putHeader(buf, it.FirstTID, uint32(size), flags, it.Undo)

	switch it.Kind {
	case KindSingle:
		copy(buf[HeaderSize:], it.Payload)
	case KindArray:
		binary.LittleEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(it.NElements))
		copy(buf[HeaderSize+arrayExtraSize:], it.Payload)
	case KindCompressed:
		off := HeaderSize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(it.RawSize))
		off += 4
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(it.LastTID))
		off += 8
		buf[off] = byte(it.Algo)
		off += 4 // 1 byte algo + 3 pad
		copy(buf[off:], it.Compressed)
	}
	return buf
}

// Decode parses a serialized item back into an Item. The returned
// Item's byte slices alias buf; callers that need the Item to outlive
// buf (e.g. after releasing a page lock) must copy it first.
func Decode(buf []byte) (*Item, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	firstTID, size, flags, u := getHeader(buf)
	if int(size) > len(buf) {
		return nil, ErrTruncated
	}
	buf = buf[:size]

	it := &Item{FirstTID: firstTID, Undo: u}

	switch {
	case flags.Has(FlagCompressed):
		if flags.Has(FlagArray) {
			return nil, ErrBadKind
		}
		it.Kind = KindCompressed
		it.Flags = flags &^ (FlagCompressed | FlagArray)
		off := HeaderSize
		if len(buf) < off+compressedExtraSize {
			return nil, ErrTruncated
		}
		it.RawSize = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		it.LastTID = tid.TID(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
		it.Algo = Algo(buf[off])
		off += 4
		it.Compressed = buf[off:]
	case flags.Has(FlagArray):
		it.Kind = KindArray
		it.Flags = flags &^ FlagArray
		off := HeaderSize
		if len(buf) < off+arrayExtraSize {
			return nil, ErrTruncated
		}
		it.NElements = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		it.Payload = buf[off+arrayExtraSize:]
	default:
		it.Kind = KindSingle
		it.Flags = flags
		it.NElements = 1
		it.Payload = buf[HeaderSize:]
	}
	return it, nil
}

// Clone deep-copies it, detaching its payload from whatever buffer it
// currently aliases. Used whenever an item must outlive the page lock
// it was read under (scans, fetch).
func Clone(it *Item) *Item {
	cp := *it
	if it.Payload != nil {
		cp.Payload = append([]byte(nil), it.Payload...)
	}
	if it.Compressed != nil {
		cp.Compressed = append([]byte(nil), it.Compressed...)
	}
	return &cp
}
