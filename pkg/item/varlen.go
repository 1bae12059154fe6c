package item

import (
	"encoding/binary"

	"zedtree/pkg/attrinfo"
)

// EncodedElementSize returns how many on-page bytes one value of attr
// would occupy once packed (including its varlen header, for a
// variable-length attribute). Used by batch-insert callers that need to
// size a prospective Array item before building it, without packing a
// throwaway payload just to measure it.
func EncodedElementSize(attr attrinfo.Descriptor, isnull bool, value []byte) int {
	if isnull {
		return 0
	}
	if attr.FixedLen() {
		return int(attr.Len)
	}
	if shortFits(len(value)) {
		return len(value) + 1
	}
	return len(value) + longHeaderSize
}

// Variable-length datums are self-describing: a short (1-byte) header
// when the encoded datum (header included) fits in 127 bytes, otherwise
// a long (4-byte) header. The high bit of the first byte distinguishes
// the two: set means short form. The long header is big-endian so that
// its first byte is the total's high byte, which stays below 0x80 for
// any datum shorter than 2GiB and can never be confused with a short
// header.
const (
	shortHeaderMax = 0x7F
	longHeaderSize = 4
)

// shortFits reports whether a datum of dataLen payload bytes can use the
// 1-byte header form.
func shortFits(dataLen int) bool {
	return dataLen+1 <= shortHeaderMax
}

// varlenSize reads one packed varlen datum's total on-wire size
// (header + payload) from the front of buf.
func varlenSize(buf []byte) int {
	if buf[0]&0x80 != 0 {
		return int(buf[0] &^ 0x80)
	}
	return int(binary.BigEndian.Uint32(buf[0:longHeaderSize]))
}

// encodeVarlen appends one datum's packed varlen encoding to dst,
// promoting to the short header whenever the payload fits.
func encodeVarlen(dst []byte, payload []byte) []byte {
	if shortFits(len(payload)) {
		total := len(payload) + 1
		dst = append(dst, byte(0x80|total))
		dst = append(dst, payload...)
		return dst
	}
	total := len(payload) + longHeaderSize
	var hdr [longHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(total))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

// decodeVarlen reads one packed varlen datum from the front of buf,
// returning its payload (header stripped) and the total bytes consumed.
func decodeVarlen(buf []byte) (payload []byte, consumed int) {
	total := varlenSize(buf)
	if buf[0]&0x80 != 0 {
		return buf[1:total], total
	}
	return buf[longHeaderSize:total], total
}

// isShortenable reports whether a raw (already packed) varlen datum at
// the front of buf is using the long header despite being short enough
// to use the short one -- the one encoding shape create_item and the
// array codec must never produce.
func isShortenable(buf []byte) bool {
	if buf[0]&0x80 != 0 {
		return false
	}
	total := int(binary.BigEndian.Uint32(buf[0:longHeaderSize]))
	return shortFits(total - longHeaderSize)
}
