// Package attrinfo describes the shape of a single column's values: how
// wide they are on the wire, and whether they're carried inline (by value)
// or as a pointer to variable-length bytes.
package attrinfo

// Descriptor is the fixed pair every attribute tree is opened with.
type Descriptor struct {
	// Len is the on-disk width in bytes. A positive value means every
	// datum is exactly Len bytes, zero-padded/truncated as needed. -1
	// means variable length, with a short (1-byte) or long (4-byte)
	// length header in front of the payload.
	Len int16

	// ByVal is true when the datum fits in, and is carried in, a
	// machine word (so Payload bytes ARE the value, not a pointer to
	// it). ByVal only makes sense when Len > 0 and Len <= 8.
	ByVal bool
}

// FixedLen reports whether every datum has identical width.
func (d Descriptor) FixedLen() bool { return d.Len > 0 }

// Varlen reports whether datums carry their own length header.
func (d Descriptor) Varlen() bool { return d.Len < 0 }
