package item

import (
	"zedtree/pkg/attrinfo"
	"zedtree/pkg/tid"
	"zedtree/pkg/undo"
)

// SizeOfSlice computes the number of payload bytes occupied by n
// consecutive datums, without needing to know their TIDs. For
// fixed-width attributes this is just n*attlen; for variable-length
// attributes it has to walk each datum's header, and it asserts that
// none of them is a long-header encoding that could have been
// shortened (every packer in this package only ever emits the short
// form when it fits, so a long-but-shortenable header can only appear
// here if a caller handed us payload bytes it built some other way).
func SizeOfSlice(attr attrinfo.Descriptor, isnull bool, payload []byte, n int) (int, error) {
	if isnull {
		return 0, nil
	}
	if attr.FixedLen() {
		return int(attr.Len) * n, nil
	}
	total := 0
	p := payload
	for i := 0; i < n; i++ {
		if isShortenable(p) {
			return 0, ErrShortenableVarlen
		}
		sz := varlenSize(p)
		total += sz
		p = p[sz:]
	}
	return total, nil
}

// packDatums encodes n logical values into a single payload blob: for a
// fixed-width attribute, each value is exactly attr.Len raw bytes; for a
// variable-length attribute, each value is the bare payload (no header)
// and is packed with the shortest legal varlen header.
func packDatums(attr attrinfo.Descriptor, values [][]byte) []byte {
	if attr.FixedLen() {
		out := make([]byte, 0, int(attr.Len)*len(values))
		for _, v := range values {
			buf := make([]byte, attr.Len)
			copy(buf, v)
			out = append(out, buf...)
		}
		return out
	}
	var out []byte
	for _, v := range values {
		out = encodeVarlen(out, v)
	}
	return out
}

// CreateItem builds a new Single (n==1) or Array (n>1) item covering
// [firstTID, firstTID+n-1], carrying undoPtr in its header, where n is
// len(values) (or 1 when values is empty). When isnull is true the
// contents of values are ignored but its length still sets n.
func CreateItem(attr attrinfo.Descriptor, firstTID tid.TID, undoPtr undo.Pointer, values [][]byte, isnull bool) *Item {
	n := len(values)
	if n == 0 {
		n = 1
	}
	it := &Item{
		FirstTID: firstTID,
		Undo:     undoPtr,
	}
	if isnull {
		it.Payload = nil
	} else {
		it.Payload = packDatums(attr, values)
	}
	if n > 1 {
		it.Kind = KindArray
		it.NElements = n
		it.Flags = FlagArray
	} else {
		it.Kind = KindSingle
		it.NElements = 1
		it.Flags = 0
	}
	if isnull {
		it.Flags |= FlagNull
	}
	return it
}

// sliceArray extracts elements [from, from+count) of an Array item's
// payload as a fresh packed payload, given the element width rule for
// attr. from is an element index relative to the array's FirstTID.
func sliceArray(attr attrinfo.Descriptor, a *Item, from, count int) []byte {
	if a.Flags.Has(FlagNull) || count == 0 {
		return nil
	}
	if attr.FixedLen() {
		w := int(attr.Len)
		return append([]byte(nil), a.Payload[from*w:(from+count)*w]...)
	}
	p := a.Payload
	for i := 0; i < from; i++ {
		p = p[varlenSize(p):]
	}
	start := len(a.Payload) - len(p)
	end := start
	q := p
	for i := 0; i < count; i++ {
		sz := varlenSize(q)
		end += sz
		q = q[sz:]
	}
	return append([]byte(nil), a.Payload[start:end]...)
}

// ElementAt copies out the idx'th datum of an Array item (idx is
// relative to the array's own FirstTID), returning the raw value bytes
// with any varlen header stripped.
func ElementAt(attr attrinfo.Descriptor, a *Item, idx int) (value []byte, isnull bool) {
	if a.Flags.Has(FlagNull) {
		return nil, true
	}
	if attr.FixedLen() {
		w := int(attr.Len)
		v := a.Payload[idx*w : (idx+1)*w]
		return append([]byte(nil), v...), false
	}
	p := a.Payload
	for i := 0; i < idx; i++ {
		p = p[varlenSize(p):]
	}
	val, _ := decodeVarlen(p)
	return append([]byte(nil), val...), false
}

// Value extracts the single logical datum carried by a Single item (or
// by any other item kind whose Payload/NElements shape matches one --
// the mutator and scanner only ever call this on items already known to
// be Single), stripping the varlen header packDatums would have added.
func Value(attr attrinfo.Descriptor, it *Item) (value []byte, isnull bool) {
	if it.Flags.Has(FlagNull) {
		return nil, true
	}
	if attr.FixedLen() {
		return append([]byte(nil), it.Payload...), false
	}
	val, _ := decodeVarlen(it.Payload)
	return append([]byte(nil), val...), false
}

// SplitArrayAt is used by the mutator to apply a logical edit inside an
// existing Array item: it
// slices Array item a so that the element at absolute TID old sits in
// the middle, returning the prefix/suffix sub-arrays (nil when empty)
// and the isolated middle element's raw value.
func SplitArrayAt(attr attrinfo.Descriptor, a *Item, old tid.TID) (prefix *Item, middleVal []byte, middleNull bool, suffix *Item) {
	cutoff := int(old - a.FirstTID)
	n := a.NElements
	isnull := a.Flags.Has(FlagNull)

	if cutoff > 0 {
		prefix = &Item{
			Kind:      KindArray,
			FirstTID:  a.FirstTID,
			NElements: cutoff,
			Flags:     FlagArray,
			Undo:      a.Undo,
			Payload:   sliceArray(attr, a, 0, cutoff),
		}
		if isnull {
			prefix.Flags |= FlagNull
		}
		if cutoff == 1 {
			prefix.Kind = KindSingle
			prefix.Flags &^= FlagArray
		}
	}

	if isnull {
		middleNull = true
	} else {
		middleVal, _ = ElementAt(attr, a, cutoff)
	}

	if cutoff+1 < n {
		suffix = &Item{
			Kind:      KindArray,
			FirstTID:  old.Next(),
			NElements: n - cutoff - 1,
			Flags:     FlagArray,
			Undo:      a.Undo,
			Payload:   sliceArray(attr, a, cutoff+1, n-cutoff-1),
		}
		if isnull {
			suffix.Flags |= FlagNull
		}
		if suffix.NElements == 1 {
			suffix.Kind = KindSingle
			suffix.Flags &^= FlagArray
		}
	}
	return prefix, middleVal, middleNull, suffix
}
