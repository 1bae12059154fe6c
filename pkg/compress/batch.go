package compress

import (
	"zedtree/pkg/item"
	"zedtree/pkg/tid"
)

// AlgoFor maps a codec Kind to the Algo tag stored in a Compressed
// item's header, so a later reader knows which codec to reopen with.
func AlgoFor(k Kind) item.Algo {
	switch k {
	case KindZstd:
		return item.AlgoZstd
	case KindLZ4:
		return item.AlgoLZ4
	default:
		return item.AlgoNone
	}
}

// KindFor is the inverse of AlgoFor.
func KindFor(a item.Algo) Kind {
	switch a {
	case item.AlgoZstd:
		return KindZstd
	case item.AlgoLZ4:
		return KindLZ4
	default:
		return KindNone
	}
}

// Batch implements the recompressor's begin/add/finish protocol: items
// are handed to Add one at a time in TID order, and the batch
// speculatively recompresses its running payload on every call so the
// caller can learn, before committing to the item, whether it still
// fits the page space budget. Trial-compress rather than estimate: the
// cost of a wrong estimate (a page that doesn't actually fit) is worse
// than the cost of a wasted compression pass.
type Batch struct {
	codec Codec
	algo  Kind

	budget int
	raw    []byte
	n      int

	firstTID tid.TID
	lastTID  tid.TID
}

// NewBatch creates a batch that will compress with codec, tagging the
// resulting item with algo to record which codec produced it. Open does
// not read the tag; it decompresses with whatever codec it is given.
func NewBatch(codec Codec, algo Kind) *Batch {
	return &Batch{codec: codec, algo: algo}
}

// Begin resets the batch and sets the page-space budget (in bytes) the
// eventual Compressed item's serialized size must not exceed.
func (b *Batch) Begin(budget int) {
	b.budget = budget
	b.raw = b.raw[:0]
	b.n = 0
}

// Empty reports whether any item has been accepted yet.
func (b *Batch) Empty() bool { return b.n == 0 }

// RawLen returns how many uncompressed payload bytes the batch has
// accumulated so far.
func (b *Batch) RawLen() int { return len(b.raw) }

// Add tries to fold it into the batch. It returns false, leaving the
// batch unchanged, when doing so would make the eventual Finish()
// item exceed the budget set by Begin -- the caller must then flush
// the current batch and start a fresh one with it as its first member.
// A single item that alone exceeds budget is still accepted (n==0
// case) so the caller always makes forward progress.
func (b *Batch) Add(it *item.Item) bool {
	candidate := append(append([]byte(nil), b.raw...), item.Encode(it)...)
	compressed, err := b.codec.Compress(candidate)
	if err != nil {
		return false
	}
	size := item.HeaderSize + compressedExtraSize + len(compressed)
	if b.n > 0 && size > b.budget {
		return false
	}
	if b.n == 0 {
		b.firstTID = it.FirstTID
	}
	b.raw = candidate
	b.lastTID = item.LastTID(it)
	b.n++
	return true
}

// Finish compresses the accumulated raw items into one Compressed
// item. Calling Finish on an empty batch is a programming error.
func (b *Batch) Finish() (*item.Item, error) {
	compressed, err := b.codec.Compress(b.raw)
	if err != nil {
		return nil, err
	}
	return &item.Item{
		Kind:     item.KindCompressed,
		FirstTID: b.firstTID,
		LastTID:  b.lastTID,
		RawSize:  len(b.raw),
		Algo:     AlgoFor(b.algo),
		Compressed: compressed,
	}, nil
}

// compressedExtraSize mirrors item.compressedExtraSize (unexported in
// that package); kept in sync by hand since the two packages
// deliberately don't import each other's internals.
const compressedExtraSize = 4 + 8 + 1 + 3

// Reader decompresses a Compressed item back into its logical sequence
// of Single/Array items, read one at a time with Next.
type Reader struct {
	buf []byte
}

// Open decompresses ci (which must have Kind == KindCompressed) using
// codec, and positions the reader at the first logical item.
func Open(codec Decompressor, ci *item.Item) (*Reader, error) {
	raw, err := codec.Decompress(ci.Compressed)
	if err != nil {
		return nil, err
	}
	return &Reader{buf: raw}, nil
}

// Next returns the next logical item, or (nil, nil) once the sequence
// is exhausted.
func (r *Reader) Next() (*item.Item, error) {
	if len(r.buf) == 0 {
		return nil, nil
	}
	it, err := item.Decode(r.buf)
	if err != nil {
		return nil, err
	}
	r.buf = r.buf[item.Size(it):]
	return item.Clone(it), nil
}
