package compress

import (
	"encoding/binary"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// maxDecompressGrow bounds the adaptive output-buffer doubling below so a
// corrupt size hint can't drive an unbounded allocation.
const maxDecompressGrow = 128 << 20

// LZ4Codec wraps pierrec/lz4's block codec, offered as the fast
// alternative to ZstdCodec for pages under write-heavy workloads where
// decompression latency matters more than ratio.
type LZ4Codec struct {
	compressors sync.Pool
}

func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{
		compressors: sync.Pool{
			New: func() interface{} { return new(lz4.Compressor) },
		},
	}
}

func (c *LZ4Codec) Compress(data []byte) ([]byte, error) {
	comp := c.compressors.Get().(*lz4.Compressor)
	defer c.compressors.Put(comp)

	buf := make([]byte, lz4.CompressBlockBound(len(data))+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	n, err := comp.CompressBlock(data, buf[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible: CompressBlock returns n==0 rather than
		// expanding the input, so store it verbatim with a sentinel
		// length of 0 trailing bytes meaning "raw".
		raw := make([]byte, len(data)+4)
		binary.LittleEndian.PutUint32(raw, 0)
		copy(raw[4:], data)
		return raw, nil
	}
	return buf[:4+n], nil
}

func (c *LZ4Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, lz4.ErrInvalidSourceShortBuffer
	}
	origLen := binary.LittleEndian.Uint32(data)
	payload := data[4:]
	if origLen == 0 {
		return append([]byte(nil), payload...), nil
	}

	size := int(origLen)
	for {
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err == nil {
			return out[:n], nil
		}
		if err != lz4.ErrInvalidSourceShortBuffer || size >= maxDecompressGrow {
			return nil, err
		}
		size *= 2
	}
}

