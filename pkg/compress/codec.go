// Package compress supplies the page-level compression codec the
// recompressor calls into: a Compressor/Decompressor pair operating on
// raw byte blobs, plus the begin/add/finish batching API the core
// speaks in terms of (see Batch in batch.go).
package compress

import "fmt"

// Compressor compresses an opaque byte blob.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Decompressor reverses Compressor.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Codec bundles both directions of one algorithm.
type Codec interface {
	Compressor
	Decompressor
}

// Kind names the supported algorithms.
type Kind uint8

const (
	KindNone Kind = iota
	KindZstd
	KindLZ4
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindZstd:
		return "zstd"
	case KindLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// NewCodec is a factory over the algorithms this package implements.
func NewCodec(kind Kind) (Codec, error) {
	switch kind {
	case KindNone:
		return NoOpCodec{}, nil
	case KindZstd:
		return NewZstdCodec(), nil
	case KindLZ4:
		return NewLZ4Codec(), nil
	default:
		return nil, fmt.Errorf("compress: unknown codec kind %d", kind)
	}
}
