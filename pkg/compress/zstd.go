package compress

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec wraps klauspost/compress's pure-Go zstd implementation.
// Encoders and decoders are pooled: zstd.NewWriter/NewReader are
// comparatively expensive to construct and the recompressor creates one
// batch per page flush, so a fresh allocation per call would dominate.
type ZstdCodec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func NewZstdCodec() *ZstdCodec {
	return &ZstdCodec{
		encoders: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				if err != nil {
					panic(err)
				}
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil)
				if err != nil {
					panic(err)
				}
				return dec
			},
		},
	}
}

func (c *ZstdCodec) Compress(data []byte) ([]byte, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (c *ZstdCodec) Decompress(data []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)
	return dec.DecodeAll(data, nil)
}
