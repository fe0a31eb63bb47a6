package remote

import (
	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the Content-Encoding value for zstd-compressed bodies.
const EncodingZstd = "zstd"

var encoder, _ = zstd.NewWriter(nil)

// Compress a request body.
func Compress(src []byte) []byte {
	return encoder.EncodeAll(src, make([]byte, 0, len(src)/2))
}

var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))

func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}
