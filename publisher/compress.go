package publisher

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Compressor transforms payloads after the transformer ran
type Compressor interface {
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

type noCompression struct{}

func (noCompression) Compress(data []byte) []byte            { return data }
func (noCompression) Decompress(data []byte) ([]byte, error) { return data, nil }

// ZstdCompressor compresses whole payloads. It is safe for concurrent use.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *ZstdCompressor) Compress(data []byte) []byte {
	if data == nil {
		return nil
	}
	return z.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return z.decoder.DecodeAll(data, nil)
}

// NewCompressor returns the compressor for a configured name
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressionNone:
		return noCompression{}, nil
	case CompressionZstd:
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("unknown compression: %s", name)
}
