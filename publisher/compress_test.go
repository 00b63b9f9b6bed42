package publisher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCompressor(t *testing.T) {
	c, err := NewCompressor("")
	require.NoError(t, err)
	assert.IsType(t, noCompression{}, c)

	c, err = NewCompressor(CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), c.Compress([]byte("abc")))

	c, err = NewCompressor(CompressionZstd)
	require.NoError(t, err)
	assert.IsType(t, &ZstdCompressor{}, c)

	_, err = NewCompressor("lz4")
	assert.Error(t, err)
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	z, err := NewZstdCompressor()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte(`{"id":1,"name":"ferry"}`), 64)
	compressed := z.Compress(payload)
	assert.Less(t, len(compressed), len(payload))

	out, err := z.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	assert.Nil(t, z.Compress(nil), "tombstones stay nil")
	out, err = z.Decompress(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = z.Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
