package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnValuesKeepTheirKind(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
		// integer width is chosen by the encoder
		numeric bool
	}{
		{name: "varchar", value: "alice", want: "alice"},
		{name: "empty varchar", value: "", want: ""},
		{name: "blob", value: []byte{0x00, 0x01, 0xff}, want: []byte{0x00, 0x01, 0xff}},
		{name: "null", value: nil, want: nil},
		{name: "bigint", value: int64(-42), want: int64(-42), numeric: true},
		{name: "unsigned bigint", value: uint64(1 << 40), want: uint64(1 << 40), numeric: true},
		{name: "double", value: 3.25, want: 3.25},
		{name: "bool", value: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.value)
			require.NoError(t, err)

			var got any
			require.NoError(t, Unmarshal(data, &got))
			if tt.numeric {
				assert.EqualValues(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowRoundTrip(t *testing.T) {
	type row struct {
		ID      int64             `msgpack:"id"`
		Name    string            `msgpack:"name"`
		Payload []byte            `msgpack:"payload"`
		Created time.Time         `msgpack:"created"`
		Tags    map[string]string `msgpack:"tags"`
	}
	in := row{
		ID:      7,
		Name:    "order-7",
		Payload: []byte("raw"),
		Created: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Tags:    map[string]string{"b": "2", "a": "1"},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out row
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Payload, out.Payload)
	assert.True(t, in.Created.Equal(out.Created))
	assert.Equal(t, in.Tags, out.Tags)
}

func TestMapColumnsDecodeAsStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"id": int64(1), "name": "bob", "avatar": []byte{1, 2}})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, "bob", got["name"])
	assert.IsType(t, []byte{}, got["avatar"])
}

func TestEqualMapsEncodeIdentically(t *testing.T) {
	first, err := Marshal(map[string]int64{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(map[string]int64{"c": 3, "a": 1, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := Marshal(map[string]any{"worker": int64(i)})
			if assert.NoError(t, err) {
				var got map[string]any
				assert.NoError(t, Unmarshal(data, &got))
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMarshalRow(b *testing.B) {
	row := map[string]any{"id": int64(1), "name": "alice", "balance": 10.5, "note": nil}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(row); err != nil {
			b.Fatal(err)
		}
	}
}
