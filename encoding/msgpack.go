// Package encoding provides centralized msgpack serialization for change events.
// All msgpack operations go through this package so published payloads decode
// the same way everywhere.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: msgpack str decodes as a Go string and msgpack bin as
// []byte, so text and binary column values stay distinguishable.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// map keys are sorted so equal rows produce equal payloads
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data.
func Unmarshal(data []byte, v any) error {
	return msgpack.NewDecoder(bytes.NewReader(data)).Decode(v)
}
