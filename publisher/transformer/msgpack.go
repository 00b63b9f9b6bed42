package transformer

import (
	"fmt"

	"github.com/maxpert/ferry/encoding"
	"github.com/maxpert/ferry/publisher"
)

const FormatMsgpack = "msgpack"

func init() {
	publisher.RegisterTransformer(FormatMsgpack, func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer publishes the change event itself as msgpack.
// Column images stay individually encoded.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.ChangeEvent, _ publisher.TableSchema) ([]byte, error) {
	data, err := encoding.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

func (MsgpackTransformer) Tombstone(string) []byte {
	return nil
}
