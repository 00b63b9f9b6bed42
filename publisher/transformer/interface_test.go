package transformer

import "github.com/maxpert/ferry/publisher"

var (
	_ publisher.Transformer = (*DebeziumTransformer)(nil)
	_ publisher.Transformer = MsgpackTransformer{}
)
