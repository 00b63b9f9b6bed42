package publisher

import "context"

// Operation types for change events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// ChangeEvent is one row change ready to publish
type ChangeEvent struct {
	JobID     string            `msgpack:"job"`
	Shard     int               `msgpack:"shard"`
	Database  string            `msgpack:"db"`     // Target database name
	Table     string            `msgpack:"tbl"`    // Logical table name
	Operation uint8             `msgpack:"op"`     // 0=INSERT, 1=UPDATE, 2=DELETE
	Key       string            `msgpack:"key"`    // Primary key, used for partitioning
	Before    map[string][]byte `msgpack:"before"` // Old values (msgpack encoded)
	After     map[string][]byte `msgpack:"after"`  // New values (msgpack encoded)
	CommitTS  int64             `msgpack:"ts"`     // Commit timestamp (unix ms)
	Position  string            `msgpack:"pos"`    // Source stream position
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message; a nil value is a tombstone
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event ChangeEvent, schema TableSchema) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, table string) bool
}

// TableSchema holds column metadata for a table
type TableSchema struct {
	Columns []ColumnInfo
}

// ColumnInfo represents metadata for a single column
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
}
