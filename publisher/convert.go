package publisher

import (
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/ferry/encoding"
	"github.com/maxpert/ferry/ingest"
)

// FromDataRecord converts a decoded record into a change event.
// Column values are msgpack encoded one by one.
func FromDataRecord(jobID string, shard int, database string, r *ingest.DataRecord) (ChangeEvent, error) {
	event := ChangeEvent{
		JobID:    jobID,
		Shard:    shard,
		Database: database,
		Table:    r.Table,
		Key:      recordKey(r),
		CommitTS: r.CommitTime,
	}
	if r.Position != nil {
		event.Position = r.Position.String()
	}

	var err error
	switch r.Type {
	case ingest.Insert:
		event.Operation = OpInsert
		event.After, err = encodeValues(r.Columns, func(c ingest.Column) any { return c.Value })
	case ingest.Update:
		event.Operation = OpUpdate
		if event.Before, err = encodeKeyImage(r); err != nil {
			return ChangeEvent{}, err
		}
		event.After, err = encodeValues(r.Columns, func(c ingest.Column) any { return c.Value })
	case ingest.Delete:
		event.Operation = OpDelete
		event.Before, err = encodeValues(r.Columns, func(c ingest.Column) any { return c.Value })
	default:
		return ChangeEvent{}, fmt.Errorf("unknown change type %q", r.Type)
	}
	if err != nil {
		return ChangeEvent{}, err
	}
	return event, nil
}

// encodeKeyImage carries only primary key columns in the before image of an
// update; other old values are not captured by the stream.
func encodeKeyImage(r *ingest.DataRecord) (map[string][]byte, error) {
	keys := r.PrimaryKeys()
	if len(keys) == 0 {
		return nil, nil
	}
	return encodeValues(keys, func(c ingest.Column) any { return c.KeyValue() })
}

func encodeValues(columns []ingest.Column, pick func(ingest.Column) any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(columns))
	for _, c := range columns {
		data, err := encoding.Marshal(pick(c))
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %s: %w", c.Name, err)
		}
		out[c.Name] = data
	}
	return out, nil
}

// recordKey joins the primary key values that locate the row
func recordKey(r *ingest.DataRecord) string {
	keys := r.PrimaryKeys()
	parts := make([]string, len(keys))
	for i, c := range keys {
		parts[i] = fmt.Sprint(c.KeyValue())
	}
	return strings.Join(parts, ":")
}

// SchemaFromRecord derives a table schema from the Go types of a record's values
func SchemaFromRecord(r *ingest.DataRecord) TableSchema {
	schema := TableSchema{Columns: make([]ColumnInfo, len(r.Columns))}
	for i, c := range r.Columns {
		schema.Columns[i] = ColumnInfo{
			Name:     c.Name,
			Type:     valueType(c.Value),
			Nullable: !c.PrimaryKey,
			IsPK:     c.PrimaryKey,
		}
	}
	return schema
}

func valueType(v any) string {
	switch v.(type) {
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, uint:
		return "int64"
	case float32:
		return "float"
	case float64:
		return "double"
	case bool:
		return "boolean"
	case []byte:
		return "bytes"
	case time.Time:
		return "timestamp"
	}
	return "string"
}
