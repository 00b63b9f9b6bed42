// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to sink-specific formats.
package transformer

import (
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/ferry/encoding"
	"github.com/maxpert/ferry/publisher"
	"github.com/rs/zerolog/log"
)

const (
	FormatDebezium = "debezium"

	schemaCacheSize = 1024
)

func init() {
	publisher.RegisterTransformer(FormatDebezium, func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer transforms change events to Debezium JSON with Schema format,
// compatible with consumers like Kafka Connect.
//
// Envelope schemas are cached per table. A table whose column set changes gets a
// fresh schema since the cache key includes the column names.
type DebeziumTransformer struct {
	connectorName string
	schemaCache   *lru.Cache[string, *debeziumEnvelopeSchema]
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	cache, err := lru.New[string, *debeziumEnvelopeSchema](schemaCacheSize)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &DebeziumTransformer{
		connectorName: "ferry",
		schemaCache:   cache,
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	Job       string `json:"job"`
	Shard     int    `json:"shard"`
	Pos       string `json:"pos"`
}

// Transform converts a change event to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(event publisher.ChangeEvent, schema publisher.TableSchema) ([]byte, error) {
	envelopeSchema := d.getOrBuildSchema(event.Database, event.Table, schema)

	before, err := decodeRowData(event.Before)
	if err != nil {
		return nil, fmt.Errorf("failed to decode before data: %w", err)
	}
	after, err := decodeRowData(event.After)
	if err != nil {
		return nil, fmt.Errorf("failed to decode after data: %w", err)
	}

	message := debeziumMessage{
		Schema: envelopeSchema,
		Payload: debeziumPayload{
			Before: before,
			After:  after,
			Op:     d.mapOperation(event.Operation),
			TsMs:   event.CommitTS,
			Source: debeziumSource{
				Connector: d.connectorName,
				Db:        event.Database,
				Table:     event.Table,
				Job:       event.JobID,
				Shard:     event.Shard,
				Pos:       event.Position,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// decodeRowData decodes msgpack-encoded column values. A nil image stays nil.
func decodeRowData(data map[string][]byte) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	result := make(map[string]any, len(data))
	for colName, raw := range data {
		var val any
		if err := encoding.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("failed to decode column %s: %w", colName, err)
		}
		result[colName] = val
	}
	return result, nil
}

func (d *DebeziumTransformer) mapOperation(op uint8) string {
	switch op {
	case publisher.OpInsert:
		return "c"
	case publisher.OpUpdate:
		return "u"
	case publisher.OpDelete:
		return "d"
	}
	log.Warn().Uint8("operation", op).Msg("unknown change operation, defaulting to update")
	return "u"
}

func (d *DebeziumTransformer) getOrBuildSchema(database, table string, schema publisher.TableSchema) *debeziumEnvelopeSchema {
	key := schemaCacheKey(database, table, schema)
	if cached, ok := d.schemaCache.Get(key); ok {
		return cached
	}
	envelopeSchema := d.buildEnvelopeSchema(database, table, schema)
	d.schemaCache.Add(key, envelopeSchema)
	return envelopeSchema
}

func schemaCacheKey(database, table string, schema publisher.TableSchema) string {
	var sb strings.Builder
	sb.WriteString(database)
	sb.WriteByte('.')
	sb.WriteString(table)
	for _, col := range schema.Columns {
		sb.WriteByte('|')
		sb.WriteString(col.Name)
		sb.WriteByte(':')
		sb.WriteString(col.Type)
	}
	return sb.String()
}

func (d *DebeziumTransformer) buildEnvelopeSchema(database, table string, schema publisher.TableSchema) *debeziumEnvelopeSchema {
	valueSchemaName := database + "." + table + ".Value"

	columnFields := make([]debeziumSchemaField, len(schema.Columns))
	for i, col := range schema.Columns {
		columnFields[i] = debeziumSchemaField{
			Field:    col.Name,
			Type:     mapColumnType(col.Type),
			Optional: col.Nullable,
		}
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: database + "." + table + ".Envelope",
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.ferry.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "job", Type: "string"},
					{Field: "shard", Type: "int32"},
					{Field: "pos", Type: "string"},
				},
			},
		},
	}
}

// mapColumnType maps a column type name onto a Debezium type. Both the Go
// value kinds derived from records and MySQL data type names are accepted.
func mapColumnType(columnType string) string {
	t := strings.ToLower(columnType)
	switch t {
	case "int64", "float", "double", "boolean", "bytes", "string":
		return t
	case "timestamp", "datetime", "date", "time", "json", "decimal":
		return "string"
	}

	switch {
	case strings.Contains(t, "int"):
		return "int64"
	case strings.Contains(t, "char"), strings.Contains(t, "text"), strings.Contains(t, "enum"):
		return "string"
	case strings.Contains(t, "blob"), strings.Contains(t, "binary"), t == "bit":
		return "bytes"
	case strings.Contains(t, "float"):
		return "float"
	case strings.Contains(t, "double"), strings.Contains(t, "real"):
		return "double"
	case strings.HasPrefix(t, "bool"):
		return "boolean"
	}
	return "string"
}
