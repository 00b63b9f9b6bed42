package dumper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrTableNotFound is returned when information_schema has no columns for a table
var ErrTableNotFound = errors.New("table not found")

// ColumnMetadata describes one source column
type ColumnMetadata struct {
	Table      string
	Name       string
	Ordinal    int
	DataType   string // lower case, with " unsigned" appended for unsigned integers
	PrimaryKey bool
}

// TableMetadata lists columns in ordinal order
type TableMetadata struct {
	Schema  string
	Name    string
	Columns []ColumnMetadata
}

// PrimaryKeys returns the key column names in ordinal order
func (t *TableMetadata) PrimaryKeys() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// MetadataLoader resolves column metadata for a source table
type MetadataLoader interface {
	Load(ctx context.Context, schema, table string) (*TableMetadata, error)
}

// ColumnMetadataLoader reads information_schema and caches every table it
// loaded for its own lifetime. There is no DDL driven invalidation.
type ColumnMetadataLoader struct {
	db    *sql.DB
	cache *xsync.MapOf[string, *TableMetadata]
}

func NewColumnMetadataLoader(db *sql.DB) *ColumnMetadataLoader {
	return &ColumnMetadataLoader{
		db:    db,
		cache: xsync.NewMapOf[string, *TableMetadata](),
	}
}

func (l *ColumnMetadataLoader) Load(ctx context.Context, schema, table string) (*TableMetadata, error) {
	key := schema + "." + table
	if md, ok := l.cache.Load(key); ok {
		return md, nil
	}

	md, err := l.load(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	actual, _ := l.cache.LoadOrStore(key, md)
	return actual, nil
}

func (l *ColumnMetadataLoader) load(ctx context.Context, schema, table string) (*TableMetadata, error) {
	primaryKeys, err := l.primaryKeys(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	q := `SELECT c.column_name, c.data_type, c.column_type, c.ordinal_position
              FROM information_schema.COLUMNS c
              WHERE c.table_schema = ? AND c.table_name = ? ORDER BY c.ordinal_position`
	rows, err := l.db.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, fmt.Errorf("couldn't get columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	md := &TableMetadata{Schema: schema, Name: table}
	for rows.Next() {
		var name, dataType, columnType string
		var ordinal int
		if err := rows.Scan(&name, &dataType, &columnType, &ordinal); err != nil {
			return nil, fmt.Errorf("couldn't scan column of %s.%s: %w", schema, table, err)
		}
		md.Columns = append(md.Columns, ColumnMetadata{
			Table:      table,
			Name:       name,
			Ordinal:    ordinal,
			DataType:   dataTypeName(dataType, columnType),
			PrimaryKey: primaryKeys[name],
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(md.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, schema, table)
	}

	log.Debug().Str("table", schema+"."+table).Int("columns", len(md.Columns)).Msg("Loaded column metadata")
	return md, nil
}

func (l *ColumnMetadataLoader) primaryKeys(ctx context.Context, schema, table string) (map[string]bool, error) {
	q := `SELECT k.COLUMN_NAME
              FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS AS t
                INNER JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE AS k
                  ON t.CONSTRAINT_NAME = k.CONSTRAINT_NAME AND t.CONSTRAINT_SCHEMA = k.CONSTRAINT_SCHEMA AND t.TABLE_NAME = k.TABLE_NAME
              WHERE k.TABLE_SCHEMA = ? AND k.TABLE_NAME = ? AND t.CONSTRAINT_TYPE = 'PRIMARY KEY' ORDER BY k.ordinal_position`
	rows, err := l.db.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, fmt.Errorf("couldn't get primary key of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		keys[col] = true
	}
	return keys, rows.Err()
}

// ListTables returns the base tables of a schema
func (l *ColumnMetadataLoader) ListTables(ctx context.Context, schema string) ([]string, error) {
	q := "SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' AND table_schema = ? ORDER BY table_name"
	rows, err := l.db.QueryContext(ctx, q, schema)
	if err != nil {
		return nil, fmt.Errorf("couldn't list tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Cached reports whether a table is already in the cache
func (l *ColumnMetadataLoader) Cached(schema, table string) bool {
	_, ok := l.cache.Load(schema + "." + table)
	return ok
}

func dataTypeName(dataType, columnType string) string {
	name := strings.ToLower(dataType)
	if strings.Contains(strings.ToLower(columnType), "unsigned") {
		name += " unsigned"
	}
	return name
}
