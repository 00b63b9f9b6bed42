package dumper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
)

// ErrUnsupportedPrimaryKey is returned for tables without a single integer primary key
var ErrUnsupportedPrimaryKey = errors.New("inventory needs a single integer primary key")

// ErrKeyOutOfRange is returned for unsigned keys that do not fit a range position
var ErrKeyOutOfRange = errors.New("primary key exceeds the signed 64-bit range")

const defaultInventoryBatchSize = 1000

var mysqlDialect = goqu.Dialect("mysql")

type InventoryDumperConfig struct {
	JobID         string
	ShardID       int
	Schema        string
	ActualTable   string
	LogicalTable  string
	BatchSize     int
	RowsPerSecond int
	// Position is the last copied cursor; nil or a placeholder starts from the beginning
	Position ingest.Position
}

// InventoryDumper copies a whole table in primary key order. Each row is pushed
// as an INSERT carrying IntegerPrimaryKeyPosition{page begin, row key}, so a
// resume continues right after the newest acknowledged row.
type InventoryDumper struct {
	config   InventoryDumperConfig
	db       *sql.DB
	loader   MetadataLoader
	handlers ValueHandlers
	channel  channel.Producer
	limiter  ratelimit.Limiter

	running atomic.Bool
	used    atomic.Bool
	rows    atomic.Int64
}

func NewInventoryDumper(config InventoryDumperConfig, db *sql.DB, loader MetadataLoader, handlers ValueHandlers, ch channel.Producer) (*InventoryDumper, error) {
	if db == nil || loader == nil || ch == nil {
		return nil, fmt.Errorf("inventory dumper needs a database, a metadata loader and a channel")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultInventoryBatchSize
	}
	if config.LogicalTable == "" {
		config.LogicalTable = config.ActualTable
	}
	if handlers == nil {
		handlers = ValueHandlers{}
	}

	d := &InventoryDumper{
		config:   config,
		db:       db,
		loader:   loader,
		handlers: handlers,
		channel:  ch,
		limiter:  ratelimit.NewUnlimited(),
	}
	if config.RowsPerSecond > 0 {
		d.limiter = ratelimit.New(config.RowsPerSecond)
	}
	return d, nil
}

// Start copies until the table is exhausted, Stop or an error. A complete copy
// ends with FinishedRecord{FinishedPosition}; any other exit ends with a
// placeholder FinishedRecord.
func (d *InventoryDumper) Start(ctx context.Context) error {
	if !d.used.CompareAndSwap(false, true) {
		return ErrDumperClosed
	}
	d.running.Store(true)
	defer d.running.Store(false)

	logger := log.With().
		Str("job_id", d.config.JobID).
		Int("shard", d.config.ShardID).
		Str("table", d.config.Schema+"."+d.config.ActualTable).
		Logger()

	complete, err := d.dump(ctx)
	var finished ingest.Position = ingest.PlaceholderPosition{}
	switch {
	case err != nil:
		telemetry.DumperErrorsTotal.With(d.config.JobID).Inc()
		logger.Error().Err(err).Int64("rows", d.rows.Load()).Msg("Inventory dump failed")
	case complete:
		finished = ingest.FinishedPosition{}
		logger.Info().Int64("rows", d.rows.Load()).Msg("Inventory dump finished")
	default:
		logger.Info().Int64("rows", d.rows.Load()).Msg("Inventory dump stopped")
	}

	if pushErr := d.channel.Push(context.WithoutCancel(ctx), &ingest.FinishedRecord{Position: finished}); pushErr != nil && !errors.Is(pushErr, channel.ErrClosed) {
		logger.Warn().Err(pushErr).Msg("Failed to push finished record")
	}
	return err
}

func (d *InventoryDumper) Stop() {
	d.running.Store(false)
}

// Rows returns the number of rows pushed so far
func (d *InventoryDumper) Rows() int64 {
	return d.rows.Load()
}

func (d *InventoryDumper) dump(ctx context.Context) (bool, error) {
	begin, done := d.resumeFrom()
	if done {
		return true, nil
	}

	md, err := d.loader.Load(ctx, d.config.Schema, d.config.ActualTable)
	if err != nil {
		return false, err
	}
	pk, err := integerPrimaryKey(md)
	if err != nil {
		return false, err
	}

	columns := make([]any, len(md.Columns))
	for i, c := range md.Columns {
		columns[i] = c.Name
	}

	for d.running.Load() {
		if ctx.Err() != nil {
			return false, nil
		}

		query, args, err := mysqlDialect.
			From(goqu.S(d.config.Schema).Table(d.config.ActualTable)).
			Select(columns...).
			Where(goqu.C(pk.Name).Gte(begin)).
			Order(goqu.C(pk.Name).Asc()).
			Limit(uint(d.config.BatchSize)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return false, fmt.Errorf("failed to build page query: %w", err)
		}

		count, last, err := d.copyPage(ctx, query, args, md, pk, begin)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return false, nil
			}
			return false, err
		}
		if count < d.config.BatchSize {
			// A short page is the end of the table unless Stop cut it short
			return d.running.Load(), nil
		}
		begin = last + 1
	}
	return false, nil
}

// resumeFrom returns the first key to copy
func (d *InventoryDumper) resumeFrom() (int64, bool) {
	switch p := d.config.Position.(type) {
	case ingest.FinishedPosition:
		return 0, true
	case ingest.IntegerPrimaryKeyPosition:
		return p.End + 1, false
	}
	return 0, false
}

func (d *InventoryDumper) copyPage(ctx context.Context, query string, args []any, md *TableMetadata, pk ColumnMetadata, begin int64) (int, int64, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query %s.%s from %d: %w", d.config.Schema, d.config.ActualTable, begin, err)
	}
	defer rows.Close()

	count := 0
	var last int64
	values := make([]any, len(md.Columns))
	dest := make([]any, len(md.Columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if !d.running.Load() {
			break
		}
		if err := rows.Scan(dest...); err != nil {
			return count, last, fmt.Errorf("failed to scan %s.%s: %w", d.config.Schema, d.config.ActualTable, err)
		}

		record := &ingest.DataRecord{
			Type:    ingest.Insert,
			Table:   d.config.LogicalTable,
			Columns: make([]ingest.Column, 0, len(values)),
		}
		for i, raw := range values {
			col := md.Columns[i]
			value, err := d.handlers.Handle(col.DataType, scannedValue(col.DataType, raw))
			if err != nil {
				return count, last, fmt.Errorf("column %s.%s: %w", col.Table, col.Name, err)
			}
			if col.Name == pk.Name {
				if last, err = toInt64(raw); err != nil {
					return count, last, fmt.Errorf("primary key %s.%s: %w", col.Table, col.Name, err)
				}
			}
			record.Columns = append(record.Columns, ingest.Column{
				Name:       col.Name,
				Value:      value,
				Updated:    true,
				PrimaryKey: col.PrimaryKey,
			})
		}
		record.Position = ingest.IntegerPrimaryKeyPosition{Begin: begin, End: last}

		d.limiter.Take()
		if err := d.channel.Push(ctx, record); err != nil {
			return count, last, err
		}
		count++
		d.rows.Add(1)
		telemetry.InventoryRowsTotal.With(d.config.JobID, d.config.LogicalTable).Inc()
	}
	return count, last, rows.Err()
}

func integerPrimaryKey(md *TableMetadata) (ColumnMetadata, error) {
	var keys []ColumnMetadata
	for _, c := range md.Columns {
		if c.PrimaryKey {
			keys = append(keys, c)
		}
	}
	if len(keys) != 1 || !isIntegerType(keys[0].DataType) {
		return ColumnMetadata{}, fmt.Errorf("%w: %s.%s", ErrUnsupportedPrimaryKey, md.Schema, md.Name)
	}
	return keys[0], nil
}

func isIntegerType(dataType string) bool {
	switch strings.TrimSuffix(dataType, " unsigned") {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint":
		return true
	}
	return false
}

var binaryTypes = map[string]bool{
	"bit": true, "binary": true, "varbinary": true,
	"tinyblob": true, "blob": true, "mediumblob": true, "longblob": true,
}

// scannedValue turns driver text bytes into strings for non binary columns
func scannedValue(dataType string, raw any) any {
	if b, ok := raw.([]byte); ok && !binaryTypes[dataType] {
		return string(b)
	}
	return raw
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d", ErrKeyOutOfRange, n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case []byte:
		return parseKey(string(n))
	case string:
		return parseKey(n)
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

func parseKey(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%w: %s", ErrKeyOutOfRange, s)
	}
	return n, err
}
