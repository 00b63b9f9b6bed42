// Package check compares migrated tables between the sources of a job and its
// target. A table matches when the row counts and the row checksums agree.
package check

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

var mysqlDialect = goqu.Dialect("mysql")

var nullMarker = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// TableRef locates one physical table
type TableRef struct {
	DB     *sql.DB
	Schema string
	Table  string
}

func (r TableRef) String() string {
	return r.Schema + "." + r.Table
}

// TableCheck compares every source table feeding a logical table with the
// target table. Columns are compared in the given order.
type TableCheck struct {
	Logical string
	Columns []string
	Sources []TableRef
	Target  TableRef
}

// TableResult is the outcome for one logical table
type TableResult struct {
	Logical        string
	SourceRows     int64
	TargetRows     int64
	SourceChecksum uint64
	TargetChecksum uint64
}

func (r TableResult) Match() bool {
	return r.SourceRows == r.TargetRows && r.SourceChecksum == r.TargetChecksum
}

// Result is the outcome of a whole check
type Result struct {
	Tables []TableResult
}

// OK reports whether every table matched
func (r Result) OK() bool {
	for _, t := range r.Tables {
		if !t.Match() {
			return false
		}
	}
	return true
}

// Mismatched returns the logical names of tables that differ
func (r Result) Mismatched() []string {
	var names []string
	for _, t := range r.Tables {
		if !t.Match() {
			names = append(names, t.Logical)
		}
	}
	return names
}

// Checker runs table checks sequentially
type Checker struct{}

func NewChecker() *Checker {
	return &Checker{}
}

// Check digests every table. Row hashes are summed so sharded sources combine
// regardless of which shard holds a row.
func (c *Checker) Check(ctx context.Context, tables []TableCheck) (Result, error) {
	start := time.Now()
	result, err := c.check(ctx, tables)
	telemetry.CheckDurationSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		telemetry.CheckResultsTotal.With("error").Inc()
	case result.OK():
		telemetry.CheckResultsTotal.With("match").Inc()
	default:
		telemetry.CheckResultsTotal.With("mismatch").Inc()
	}
	return result, err
}

func (c *Checker) check(ctx context.Context, tables []TableCheck) (Result, error) {
	var result Result
	for _, t := range tables {
		if len(t.Columns) == 0 {
			return result, fmt.Errorf("table %s: no columns to compare", t.Logical)
		}
		if len(t.Sources) == 0 {
			return result, fmt.Errorf("table %s: no source tables", t.Logical)
		}

		tr := TableResult{Logical: t.Logical}
		for _, src := range t.Sources {
			rows, sum, err := digest(ctx, src, t.Columns)
			if err != nil {
				return result, err
			}
			tr.SourceRows += rows
			tr.SourceChecksum += sum
		}

		var err error
		tr.TargetRows, tr.TargetChecksum, err = digest(ctx, t.Target, t.Columns)
		if err != nil {
			return result, err
		}

		log.Debug().
			Str("table", t.Logical).
			Int64("source_rows", tr.SourceRows).
			Int64("target_rows", tr.TargetRows).
			Bool("match", tr.Match()).
			Msg("Checked table")
		result.Tables = append(result.Tables, tr)
	}
	return result, nil
}

// digest counts the rows of a table and sums their hashes. The sum does not
// depend on row order, so the scan is unordered.
func digest(ctx context.Context, ref TableRef, columns []string) (int64, uint64, error) {
	if ref.DB == nil {
		return 0, 0, errors.New("table " + ref.String() + " has no connection")
	}

	selected := make([]any, len(columns))
	for i, c := range columns {
		selected[i] = c
	}
	ds := mysqlDialect.From(goqu.S(ref.Schema).Table(ref.Table)).Select(selected...)
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build checksum query for %s: %w", ref, err)
	}

	rows, err := ref.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	defer rows.Close()

	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var (
		count int64
		sum   uint64
		h     = xxhash.New()
	)
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return 0, 0, fmt.Errorf("failed to scan %s: %w", ref, err)
		}
		sum += hashRow(h, values)
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return count, sum, nil
}

// hashRow length-prefixes each value so ("ab","c") and ("a","bc") differ
func hashRow(h *xxhash.Digest, values []any) uint64 {
	h.Reset()
	var size [8]byte
	for _, v := range values {
		var b []byte
		switch v := v.(type) {
		case nil:
			h.Write(nullMarker)
			continue
		case []byte:
			b = v
		case string:
			b = []byte(v)
		default:
			b = fmt.Appendf(nil, "%v", v)
		}
		binary.BigEndian.PutUint64(size[:], uint64(len(b)))
		h.Write(size[:])
		h.Write(b)
	}
	return h.Sum64()
}
