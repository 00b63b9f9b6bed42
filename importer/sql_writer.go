package importer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/ferry/ingest"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnRetries   = 3
	defaultRetryInterval = 200 * time.Millisecond
)

var mysqlDialect = goqu.Dialect("mysql")

// executor abstracts sql.DB and sql.Tx
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLWriter applies records to a MySQL target. Each batch runs in a single
// transaction; only connection failures are retried.
type SQLWriter struct {
	db            *sql.DB
	schema        string
	retries       int
	retryInterval time.Duration
}

func NewSQLWriter(db *sql.DB, schema string, retries int) *SQLWriter {
	if retries <= 0 {
		retries = defaultConnRetries
	}
	return &SQLWriter{db: db, schema: schema, retries: retries, retryInterval: defaultRetryInterval}
}

func (w *SQLWriter) Write(ctx context.Context, records []*ingest.DataRecord) error {
	if len(records) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.retries)), ctx)

	op := func() error {
		err := w.writeTx(ctx, records)
		if err != nil && !isConnectionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		log.Warn().Err(err).Str("schema", w.schema).Dur("retry_delay", delay).Msg("Target connection failed, retrying batch")
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (w *SQLWriter) writeTx(ctx context.Context, records []*ingest.DataRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.apply(ctx, tx, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (w *SQLWriter) apply(ctx context.Context, exec executor, r *ingest.DataRecord) error {
	var (
		query string
		args  []any
		err   error
	)
	switch r.Type {
	case ingest.Insert:
		query, args, err = w.upsertSQL(r)
	case ingest.Update:
		query, args, err = w.updateSQL(r)
	case ingest.Delete:
		query, args, err = w.deleteSQL(r)
	default:
		return fmt.Errorf("%s %s: unknown change type", r.Type, r.Table)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.Type, r.Table, err)
	}
	if query == "" {
		return nil
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s %s: %w", r.Type, r.Table, err)
	}
	return nil
}

func (w *SQLWriter) table(r *ingest.DataRecord) exp.IdentifierExpression {
	if w.schema == "" {
		return goqu.T(r.Table)
	}
	return goqu.S(w.schema).Table(r.Table)
}

// upsertSQL writes the whole row, replacing an existing row with the same key
func (w *SQLWriter) upsertSQL(r *ingest.DataRecord) (string, []any, error) {
	if len(r.Columns) == 0 {
		return "", nil, errors.New("no values to insert")
	}
	row := goqu.Record{}
	for _, c := range r.Columns {
		row[c.Name] = c.Value
	}
	return mysqlDialect.Insert(w.table(r)).
		Rows(row).
		OnConflict(goqu.DoUpdate("", row)).
		Prepared(true).
		ToSQL()
}

// updateSQL sets the changed columns on the row located by the old key.
// An update that changed nothing produces no statement.
func (w *SQLWriter) updateSQL(r *ingest.DataRecord) (string, []any, error) {
	where, err := keyCondition(r)
	if err != nil {
		return "", nil, err
	}
	set := goqu.Record{}
	for _, c := range r.Columns {
		if c.Updated {
			set[c.Name] = c.Value
		}
	}
	if len(set) == 0 {
		return "", nil, nil
	}
	return mysqlDialect.Update(w.table(r)).Set(set).Where(where).Prepared(true).ToSQL()
}

func (w *SQLWriter) deleteSQL(r *ingest.DataRecord) (string, []any, error) {
	where, err := keyCondition(r)
	if err != nil {
		return "", nil, err
	}
	return mysqlDialect.Delete(w.table(r)).Where(where).Prepared(true).ToSQL()
}

func keyCondition(r *ingest.DataRecord) (goqu.Ex, error) {
	keys := r.PrimaryKeys()
	if len(keys) == 0 {
		return nil, errors.New("primary key column not found")
	}
	where := goqu.Ex{}
	for _, c := range keys {
		where[c.Name] = c.KeyValue()
	}
	return where, nil
}

func isConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone)
}

func (w *SQLWriter) Close() error {
	return w.db.Close()
}
