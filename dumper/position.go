package dumper

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/maxpert/ferry/ingest"
)

// InitBinlogPosition reads the current binlog coordinates of a source. It is
// used when an incremental task has never checkpointed.
func InitBinlogPosition(ctx context.Context, db *sql.DB) (ingest.BinlogPosition, error) {
	rows, err := db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return ingest.BinlogPosition{}, fmt.Errorf("failed to read master status: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return ingest.BinlogPosition{}, err
	}
	if len(columns) < 2 {
		return ingest.BinlogPosition{}, fmt.Errorf("unexpected master status columns %v", columns)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ingest.BinlogPosition{}, err
		}
		return ingest.BinlogPosition{}, fmt.Errorf("binary logging is not enabled on the source")
	}

	raw := make([]sql.RawBytes, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return ingest.BinlogPosition{}, fmt.Errorf("failed to scan master status: %w", err)
	}

	fileName := string(raw[0])
	offset, err := strconv.ParseInt(string(raw[1]), 10, 64)
	if err != nil {
		return ingest.BinlogPosition{}, fmt.Errorf("bad master status position %q: %w", raw[1], err)
	}
	rows.Close()

	var serverID int64
	if err := db.QueryRowContext(ctx, "SELECT @@server_id").Scan(&serverID); err != nil {
		return ingest.BinlogPosition{}, fmt.Errorf("failed to read server id: %w", err)
	}

	return ingest.BinlogPosition{FileName: fileName, Offset: offset, ServerID: serverID}, nil
}
