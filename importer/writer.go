package importer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/publisher"
)

// Writer applies a batch of data records to a target
type Writer interface {
	Write(ctx context.Context, records []*ingest.DataRecord) error
	Close() error
}

// NewWriter builds the writer for a job target. Stream targets need the
// publisher sink and transformer packages linked in.
func NewWriter(jobID string, shard int, database string, target cfg.TargetConfiguration) (Writer, error) {
	switch target.Type {
	case cfg.TargetMySQL:
		db, err := sql.Open("mysql", target.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open target database: %w", err)
		}
		return NewSQLWriter(db, target.Database, target.MaxRetries), nil
	case cfg.TargetKafka, cfg.TargetNATS:
		p, err := publisher.New(jobID, database, target)
		if err != nil {
			return nil, err
		}
		return NewStreamWriter(p, shard), nil
	}
	return nil, fmt.Errorf("invalid target type: %q", target.Type)
}
