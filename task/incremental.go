package task

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maxpert/ferry/binlog"
	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/dumper"
	"github.com/maxpert/ferry/importer"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/progress"
	"github.com/rs/zerolog/log"
)

// IncrementalTask tails one source's binlog. It never finishes on its own.
type IncrementalTask struct {
	*runner
}

func NewIncrementalTask(config Config, initial progress.TaskProgress, newDumper DumperFactory, writer importer.Writer) (*IncrementalTask, error) {
	r, err := newRunner(config, initial, newDumper, writer)
	if err != nil {
		return nil, err
	}
	return &IncrementalTask{runner: r}, nil
}

// IncrementalDumperFactory builds a binlog dumper with a fresh client per
// start. Without a checkpoint it begins at the source's current binlog position.
func IncrementalDumperFactory(
	config dumper.IncrementalDumperConfig,
	db *sql.DB,
	newClient func() binlog.Client,
	loader dumper.MetadataLoader,
	handlers dumper.ValueHandlers,
) DumperFactory {
	return func(ctx context.Context, position ingest.Position, ch channel.Producer) (Dumper, error) {
		start, err := startPosition(ctx, db, position)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("job", config.JobID).
			Int("shard", config.ShardID).
			Str("position", start.String()).
			Msg("Starting incremental dump")
		return dumper.NewIncrementalDumper(config, start, newClient(), loader, handlers, ch)
	}
}

func startPosition(ctx context.Context, db *sql.DB, position ingest.Position) (ingest.BinlogPosition, error) {
	switch p := position.(type) {
	case ingest.BinlogPosition:
		return p, nil
	case nil, ingest.PlaceholderPosition:
		return dumper.InitBinlogPosition(ctx, db)
	}
	return ingest.BinlogPosition{}, fmt.Errorf("incremental task cannot resume from %T position %q", position, position.String())
}
