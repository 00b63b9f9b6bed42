package task

import (
	"context"
	"database/sql"

	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/dumper"
	"github.com/maxpert/ferry/importer"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/progress"
)

// InventoryTask copies one table and finishes once every row is applied
type InventoryTask struct {
	*runner
}

func NewInventoryTask(config Config, initial progress.TaskProgress, newDumper DumperFactory, writer importer.Writer) (*InventoryTask, error) {
	r, err := newRunner(config, initial, newDumper, writer)
	if err != nil {
		return nil, err
	}
	r.finishedOn = func(p progress.TaskProgress) bool {
		_, ok := p.Position.(ingest.FinishedPosition)
		return ok
	}
	if r.finishedOn(r.progress) {
		r.progress.State = progress.TaskFinished
	}
	return &InventoryTask{runner: r}, nil
}

// InventoryDumperFactory resumes a table copy from the acknowledged cursor
func InventoryDumperFactory(config dumper.InventoryDumperConfig, db *sql.DB, loader dumper.MetadataLoader, handlers dumper.ValueHandlers) DumperFactory {
	return func(_ context.Context, position ingest.Position, ch channel.Producer) (Dumper, error) {
		c := config
		c.Position = position
		return dumper.NewInventoryDumper(c, db, loader, handlers, ch)
	}
}
