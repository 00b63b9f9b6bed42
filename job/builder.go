package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/ferry/binlog"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/check"
	"github.com/maxpert/ferry/dumper"
	"github.com/maxpert/ferry/importer"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/progress"
	"github.com/maxpert/ferry/task"
	"github.com/rs/zerolog/log"
)

// SourceDatabaseType is stamped on every progress document
const SourceDatabaseType = "MySQL"

// ErrCheckUnsupported is returned when the target cannot be read back
var ErrCheckUnsupported = errors.New("consistency check needs a mysql target")

// ShardTasks are the tasks reading one source shard
type ShardTasks struct {
	Shard       int
	Inventory   []task.Task
	Incremental task.Task
}

// Builder creates the tasks of a job and the tables a consistency check covers
type Builder interface {
	// Build restores the tasks of a shard from its saved progress
	Build(ctx context.Context, shard int, saved progress.JobProgress) (*ShardTasks, error)
	CheckTables(ctx context.Context) ([]check.TableCheck, error)
	Close() error
}

// BuilderFactory creates the builder of a job
type BuilderFactory func(jobID string, config cfg.JobConfiguration) (Builder, error)

func InventoryTaskID(shard int, table string) string {
	return fmt.Sprintf("inventory-%d-%s", shard, table)
}

func IncrementalTaskID(shard int) string {
	return fmt.Sprintf("incremental-%d", shard)
}

type sourceShard struct {
	db     *sql.DB
	loader *dumper.ColumnMetadataLoader
	writer importer.Writer
}

// MySQLBuilder wires dumpers reading MySQL sources to the configured target
type MySQLBuilder struct {
	jobID    string
	config   cfg.JobConfiguration
	tables   *dumper.TableNameMap
	handlers dumper.ValueHandlers

	mu      sync.Mutex
	shards  map[int]*sourceShard
	checkDB *sql.DB
}

func NewMySQLBuilder(jobID string, config cfg.JobConfiguration) (Builder, error) {
	tables, err := dumper.NewTableNameMap(config.Tables)
	if err != nil {
		return nil, err
	}
	return &MySQLBuilder{
		jobID:    jobID,
		config:   config,
		tables:   tables,
		handlers: dumper.DefaultValueHandlers(),
		shards:   make(map[int]*sourceShard),
	}, nil
}

func (b *MySQLBuilder) shard(id int) (*sourceShard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.shards[id]; ok {
		return s, nil
	}
	if id < 0 || id >= len(b.config.Sources) {
		return nil, fmt.Errorf("job %s has no source shard %d", b.config.Name, id)
	}
	src := b.config.Sources[id]
	if src.Type != cfg.SourceStandard {
		return nil, fmt.Errorf("%w: %s", dumper.ErrUnsupportedDataSource, src.Type)
	}

	db, err := sql.Open("mysql", src.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open source %d: %w", id, err)
	}
	writer, err := importer.NewWriter(b.jobID, id, src.Database, b.config.Target)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &sourceShard{db: db, loader: dumper.NewColumnMetadataLoader(db), writer: writer}
	b.shards[id] = s
	return s, nil
}

// actualTables lists the mapped source tables of a shard
func (b *MySQLBuilder) actualTables(ctx context.Context, shard int, s *sourceShard) ([]string, error) {
	all, err := s.loader.ListTables(ctx, b.config.Sources[shard].Database)
	if err != nil {
		return nil, err
	}
	return b.tables.Filter(all), nil
}

func (b *MySQLBuilder) Build(ctx context.Context, shard int, saved progress.JobProgress) (*ShardTasks, error) {
	s, err := b.shard(shard)
	if err != nil {
		return nil, err
	}
	src := b.config.Sources[shard]
	out := &ShardTasks{Shard: shard}

	if b.config.Inventory.Enabled {
		tables, err := b.actualTables(ctx, shard, s)
		if err != nil {
			return nil, err
		}
		for _, table := range tables {
			logical, _ := b.tables.Lookup(table)
			id := InventoryTaskID(shard, table)
			factory := task.InventoryDumperFactory(dumper.InventoryDumperConfig{
				JobID:         b.jobID,
				ShardID:       shard,
				Schema:        src.Database,
				ActualTable:   table,
				LogicalTable:  logical,
				BatchSize:     b.config.Inventory.BatchSize,
				RowsPerSecond: b.config.Inventory.RowsPerSecond,
			}, s.db, s.loader, b.handlers)

			t, err := task.NewInventoryTask(b.taskConfig(id, b.config.Inventory.BatchSize), saved.Inventory[id], factory, s.writer)
			if err != nil {
				return nil, err
			}
			out.Inventory = append(out.Inventory, t)
		}
	}

	id := IncrementalTaskID(shard)
	initial := saved.Incremental[id]
	if _, ok := initial.Position.(ingest.BinlogPosition); !ok {
		// Pin the binlog before the copy starts so rows changed during the copy are replayed
		pos, err := dumper.InitBinlogPosition(ctx, s.db)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", shard, err)
		}
		initial.Position = pos
		log.Info().Str("job_id", b.jobID).Int("shard", shard).Str("position", pos.String()).Msg("Pinned incremental start position")
	}

	factory := task.IncrementalDumperFactory(dumper.IncrementalDumperConfig{
		JobID:        b.jobID,
		ShardID:      shard,
		Source:       src,
		TableNameMap: b.tables,
		PollTimeout:  b.config.PollTimeout(),
	}, s.db, func() binlog.Client {
		return binlog.NewMySQLClient(binlog.MySQLClientConfig{
			Host:     src.Host,
			Port:     src.Port,
			User:     src.User,
			Password: src.Password,
			ServerID: src.ServerID,
		})
	}, s.loader, b.handlers)

	out.Incremental, err = task.NewIncrementalTask(b.taskConfig(id, b.config.Incremental.BatchSize), initial, factory, s.writer)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *MySQLBuilder) taskConfig(id string, batchSize int) task.Config {
	return task.Config{
		JobID:           b.jobID,
		TaskID:          id,
		ChannelCapacity: b.config.Channel.Capacity,
		Consumers:       b.config.Channel.Consumers,
		BatchSize:       batchSize,
	}
}

// CheckTables groups every mapped source table under its logical table
func (b *MySQLBuilder) CheckTables(ctx context.Context) ([]check.TableCheck, error) {
	if b.config.Target.Type != cfg.TargetMySQL {
		return nil, ErrCheckUnsupported
	}

	b.mu.Lock()
	if b.checkDB == nil {
		db, err := sql.Open("mysql", b.config.Target.DSN())
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to open target database: %w", err)
		}
		b.checkDB = db
	}
	target := b.checkDB
	b.mu.Unlock()

	byLogical := make(map[string]*check.TableCheck)
	var order []string
	for shard := range b.config.Sources {
		s, err := b.shard(shard)
		if err != nil {
			return nil, err
		}
		schema := b.config.Sources[shard].Database
		tables, err := b.actualTables(ctx, shard, s)
		if err != nil {
			return nil, err
		}

		for _, table := range tables {
			logical, _ := b.tables.Lookup(table)
			tc, ok := byLogical[logical]
			if !ok {
				md, err := s.loader.Load(ctx, schema, table)
				if err != nil {
					return nil, err
				}
				tc = &check.TableCheck{
					Logical: logical,
					Target:  check.TableRef{DB: target, Schema: b.config.Target.Database, Table: logical},
				}
				for _, c := range md.Columns {
					tc.Columns = append(tc.Columns, c.Name)
				}
				byLogical[logical] = tc
				order = append(order, logical)
			}
			tc.Sources = append(tc.Sources, check.TableRef{DB: s.db, Schema: schema, Table: table})
		}
	}

	out := make([]check.TableCheck, 0, len(order))
	for _, logical := range order {
		out = append(out, *byLogical[logical])
	}
	return out, nil
}

func (b *MySQLBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for id, s := range b.shards {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d writer: %w", id, err))
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d source: %w", id, err))
		}
	}
	b.shards = make(map[int]*sourceShard)
	if b.checkDB != nil {
		if err := b.checkDB.Close(); err != nil {
			errs = append(errs, err)
		}
		b.checkDB = nil
	}
	return errors.Join(errs...)
}
