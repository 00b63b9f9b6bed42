package dumper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/maxpert/ferry/binlog"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnsupportedDataSource is returned for sources a dumper cannot read directly
	ErrUnsupportedDataSource = errors.New("unsupported data source type")
	// ErrDumperClosed is returned by Start on a dumper that already ran
	ErrDumperClosed = errors.New("dumper already started")
)

const defaultPollTimeout = 500 * time.Millisecond

type IncrementalDumperConfig struct {
	JobID        string
	ShardID      int
	Source       cfg.SourceConfiguration
	TableNameMap *TableNameMap
	PollTimeout  time.Duration
}

// IncrementalDumper tails one source binlog from a position and pushes one
// record per event (per row for row events) onto its channel. An instance runs
// once; a resume needs a new dumper seeded with the last checkpoint.
type IncrementalDumper struct {
	config   IncrementalDumperConfig
	position ingest.BinlogPosition
	client   binlog.Client
	loader   MetadataLoader
	handlers ValueHandlers
	channel  channel.Producer

	running    atomic.Bool
	stopped    atomic.Bool
	used       atomic.Bool
	eventCount atomic.Int64
}

func NewIncrementalDumper(
	config IncrementalDumperConfig,
	position ingest.BinlogPosition,
	client binlog.Client,
	loader MetadataLoader,
	handlers ValueHandlers,
	ch channel.Producer,
) (*IncrementalDumper, error) {
	if config.Source.Type != cfg.SourceStandard {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDataSource, config.Source.Type)
	}
	if client == nil || loader == nil || ch == nil {
		return nil, fmt.Errorf("incremental dumper needs a client, a metadata loader and a channel")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaultPollTimeout
	}
	if handlers == nil {
		handlers = ValueHandlers{}
	}

	return &IncrementalDumper{
		config:   config,
		position: position,
		client:   client,
		loader:   loader,
		handlers: handlers,
		channel:  ch,
	}, nil
}

// Start runs the dump loop until Stop, context cancellation or an error.
// Exactly one FinishedRecord is pushed when the loop exits.
func (d *IncrementalDumper) Start(ctx context.Context) error {
	if !d.used.CompareAndSwap(false, true) {
		return ErrDumperClosed
	}
	d.running.Store(true)
	defer d.running.Store(false)

	logger := log.With().
		Str("job_id", d.config.JobID).
		Int("shard", d.config.ShardID).
		Str("position", d.position.String()).
		Logger()

	var err error
	// a Stop that came before Start still counts
	if !d.stopped.Load() {
		err = d.dump(ctx)
	}
	if err != nil {
		telemetry.DumperErrorsTotal.With(d.config.JobID).Inc()
		logger.Error().Err(err).Int64("events", d.eventCount.Load()).Msg("Incremental dump failed")
	} else {
		logger.Info().Int64("events", d.eventCount.Load()).Msg("Incremental dump stopped")
	}

	// The consumer still drains after a cancel; Close on the channel unblocks this push
	finished := &ingest.FinishedRecord{Position: ingest.PlaceholderPosition{}}
	if pushErr := d.channel.Push(context.WithoutCancel(ctx), finished); pushErr != nil && !errors.Is(pushErr, channel.ErrClosed) {
		logger.Warn().Err(pushErr).Msg("Failed to push finished record")
	}
	if closeErr := d.client.Close(); closeErr != nil {
		logger.Debug().Err(closeErr).Msg("Failed to close binlog client")
	}
	return err
}

func (d *IncrementalDumper) dump(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", d.config.Source.Host, d.config.Source.Port, err)
	}
	if err := d.client.Subscribe(ctx, d.position.FileName, d.position.Offset); err != nil {
		return err
	}

	log.Info().
		Str("job_id", d.config.JobID).
		Int("shard", d.config.ShardID).
		Str("position", d.position.String()).
		Msg("Incremental dump started")

	for !d.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}

		ev, err := d.client.Poll(ctx, d.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev == nil {
			continue
		}

		if err := d.handleEvent(ctx, ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}
		d.eventCount.Add(1)
	}
	return nil
}

// Stop ends the loop within one poll interval. A dumper stopped before
// Start pushes its finished record and returns without connecting.
func (d *IncrementalDumper) Stop() {
	d.stopped.Store(true)
}

func (d *IncrementalDumper) Running() bool {
	return d.running.Load()
}

// EventCount returns the number of stream events handled so far
func (d *IncrementalDumper) EventCount() int64 {
	return d.eventCount.Load()
}

func (d *IncrementalDumper) handleEvent(ctx context.Context, ev binlog.Event) error {
	switch e := ev.(type) {
	case *binlog.WriteRowsEvent:
		if d.filtered(e.RowsEventHeader) {
			return d.pushPlaceholder(ctx, ev)
		}
		return d.handleWriteRows(ctx, e)
	case *binlog.UpdateRowsEvent:
		if d.filtered(e.RowsEventHeader) {
			return d.pushPlaceholder(ctx, ev)
		}
		return d.handleUpdateRows(ctx, e)
	case *binlog.DeleteRowsEvent:
		if d.filtered(e.RowsEventHeader) {
			return d.pushPlaceholder(ctx, ev)
		}
		return d.handleDeleteRows(ctx, e)
	default:
		return d.pushPlaceholder(ctx, ev)
	}
}

func (d *IncrementalDumper) filtered(hdr binlog.RowsEventHeader) bool {
	if hdr.SchemaName != d.config.Source.Database {
		telemetry.DumperFilteredTotal.With(d.config.JobID).Inc()
		return true
	}
	if _, ok := d.config.TableNameMap.Lookup(hdr.TableName); !ok {
		telemetry.DumperFilteredTotal.With(d.config.JobID).Inc()
		return true
	}
	return false
}

func (d *IncrementalDumper) handleWriteRows(ctx context.Context, e *binlog.WriteRowsEvent) error {
	md, err := d.loader.Load(ctx, e.SchemaName, e.TableName)
	if err != nil {
		return err
	}
	for _, row := range e.Rows {
		record, err := d.newDataRecord(ingest.Insert, e.RowsEventHeader, md, len(row))
		if err != nil {
			return err
		}
		if err := d.fillWholeRow(record, md, row); err != nil {
			return err
		}
		if err := d.push(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (d *IncrementalDumper) handleDeleteRows(ctx context.Context, e *binlog.DeleteRowsEvent) error {
	md, err := d.loader.Load(ctx, e.SchemaName, e.TableName)
	if err != nil {
		return err
	}
	for _, row := range e.Rows {
		record, err := d.newDataRecord(ingest.Delete, e.RowsEventHeader, md, len(row))
		if err != nil {
			return err
		}
		if err := d.fillWholeRow(record, md, row); err != nil {
			return err
		}
		if err := d.push(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (d *IncrementalDumper) handleUpdateRows(ctx context.Context, e *binlog.UpdateRowsEvent) error {
	md, err := d.loader.Load(ctx, e.SchemaName, e.TableName)
	if err != nil {
		return err
	}
	if len(e.BeforeRows) != len(e.AfterRows) {
		return fmt.Errorf("update on %s.%s has %d before rows and %d after rows",
			e.SchemaName, e.TableName, len(e.BeforeRows), len(e.AfterRows))
	}

	for i, before := range e.BeforeRows {
		after := e.AfterRows[i]
		if len(before) != len(after) {
			return fmt.Errorf("update on %s.%s row %d: before has %d columns, after has %d",
				e.SchemaName, e.TableName, i, len(before), len(after))
		}

		record, err := d.newDataRecord(ingest.Update, e.RowsEventHeader, md, len(after))
		if err != nil {
			return err
		}
		for j := range after {
			col := md.Columns[j]
			updated := !semanticEqual(before[j], after[j])

			value, err := d.handlers.Handle(col.DataType, after[j])
			if err != nil {
				return fmt.Errorf("column %s.%s: %w", e.TableName, col.Name, err)
			}
			var oldValue any
			if col.PrimaryKey && updated {
				if oldValue, err = d.handlers.Handle(col.DataType, before[j]); err != nil {
					return fmt.Errorf("column %s.%s: %w", e.TableName, col.Name, err)
				}
			}

			record.Columns = append(record.Columns, ingest.Column{
				Name:       col.Name,
				OldValue:   oldValue,
				Value:      value,
				Updated:    updated,
				PrimaryKey: col.PrimaryKey,
			})
		}
		if err := d.push(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (d *IncrementalDumper) newDataRecord(changeType ingest.ChangeType, hdr binlog.RowsEventHeader, md *TableMetadata, columns int) (*ingest.DataRecord, error) {
	if columns > len(md.Columns) {
		return nil, fmt.Errorf("row on %s.%s has %d values but table has %d columns",
			hdr.SchemaName, hdr.TableName, columns, len(md.Columns))
	}
	logical, _ := d.config.TableNameMap.Lookup(hdr.TableName)
	return &ingest.DataRecord{
		Type:       changeType,
		Table:      logical,
		CommitTime: hdr.CommitTime(),
		Columns:    make([]ingest.Column, 0, columns),
		Position:   hdr.Position(),
	}, nil
}

func (d *IncrementalDumper) fillWholeRow(record *ingest.DataRecord, md *TableMetadata, row []any) error {
	for i, raw := range row {
		col := md.Columns[i]
		value, err := d.handlers.Handle(col.DataType, raw)
		if err != nil {
			return fmt.Errorf("column %s.%s: %w", col.Table, col.Name, err)
		}
		record.Columns = append(record.Columns, ingest.Column{
			Name:       col.Name,
			Value:      value,
			Updated:    true,
			PrimaryKey: col.PrimaryKey,
		})
	}
	return nil
}

func (d *IncrementalDumper) pushPlaceholder(ctx context.Context, ev binlog.Event) error {
	return d.push(ctx, &ingest.PlaceholderRecord{
		Position:   ev.Position(),
		CommitTime: ev.CommitTime(),
	})
}

func (d *IncrementalDumper) push(ctx context.Context, record ingest.Record) error {
	if err := d.channel.Push(ctx, record); err != nil {
		return err
	}
	kind := "PLACEHOLDER"
	if dr, ok := record.(*ingest.DataRecord); ok {
		kind = string(dr.Type)
	}
	telemetry.DumperRecordsTotal.With(d.config.JobID, kind).Inc()
	return nil
}

// semanticEqual compares decoded values, treating byte slices by content
func semanticEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return bytes.Equal(ab, bb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
