// Package importer drains a channel into a target. Records are written in
// batches and acknowledged only after the writer returns, so delivery to the
// target is at-least-once.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize   = 1000
	DefaultPollTimeout = time.Second
)

var ErrImporterClosed = errors.New("importer already ran")

type Config struct {
	JobID       string
	TaskID      string
	BatchSize   int
	PollTimeout time.Duration
}

// Importer fetches batches from one consumer and applies them with a Writer
type Importer struct {
	config   Config
	consumer channel.Consumer
	writer   Writer

	running atomic.Bool
	used    atomic.Bool
	records atomic.Int64
}

func New(config Config, consumer channel.Consumer, writer Writer) (*Importer, error) {
	if consumer == nil || writer == nil {
		return nil, fmt.Errorf("importer needs a consumer and a writer")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	return &Importer{config: config, consumer: consumer, writer: writer}, nil
}

// Run applies batches until a FinishedRecord arrives, the channel closes or
// ctx is cancelled; none of those is an error. A writer error stops the loop
// and leaves the failed batch unacknowledged.
func (i *Importer) Run(ctx context.Context) error {
	if !i.used.CompareAndSwap(false, true) {
		return ErrImporterClosed
	}
	i.running.Store(true)
	defer i.running.Store(false)

	logger := log.With().Str("job", i.config.JobID).Str("task", i.config.TaskID).Logger()
	logger.Debug().Int("batch_size", i.config.BatchSize).Msg("Importer started")

	for {
		batch, err := i.consumer.Fetch(ctx, i.config.BatchSize, i.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				logger.Debug().Int64("records", i.records.Load()).Msg("Importer stopped")
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}

		finished, err := i.apply(ctx, batch)
		if err != nil {
			telemetry.ImporterFailuresTotal.With(i.config.JobID).Inc()
			logger.Error().Err(err).Int("batch", len(batch)).Msg("Failed to apply batch")
			return err
		}
		i.consumer.Ack(batch)

		if finished {
			logger.Debug().Int64("records", i.records.Load()).Msg("Importer finished")
			return nil
		}
	}
}

func (i *Importer) apply(ctx context.Context, batch []ingest.Record) (bool, error) {
	data := make([]*ingest.DataRecord, 0, len(batch))
	finished := false
	for _, r := range batch {
		switch rec := r.(type) {
		case *ingest.DataRecord:
			data = append(data, rec)
		case *ingest.FinishedRecord:
			finished = true
		}
	}
	if len(data) == 0 {
		return finished, nil
	}

	start := time.Now()
	if err := i.writer.Write(ctx, data); err != nil {
		return false, err
	}
	telemetry.ImporterBatchSeconds.With(i.config.JobID).Observe(time.Since(start).Seconds())
	for _, r := range data {
		telemetry.ImporterRecordsTotal.With(i.config.JobID, string(r.Type)).Inc()
	}
	i.records.Add(int64(len(data)))
	return finished, nil
}

func (i *Importer) Running() bool {
	return i.running.Load()
}

// Records returns the number of data records written so far
func (i *Importer) Records() int64 {
	return i.records.Load()
}
