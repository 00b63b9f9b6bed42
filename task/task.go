// Package task runs one dumper to importer pipeline per task.
//
// A task moves NOT_STARTED → RUNNING → FINISHED or FAILED. Stop returns a
// running task to NOT_STARTED, and the next Start resumes from the newest
// acknowledged position.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/importer"
	"github.com/maxpert/ferry/ingest"
	"github.com/maxpert/ferry/progress"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrInvalidState is returned for a transition the current state forbids
var ErrInvalidState = errors.New("invalid task state")

const (
	defaultChannelCapacity = 10000
	depthSampleInterval    = time.Second
)

type Task interface {
	ID() string
	// Start runs the task in the background; the future resolves when it
	// stops, finishes or fails.
	Start(ctx context.Context) *future.Future[struct{}]
	// Stop blocks until a running task is back in NOT_STARTED
	Stop()
	State() progress.TaskState
	Progress() progress.TaskProgress
}

// Dumper produces records into a channel until it stops, finishes or fails
type Dumper interface {
	Start(ctx context.Context) error
}

// DumperFactory builds a dumper resuming after position. A nil or placeholder
// position means start from the beginning.
type DumperFactory func(ctx context.Context, position ingest.Position, ch channel.Producer) (Dumper, error)

type Config struct {
	JobID           string
	TaskID          string
	ChannelCapacity int
	Consumers       int
	BatchSize       int
	PollTimeout     time.Duration
}

// runner holds what inventory and incremental tasks share
type runner struct {
	config     Config
	newDumper  DumperFactory
	writer     importer.Writer
	finishedOn func(progress.TaskProgress) bool

	mu         sync.Mutex
	progress   progress.TaskProgress
	stopDumper context.CancelFunc
	done       chan struct{}
	stopping   bool
}

func newRunner(config Config, initial progress.TaskProgress, newDumper DumperFactory, writer importer.Writer) (*runner, error) {
	if config.TaskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if newDumper == nil || writer == nil {
		return nil, fmt.Errorf("task %s needs a dumper factory and a writer", config.TaskID)
	}
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = defaultChannelCapacity
	}
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	// A restored FAILED or RUNNING state is retried from its position
	if initial.State != progress.TaskFinished {
		initial.State = progress.TaskNotStarted
	}
	return &runner{config: config, newDumper: newDumper, writer: writer, progress: initial}, nil
}

func (r *runner) ID() string {
	return r.config.TaskID
}

func (r *runner) State() progress.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress.State
}

func (r *runner) Progress() progress.TaskProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *runner) Start(ctx context.Context) *future.Future[struct{}] {
	promise := future.NewPromise[struct{}]()

	r.mu.Lock()
	if r.progress.State != progress.TaskNotStarted {
		state := r.progress.State
		r.mu.Unlock()
		promise.Set(struct{}{}, fmt.Errorf("%w: cannot start task %s in %s", ErrInvalidState, r.config.TaskID, state))
		return promise.Future()
	}
	r.progress.State = progress.TaskRunning
	position := r.progress.Position
	dumpCtx, stopDumper := context.WithCancel(ctx)
	r.stopDumper = stopDumper
	r.stopping = false
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := r.run(ctx, dumpCtx, position)
		stopDumper()
		promise.Set(struct{}{}, r.complete(err))
	}()
	return promise.Future()
}

func (r *runner) Stop() {
	r.mu.Lock()
	if r.progress.State != progress.TaskRunning {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	stopDumper, done := r.stopDumper, r.done
	r.mu.Unlock()

	stopDumper()
	<-done
}

// run wires one pipeline. Cancelling dumpCtx stops the dumper, which pushes a
// FinishedRecord so the importers drain what was dumped before exiting.
func (r *runner) run(ctx, dumpCtx context.Context, position ingest.Position) error {
	logger := log.With().Str("job", r.config.JobID).Str("task", r.config.TaskID).Logger()

	ch := channel.NewMultiplexChannel(r.config.Consumers, r.config.ChannelCapacity, r.onAck)
	defer ch.Close()

	d, err := r.newDumper(dumpCtx, position, ch)
	if err != nil {
		return err
	}

	importCtx, cancelImport := context.WithCancel(ctx)
	defer cancelImport()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	for i, consumer := range ch.Consumers() {
		imp, err := importer.New(importer.Config{
			JobID:       r.config.JobID,
			TaskID:      fmt.Sprintf("%s-%d", r.config.TaskID, i),
			BatchSize:   r.config.BatchSize,
			PollTimeout: r.config.PollTimeout,
		}, consumer, r.writer)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := imp.Run(importCtx); err != nil {
				fail(err)
				// a failed importer no longer drains; unblock the dumper
				r.stopDumper()
				ch.Close()
			}
		}()
	}

	dumperDone := make(chan error, 1)
	go func() {
		dumperDone <- d.Start(dumpCtx)
	}()

	go r.sampleDepth(importCtx, ch)

	wg.Wait()
	// importers are gone; a finished push still blocked on a full channel must return
	ch.Close()
	if err := <-dumperDone; err != nil {
		fail(err)
	}

	if firstErr != nil {
		logger.Error().Err(firstErr).Msg("Task failed")
	}
	return firstErr
}

func (r *runner) sampleDepth(ctx context.Context, ch *channel.MultiplexChannel) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	gauge := telemetry.ChannelDepth.With(r.config.JobID, r.config.TaskID)
	for {
		select {
		case <-ctx.Done():
			gauge.Set(0)
			return
		case <-ticker.C:
			gauge.Set(float64(ch.Len()))
		}
	}
}

// onAck advances the position to the newest record whose predecessors are all applied
func (r *runner) onAck(records []ingest.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if _, ok := rec.(*ingest.DataRecord); ok {
			r.progress.Processed++
		}
		pos := rec.GetPosition()
		if pos == nil {
			continue
		}
		if _, placeholder := pos.(ingest.PlaceholderPosition); placeholder {
			continue
		}
		r.progress.Position = pos
	}
	telemetry.TaskProcessed.With(r.config.JobID, r.config.TaskID).Set(float64(r.progress.Processed))
}

// complete settles the state after a pipeline exits
func (r *runner) complete(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case err != nil:
		r.progress.State = progress.TaskFailed
		r.progress.Errors++
	case r.finishedOn != nil && r.finishedOn(r.progress):
		r.progress.State = progress.TaskFinished
	default:
		r.progress.State = progress.TaskNotStarted
	}

	log.Info().
		Str("job", r.config.JobID).
		Str("task", r.config.TaskID).
		Str("state", string(r.progress.State)).
		Bool("stopped", r.stopping).
		Int64("processed", r.progress.Processed).
		Msg("Task exited")
	return err
}
