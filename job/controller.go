// Package job drives migration jobs: it builds the tasks of every source
// shard, runs the inventory phase then the incremental phase, persists
// progress through governance and reacts to status changes made by other
// nodes.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/check"
	"github.com/maxpert/ferry/governance"
	"github.com/maxpert/ferry/progress"
	"github.com/maxpert/ferry/repository"
	"github.com/maxpert/ferry/task"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobRunning    = errors.New("job is running")
	ErrJobNotRunning = errors.New("job is not running")
	ErrJobFinished   = errors.New("job already finished")
	ErrJobDropped    = errors.New("job was dropped")
	// ErrShardsClaimed is returned when other nodes run every shard of the job
	ErrShardsClaimed = errors.New("every shard is claimed by another node")
)

const defaultProgressInterval = time.Second

// Checker compares source and target tables
type Checker interface {
	Check(ctx context.Context, tables []check.TableCheck) (check.Result, error)
}

// Controller owns the tasks and status of one job on this node
type Controller struct {
	id       string
	node     string
	config   cfg.JobConfiguration
	gov      *governance.Governance
	builder  Builder
	checker  Checker
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	status   progress.JobStatus
	shards   []*ShardTasks
	running  bool
	starting bool
	stopping bool
	// exit is the status a clean run ends in
	exit        progress.JobStatus
	lastErr     error
	done        chan struct{}
	cancelRun   context.CancelFunc
	cancelWatch func()
	dropped     bool
	// fence holds the first document of the current run per shard; watch
	// events before it belong to earlier runs
	fence map[int]string
}

// NewController creates the controller of job id on this node. node names the
// node in shard claims.
func NewController(id, node string, config cfg.JobConfiguration, gov *governance.Governance, builder Builder, checker Checker) *Controller {
	interval := config.ProgressInterval()
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	if checker == nil {
		checker = check.NewChecker()
	}
	return &Controller{
		id:       id,
		node:     node,
		config:   config,
		gov:      gov,
		builder:  builder,
		checker:  checker,
		interval: interval,
		logger:   log.With().Str("job_id", id).Str("job", config.Name).Logger(),
		status:   progress.StatusPreparing,
	}
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Name() string {
	return c.config.Name
}

func (c *Controller) Status() progress.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Err returns the error that failed the last run
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the current run exits; nil when the job never ran
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start claims the shards no other node runs, restores their tasks from the
// saved progress and runs them in the background. Shards claimed by other
// nodes are skipped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return ErrJobDropped
	}
	if c.running || c.starting {
		c.mu.Unlock()
		return ErrJobRunning
	}
	c.starting = true
	previous := c.done
	c.mu.Unlock()

	// a run that ended by itself may still be releasing its claims
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			c.mu.Lock()
			c.starting = false
			c.mu.Unlock()
			return ctx.Err()
		}
	}

	// governance and source connections are reached without holding mu
	shards, err := c.prepare(ctx)
	if err == nil {
		err = c.install(ctx, shards)
	} else {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}
	if err != nil {
		c.releaseClaims(ctx, shards)
		return err
	}

	c.logger.Info().Int("shards", len(shards)).Int("of", len(c.config.Sources)).Msg("Job started")
	return nil
}

// install publishes prepared shards and starts the run
func (c *Controller) install(ctx context.Context, shards []*ShardTasks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if c.dropped {
		return ErrJobDropped
	}

	if c.cancelWatch == nil {
		cancel, err := c.gov.Watch(context.Background(), c.gov.JobKey(c.id), c.onChange)
		if err != nil {
			return fmt.Errorf("failed to watch job %s: %w", c.id, err)
		}
		c.cancelWatch = cancel
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	c.status = progress.StatusPreparing
	c.shards = shards
	c.running = true
	c.stopping = false
	c.exit = progress.StatusStopped
	c.lastErr = nil
	c.cancelRun = cancelRun
	c.done = make(chan struct{})

	c.persistStartLocked(ctx)

	go c.run(runCtx, c.done)
	go c.persistLoop(runCtx)
	return nil
}

// prepare reads the saved progress, claims free shards and builds their
// tasks. On error the returned shards still hold their claims.
func (c *Controller) prepare(ctx context.Context) ([]*ShardTasks, error) {
	saved := make([]progress.JobProgress, len(c.config.Sources))
	for shard := range c.config.Sources {
		p, ok, err := c.gov.GetJobProgress(ctx, c.id, shard)
		if err != nil {
			return nil, err
		}
		if ok && p.Status == progress.StatusFinished {
			c.setLocalStatus(progress.StatusFinished, nil)
			return nil, ErrJobFinished
		}
		if !ok {
			p = progress.NewJobProgress(progress.StatusPreparing, SourceDatabaseType)
		}
		saved[shard] = p
	}

	var claimed []*ShardTasks
	for shard := range c.config.Sources {
		ok, err := c.gov.ClaimShard(ctx, c.id, shard, c.node)
		if err != nil {
			return claimed, err
		}
		if !ok {
			c.logger.Info().Int("shard", shard).Msg("Shard claimed by another node")
			continue
		}
		claimed = append(claimed, &ShardTasks{Shard: shard})
	}
	if len(claimed) == 0 {
		return nil, ErrShardsClaimed
	}

	shards := make([]*ShardTasks, 0, len(claimed))
	for _, cl := range claimed {
		st, err := c.builder.Build(ctx, cl.Shard, saved[cl.Shard])
		if err != nil {
			c.setLocalStatus(progress.StatusFailed, err)
			return claimed, fmt.Errorf("failed to prepare shard %d: %w", cl.Shard, err)
		}
		shards = append(shards, st)
	}
	return shards, nil
}

func (c *Controller) setLocalStatus(status progress.JobStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if err != nil {
		c.lastErr = err
	}
}

// releaseClaims gives up the shards so another node can take them over
func (c *Controller) releaseClaims(ctx context.Context, shards []*ShardTasks) {
	for _, st := range shards {
		if err := c.gov.ReleaseShard(context.WithoutCancel(ctx), c.id, st.Shard, c.node); err != nil {
			c.logger.Warn().Err(err).Int("shard", st.Shard).Msg("Failed to release shard")
		}
	}
}

// Resume restarts a stopped or failed job from its persisted progress
func (c *Controller) Resume(ctx context.Context) error {
	return c.Start(ctx)
}

// Stop stops every task, waits for the run to exit and marks the job
// STOPPED on every shard.
func (c *Controller) Stop(ctx context.Context) error {
	err := c.halt(ctx, progress.StatusStopped)
	if errors.Is(err, ErrJobNotRunning) {
		// the shards may run on other nodes; they halt on the STOPPED write
		remote, rerr := c.runningElsewhere(ctx)
		if rerr != nil {
			return rerr
		}
		if !remote {
			return err
		}
	} else if err != nil {
		return err
	}
	return c.gov.RenewJobStatus(ctx, c.id, progress.StatusStopped)
}

// runningElsewhere reports whether a stored shard document is not terminal
func (c *Controller) runningElsewhere(ctx context.Context) (bool, error) {
	stored, err := c.StoredProgress(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range stored {
		if !p.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// halt stops the running tasks and waits until the run ends in exit. An
// empty exit keeps the current status.
func (c *Controller) halt(ctx context.Context, exit progress.JobStatus) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrJobNotRunning
	}
	c.stopping = true
	c.exit = exit
	done := c.done
	tasks := c.tasksLocked()
	c.mu.Unlock()

	c.logger.Info().Str("exit", string(exit)).Msg("Stopping job")
	for _, t := range tasks {
		t.Stop()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check compares sources and target. A matching job is stopped and FINISHED;
// otherwise it returns to its previous status.
func (c *Controller) Check(ctx context.Context) (check.Result, error) {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return check.Result{}, ErrJobDropped
	}
	previous := c.status
	c.mu.Unlock()

	tables, err := c.builder.CheckTables(ctx)
	if err != nil {
		return check.Result{}, err
	}

	c.setStatus(ctx, progress.StatusConsistencyChecking)
	restore := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// a run that failed meanwhile keeps its status
		if c.status != progress.StatusConsistencyChecking {
			return
		}
		c.status = previous
		if err := c.persistLocked(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist progress")
		}
	}

	result, err := c.checker.Check(ctx, tables)
	if err != nil {
		restore()
		return result, err
	}
	if err := c.gov.PersistCheckResult(ctx, c.id, result.OK()); err != nil {
		restore()
		return result, err
	}

	if !result.OK() {
		c.logger.Warn().Strs("tables", result.Mismatched()).Msg("Consistency check failed")
		restore()
		return result, nil
	}

	c.logger.Info().Int("tables", len(result.Tables)).Msg("Consistency check passed")
	if err := c.halt(ctx, progress.StatusFinished); err != nil && !errors.Is(err, ErrJobNotRunning) {
		return result, err
	}
	c.setStatus(ctx, progress.StatusFinished)
	return result, c.gov.RenewJobStatus(ctx, c.id, progress.StatusFinished)
}

// Drop stops the job and deletes everything it stored
func (c *Controller) Drop(ctx context.Context) error {
	if err := c.halt(ctx, progress.StatusStopped); err != nil && !errors.Is(err, ErrJobNotRunning) {
		return err
	}

	c.mu.Lock()
	c.dropped = true
	cancelWatch := c.cancelWatch
	c.cancelWatch = nil
	c.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	if err := c.gov.DeleteJob(ctx, c.id); err != nil {
		return err
	}
	return c.builder.Close()
}

// Close stops a running job locally. The stored status is kept so other
// nodes keep running and a restart resumes.
func (c *Controller) Close(ctx context.Context) error {
	if err := c.halt(ctx, ""); err != nil && !errors.Is(err, ErrJobNotRunning) {
		return err
	}

	c.mu.Lock()
	cancelWatch := c.cancelWatch
	c.cancelWatch = nil
	c.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	return c.builder.Close()
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := c.runPhases(ctx)

	c.mu.Lock()
	status := c.exit
	if status == "" {
		status = c.status
	}
	if err != nil {
		status = progress.StatusFailed
		c.lastErr = err
	}
	c.status = status
	c.running = false
	cancelRun := c.cancelRun
	shards := c.shards
	persistErr := c.persistLocked(context.WithoutCancel(ctx))
	c.mu.Unlock()

	cancelRun()
	c.releaseClaims(ctx, shards)
	if persistErr != nil {
		c.logger.Error().Err(persistErr).Msg("Failed to persist final progress")
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Job failed")
		return
	}
	c.logger.Info().Str("status", string(status)).Msg("Job run exited")
}

func (c *Controller) runPhases(ctx context.Context) error {
	var inventory []task.Task
	for _, t := range c.allInventory() {
		if t.State() != progress.TaskFinished {
			inventory = append(inventory, t)
		}
	}

	if len(inventory) > 0 {
		if err := c.runPhase(ctx, progress.StatusExecuteInventoryTask, inventory); err != nil {
			return err
		}
		for _, t := range inventory {
			if t.State() != progress.TaskFinished {
				// stopped before the copy completed
				return nil
			}
		}
		c.logger.Info().Int("tasks", len(inventory)).Msg("Inventory finished")
	}

	return c.runPhase(ctx, progress.StatusExecuteIncrementalTask, c.allIncremental())
}

// runPhase starts tasks and waits for all of them. The first failure stops
// the remaining tasks.
func (c *Controller) runPhase(ctx context.Context, status progress.JobStatus, tasks []task.Task) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.status = status
	if err := c.persistLocked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist progress")
	}
	futures := make([]*future.Future[struct{}], len(tasks))
	for i, t := range tasks {
		futures[i] = t.Start(ctx)
	}
	c.mu.Unlock()
	c.logger.Info().Str("status", string(status)).Int("tasks", len(tasks)).Msg("Phase started")

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, f := range futures {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.Get(); err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("task %s: %w", id, err)
					for _, t := range tasks {
						t.Stop()
					}
				})
			}
		}(tasks[i].ID())
	}
	wg.Wait()
	return firstErr
}

func (c *Controller) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.persistLocked(ctx)
			c.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Failed to persist progress")
			}
		}
	}
}

func (c *Controller) setStatus(ctx context.Context, status progress.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == status {
		return
	}
	c.status = status
	if err := c.persistLocked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist progress")
	}
}

// persistStartLocked writes the first documents of a run and fences the watch on them
func (c *Controller) persistStartLocked(ctx context.Context) {
	c.fence = make(map[int]string, len(c.shards))
	for _, st := range c.shards {
		p := c.shardProgressLocked(st)
		data, err := progress.Marshal(p)
		if err == nil {
			err = c.gov.PersistJobProgress(ctx, c.id, st.Shard, p)
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("shard", st.Shard).Msg("Failed to persist initial progress")
			continue
		}
		c.fence[st.Shard] = string(data)
	}
}

// persistLocked writes one progress document per shard
func (c *Controller) persistLocked(ctx context.Context) error {
	if c.dropped {
		return nil
	}
	var errs []error
	for _, st := range c.shards {
		if err := c.gov.PersistJobProgress(ctx, c.id, st.Shard, c.shardProgressLocked(st)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) shardProgressLocked(st *ShardTasks) progress.JobProgress {
	p := progress.NewJobProgress(c.status, SourceDatabaseType)
	for _, t := range st.Inventory {
		p.Inventory[t.ID()] = t.Progress()
	}
	if st.Incremental != nil {
		p.Incremental[st.Incremental.ID()] = st.Incremental.Progress()
	}
	return p
}

// Progress returns the local progress of every shard
func (c *Controller) Progress() map[int]progress.JobProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]progress.JobProgress, len(c.shards))
	for _, st := range c.shards {
		out[st.Shard] = c.shardProgressLocked(st)
	}
	return out
}

// StoredProgress reads the progress every node persisted for the job
func (c *Controller) StoredProgress(ctx context.Context) (map[int]progress.JobProgress, error) {
	shards, err := c.gov.ShardIDs(ctx, c.id)
	if err != nil {
		return nil, err
	}
	out := make(map[int]progress.JobProgress, len(shards))
	for _, shard := range shards {
		p, ok, err := c.gov.GetJobProgress(ctx, c.id, shard)
		if err != nil {
			return nil, err
		}
		if ok {
			out[shard] = p
		}
	}
	return out, nil
}

// onChange stops local tasks when another node marks a shard STOPPED
func (c *Controller) onChange(ev repository.DataChangedEvent) {
	if ev.Type == repository.Deleted {
		return
	}
	jobID, shard, ok := c.gov.ParseOffsetKey(ev.Key)
	if !ok || jobID != c.id {
		return
	}

	c.mu.Lock()
	if want, pending := c.fence[shard]; pending {
		if ev.Value == want {
			delete(c.fence, shard)
		}
		c.mu.Unlock()
		return
	}
	stop := c.running && !c.stopping
	c.mu.Unlock()
	if !stop {
		return
	}

	p, err := progress.Unmarshal([]byte(ev.Value))
	if err != nil || p.Status != progress.StatusStopped {
		return
	}

	c.logger.Info().Str("key", ev.Key).Msg("Job stopped by another node")
	go func() {
		if err := c.halt(context.Background(), progress.StatusStopped); err != nil && !errors.Is(err, ErrJobNotRunning) {
			c.logger.Warn().Err(err).Msg("Failed to stop job")
		}
	}()
}

func (c *Controller) allInventory() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []task.Task
	for _, st := range c.shards {
		out = append(out, st.Inventory...)
	}
	return out
}

func (c *Controller) allIncremental() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []task.Task
	for _, st := range c.shards {
		if st.Incremental != nil {
			out = append(out, st.Incremental)
		}
	}
	return out
}

func (c *Controller) tasksLocked() []task.Task {
	var out []task.Task
	for _, st := range c.shards {
		out = append(out, st.Inventory...)
		if st.Incremental != nil {
			out = append(out, st.Incremental)
		}
	}
	return out
}

// Stats samples the job for the metrics collector
func (c *Controller) Stats() telemetry.JobStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := telemetry.JobStats{JobID: c.id, Status: string(c.status)}
	for _, s := range progress.AllStatuses {
		stats.Statuses = append(stats.Statuses, string(s))
	}
	for _, t := range c.tasksLocked() {
		stats.Tasks = append(stats.Tasks, telemetry.TaskStats{TaskID: t.ID(), Processed: t.Progress().Processed})
	}
	sort.Slice(stats.Tasks, func(i, j int) bool { return stats.Tasks[i].TaskID < stats.Tasks[j].TaskID })
	return stats
}
