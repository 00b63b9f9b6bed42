package job

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/governance"
	"github.com/maxpert/ferry/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// jobNamespace derives stable job ids from job names so every node and every
// restart addresses the same repository keys
var jobNamespace = uuid.MustParse("6f1c2a8e-3b7d-4e59-9a0c-2d8e5f4b1c73")

// JobID returns the id of a job name
func JobID(name string) string {
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}

// Manager is the registry of the jobs running on this node
type Manager struct {
	gov        *governance.Governance
	node       string
	newBuilder BuilderFactory
	checker    Checker
	jobs       *xsync.MapOf[string, *Controller]
}

// NewManager creates the registry of node; node is the id written to shard claims
func NewManager(gov *governance.Governance, node string, newBuilder BuilderFactory, checker Checker) *Manager {
	if newBuilder == nil {
		newBuilder = NewMySQLBuilder
	}
	return &Manager{
		gov:        gov,
		node:       node,
		newBuilder: newBuilder,
		checker:    checker,
		jobs:       xsync.NewMapOf[string, *Controller](),
	}
}

// Create registers a job. Registering the same name twice is an error.
func (m *Manager) Create(config cfg.JobConfiguration) (*Controller, error) {
	if err := cfg.ValidateJob(&config); err != nil {
		return nil, fmt.Errorf("invalid job %q: %w", config.Name, err)
	}

	id := JobID(config.Name)
	builder, err := m.newBuilder(id, config)
	if err != nil {
		return nil, err
	}

	c := NewController(id, m.node, config, m.gov, builder, m.checker)
	if _, loaded := m.jobs.LoadOrStore(id, c); loaded {
		builder.Close()
		return nil, fmt.Errorf("job %q already registered", config.Name)
	}
	telemetry.JobsActive.Set(float64(m.jobs.Size()))
	log.Info().Str("job_id", id).Str("job", config.Name).Msg("Registered job")
	return c, nil
}

func (m *Manager) Get(id string) (*Controller, error) {
	c, ok := m.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return c, nil
}

// List returns the jobs ordered by name
func (m *Manager) List() []*Controller {
	var out []*Controller
	m.jobs.Range(func(_ string, c *Controller) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Drop stops a job, deletes its stored state and unregisters it
func (m *Manager) Drop(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := c.Drop(ctx); err != nil {
		return err
	}
	m.jobs.Delete(id)
	telemetry.JobsActive.Set(float64(m.jobs.Size()))
	return nil
}

// Close stops every job locally; stored status is left for a later resume
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, c := range m.List() {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// JobStats implements telemetry.JobStatsProvider
func (m *Manager) JobStats() []telemetry.JobStats {
	jobs := m.List()
	out := make([]telemetry.JobStats, 0, len(jobs))
	for _, c := range jobs {
		out = append(out, c.Stats())
	}
	return out
}
