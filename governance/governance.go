// Package governance is the job level API over the shared repository. Every
// node of a job reads and writes progress through it:
//
//	<root>/<jobId>/offset/<shard>   YAML progress document
//	<root>/<jobId>/check/result     "true" or "false"
//	<root>/<jobId>/owner/<shard>    id of the node running the shard
package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/ferry/progress"
	"github.com/maxpert/ferry/repository"
	"github.com/maxpert/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	offsetNode = "offset"
	checkNode  = "check"
	resultNode = "result"
	ownerNode  = "owner"
)

// ErrInvalidShard is returned for negative shard ids
var ErrInvalidShard = errors.New("invalid shard id")

type Governance struct {
	repo repository.Repository
	root string
}

func New(repo repository.Repository, root string) *Governance {
	if root == "" {
		root = "/"
	}
	return &Governance{repo: repo, root: root}
}

func (g *Governance) Root() string {
	return g.root
}

// JobKey returns <root>/<jobId>
func (g *Governance) JobKey(jobID string) string {
	return repository.Join(g.root, jobID)
}

func (g *Governance) offsetsKey(jobID string) string {
	return repository.Join(g.root, jobID, offsetNode)
}

// OffsetKey returns <root>/<jobId>/offset/<shard>
func (g *Governance) OffsetKey(jobID string, shard int) string {
	return repository.Join(g.root, jobID, offsetNode, strconv.Itoa(shard))
}

// CheckResultKey returns <root>/<jobId>/check/result
func (g *Governance) CheckResultKey(jobID string) string {
	return repository.Join(g.root, jobID, checkNode, resultNode)
}

// OwnerKey returns <root>/<jobId>/owner/<shard>
func (g *Governance) OwnerKey(jobID string, shard int) string {
	return repository.Join(g.root, jobID, ownerNode, strconv.Itoa(shard))
}

// ClaimShard makes node the owner of a shard. It reports false when another
// node holds the shard; a node reclaiming its own shard succeeds.
func (g *Governance) ClaimShard(ctx context.Context, jobID string, shard int, node string) (bool, error) {
	if shard < 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidShard, shard)
	}

	key := g.OwnerKey(jobID, shard)
	err := g.repo.Create(ctx, key, node)
	if err == nil {
		log.Debug().Str("job_id", jobID).Int("shard", shard).Str("node", node).Msg("Claimed shard")
		return true, nil
	}
	if !errors.Is(err, repository.ErrKeyExists) {
		return false, fmt.Errorf("failed to claim shard %d of job %s: %w", shard, jobID, err)
	}

	owner, ok, err := g.ShardOwner(ctx, jobID, shard)
	if err != nil {
		return false, err
	}
	// released between Create and Get; the next Start retries
	if !ok {
		return false, nil
	}
	return owner == node, nil
}

// ShardOwner returns the node holding a shard
func (g *Governance) ShardOwner(ctx context.Context, jobID string, shard int) (string, bool, error) {
	owner, err := g.repo.Get(ctx, g.OwnerKey(jobID, shard))
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read owner of shard %d of job %s: %w", shard, jobID, err)
	}
	return owner, true, nil
}

// ReleaseShard drops the claim of node on a shard. Claims held by other
// nodes are left alone.
func (g *Governance) ReleaseShard(ctx context.Context, jobID string, shard int, node string) error {
	owner, ok, err := g.ShardOwner(ctx, jobID, shard)
	if err != nil || !ok || owner != node {
		return err
	}
	if err := g.repo.Delete(ctx, g.OwnerKey(jobID, shard)); err != nil {
		return fmt.Errorf("failed to release shard %d of job %s: %w", shard, jobID, err)
	}
	log.Debug().Str("job_id", jobID).Int("shard", shard).Str("node", node).Msg("Released shard")
	return nil
}

func (g *Governance) PersistJobProgress(ctx context.Context, jobID string, shard int, p progress.JobProgress) error {
	if shard < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShard, shard)
	}

	start := time.Now()
	data, err := progress.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress of job %s shard %d: %w", jobID, shard, err)
	}
	if err := g.repo.Persist(ctx, g.OffsetKey(jobID, shard), string(data)); err != nil {
		return fmt.Errorf("failed to persist progress of job %s shard %d: %w", jobID, shard, err)
	}
	telemetry.ProgressPersistSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// GetJobProgress returns false when nothing (or an empty document) is stored
func (g *Governance) GetJobProgress(ctx context.Context, jobID string, shard int) (progress.JobProgress, bool, error) {
	if shard < 0 {
		return progress.JobProgress{}, false, fmt.Errorf("%w: %d", ErrInvalidShard, shard)
	}

	data, err := g.repo.Get(ctx, g.OffsetKey(jobID, shard))
	if errors.Is(err, repository.ErrNotFound) {
		return progress.JobProgress{}, false, nil
	}
	if err != nil {
		return progress.JobProgress{}, false, fmt.Errorf("failed to read progress of job %s shard %d: %w", jobID, shard, err)
	}

	p, err := progress.Unmarshal([]byte(data))
	if errors.Is(err, progress.ErrEmptyDocument) {
		return progress.JobProgress{}, false, nil
	}
	if err != nil {
		return progress.JobProgress{}, false, fmt.Errorf("corrupt progress of job %s shard %d: %w", jobID, shard, err)
	}
	return p, true, nil
}

func (g *Governance) PersistCheckResult(ctx context.Context, jobID string, ok bool) error {
	if err := g.repo.Persist(ctx, g.CheckResultKey(jobID), strconv.FormatBool(ok)); err != nil {
		return fmt.Errorf("failed to persist check result of job %s: %w", jobID, err)
	}
	return nil
}

// GetCheckResult returns (result, present, error)
func (g *Governance) GetCheckResult(ctx context.Context, jobID string) (bool, bool, error) {
	data, err := g.repo.Get(ctx, g.CheckResultKey(jobID))
	if errors.Is(err, repository.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read check result of job %s: %w", jobID, err)
	}
	if strings.TrimSpace(data) == "" {
		return false, false, nil
	}

	ok, err := strconv.ParseBool(strings.TrimSpace(data))
	if err != nil {
		return false, false, fmt.Errorf("corrupt check result of job %s: %q", jobID, data)
	}
	return ok, true, nil
}

// DeleteJob removes everything stored for the job
func (g *Governance) DeleteJob(ctx context.Context, jobID string) error {
	if err := g.repo.Delete(ctx, g.JobKey(jobID)); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	log.Info().Str("job_id", jobID).Msg("Deleted job progress")
	return nil
}

// ShardIDs returns the shards that have a progress document, in numeric order
func (g *Governance) ShardIDs(ctx context.Context, jobID string) ([]int, error) {
	children, err := g.repo.ChildrenKeys(ctx, g.offsetsKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards of job %s: %w", jobID, err)
	}

	shards := make([]int, 0, len(children))
	for _, c := range children {
		id, err := strconv.Atoi(c)
		if err != nil || id < 0 {
			log.Warn().Str("job_id", jobID).Str("node", c).Msg("Ignoring non numeric shard node")
			continue
		}
		shards = append(shards, id)
	}
	sort.Ints(shards)
	return shards, nil
}

// JobIDs lists every job with stored state
func (g *Governance) JobIDs(ctx context.Context) ([]string, error) {
	return g.repo.ChildrenKeys(ctx, g.root)
}

// RenewJobStatus rewrites the status of every shard document of a job.
// A job without shards is left untouched.
func (g *Governance) RenewJobStatus(ctx context.Context, jobID string, status progress.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown job status %q", status)
	}

	shards, err := g.ShardIDs(ctx, jobID)
	if err != nil {
		return err
	}

	for _, shard := range shards {
		p, ok, err := g.GetJobProgress(ctx, jobID, shard)
		if err != nil {
			return err
		}
		if !ok || p.Status == status {
			continue
		}
		p.Status = status
		if err := g.PersistJobProgress(ctx, jobID, shard, p); err != nil {
			return err
		}
	}

	log.Debug().Str("job_id", jobID).Str("status", string(status)).Int("shards", len(shards)).Msg("Renewed job status")
	return nil
}

// Persist writes a raw value
func (g *Governance) Persist(ctx context.Context, key, value string) error {
	return g.repo.Persist(ctx, key, value)
}

func (g *Governance) ChildrenKeys(ctx context.Context, key string) ([]string, error) {
	return g.repo.ChildrenKeys(ctx, key)
}

func (g *Governance) Watch(ctx context.Context, key string, listener repository.Listener) (func(), error) {
	return g.repo.Watch(ctx, key, listener)
}

// ParseOffsetKey extracts the job id and shard from an offset key under root
func (g *Governance) ParseOffsetKey(key string) (jobID string, shard int, ok bool) {
	prefix := strings.TrimRight(g.root, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	parts := strings.Split(key[len(prefix):], "/")
	if len(parts) != 3 || parts[1] != offsetNode {
		return "", 0, false
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[0], shard, true
}
