package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/maxpert/ferry/check"
	"github.com/maxpert/ferry/job"
	"github.com/maxpert/ferry/progress"
	"github.com/rs/zerolog/log"
)

// Job is the part of a job controller the admin API drives
type Job interface {
	ID() string
	Name() string
	Status() progress.JobStatus
	Running() bool
	Err() error
	StoredProgress(ctx context.Context) (map[int]progress.JobProgress, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context) error
	Check(ctx context.Context) (check.Result, error)
}

// Jobs lists and resolves jobs
type Jobs interface {
	Jobs() []Job
	Job(id string) (Job, error)
	Drop(ctx context.Context, id string) error
}

// managerJobs adapts a job.Manager
type managerJobs struct {
	m *job.Manager
}

func ManagerJobs(m *job.Manager) Jobs {
	return managerJobs{m: m}
}

func (a managerJobs) Jobs() []Job {
	list := a.m.List()
	out := make([]Job, len(list))
	for i, c := range list {
		out[i] = c
	}
	return out
}

func (a managerJobs) Job(id string) (Job, error) {
	c, err := a.m.Get(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a managerJobs) Drop(ctx context.Context, id string) error {
	return a.m.Drop(ctx, id)
}

// AdminHandlers serves the job API
type AdminHandlers struct {
	jobs Jobs
}

func NewAdminHandlers(jobs Jobs) *AdminHandlers {
	return &AdminHandlers{jobs: jobs}
}

type jobSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type taskView struct {
	Position  string `json:"position"`
	Processed int64  `json:"processed"`
	Errors    int64  `json:"errors"`
	State     string `json:"state"`
}

type shardView struct {
	Shard              int                 `json:"shard"`
	Status             string              `json:"status"`
	SourceDatabaseType string              `json:"source_database_type"`
	Inventory          map[string]taskView `json:"inventory,omitempty"`
	Incremental        map[string]taskView `json:"incremental,omitempty"`
}

type tableCheckView struct {
	Table          string `json:"table"`
	SourceRows     int64  `json:"source_rows"`
	TargetRows     int64  `json:"target_rows"`
	SourceChecksum string `json:"source_checksum"`
	TargetChecksum string `json:"target_checksum"`
	Match          bool   `json:"match"`
}

type checkView struct {
	OK     bool             `json:"ok"`
	Tables []tableCheckView `json:"tables"`
}

func summarize(j Job) jobSummary {
	s := jobSummary{ID: j.ID(), Name: j.Name(), Status: string(j.Status()), Running: j.Running()}
	if err := j.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func taskViews(tasks map[string]progress.TaskProgress) map[string]taskView {
	if len(tasks) == 0 {
		return nil
	}
	out := make(map[string]taskView, len(tasks))
	for id, t := range tasks {
		pos := ""
		if t.Position != nil {
			pos = t.Position.String()
		}
		out[id] = taskView{Position: pos, Processed: t.Processed, Errors: t.Errors, State: string(t.State)}
	}
	return out
}

func shardViews(shards map[int]progress.JobProgress) []shardView {
	out := make([]shardView, 0, len(shards))
	for shard, p := range shards {
		out = append(out, shardView{
			Shard:              shard,
			Status:             string(p.Status),
			SourceDatabaseType: p.SourceDatabaseType,
			Inventory:          taskViews(p.Inventory),
			Incremental:        taskViews(p.Incremental),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

func checkResultView(r check.Result) checkView {
	v := checkView{OK: r.OK(), Tables: make([]tableCheckView, 0, len(r.Tables))}
	for _, t := range r.Tables {
		v.Tables = append(v.Tables, tableCheckView{
			Table:          t.Logical,
			SourceRows:     t.SourceRows,
			TargetRows:     t.TargetRows,
			SourceChecksum: strconv.FormatUint(t.SourceChecksum, 16),
			TargetChecksum: strconv.FormatUint(t.TargetChecksum, 16),
			Match:          t.Match(),
		})
	}
	return v
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
