package progress

import (
	"errors"
	"fmt"
	"sort"

	"github.com/maxpert/ferry/ingest"
	"gopkg.in/yaml.v3"
)

// ErrEmptyDocument is returned when unmarshalling empty progress data
var ErrEmptyDocument = errors.New("empty progress document")

// JobStatus is the lifecycle status of a migration job
type JobStatus string

const (
	StatusPreparing              JobStatus = "PREPARING"
	StatusRunning                JobStatus = "RUNNING"
	StatusExecuteInventoryTask   JobStatus = "EXECUTE_INVENTORY_TASK"
	StatusExecuteIncrementalTask JobStatus = "EXECUTE_INCREMENTAL_TASK"
	StatusConsistencyChecking    JobStatus = "CONSISTENCY_CHECKING"
	StatusFinished               JobStatus = "FINISHED"
	StatusStopped                JobStatus = "STOPPED"
	StatusFailed                 JobStatus = "FAILED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	StatusPreparing,
	StatusRunning,
	StatusExecuteInventoryTask,
	StatusExecuteIncrementalTask,
	StatusConsistencyChecking,
	StatusFinished,
	StatusStopped,
	StatusFailed,
}

func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no task should run in this status
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusStopped
}

// TaskState is the state of a single task
type TaskState string

const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskRunning    TaskState = "RUNNING"
	TaskFinished   TaskState = "FINISHED"
	TaskFailed     TaskState = "FAILED"
)

// TaskProgress is a snapshot of one task's progress
type TaskProgress struct {
	Position  ingest.Position
	Processed int64
	Errors    int64
	State     TaskState
}

// JobProgress is the progress document persisted for one shard of a job
type JobProgress struct {
	Status             JobStatus
	SourceDatabaseType string
	Incremental        map[string]TaskProgress
	Inventory          map[string]TaskProgress
}

// NewJobProgress creates an empty progress document
func NewJobProgress(status JobStatus, sourceDatabaseType string) JobProgress {
	return JobProgress{
		Status:             status,
		SourceDatabaseType: sourceDatabaseType,
		Incremental:        make(map[string]TaskProgress),
		Inventory:          make(map[string]TaskProgress),
	}
}

// Clone returns a deep copy
func (p JobProgress) Clone() JobProgress {
	out := NewJobProgress(p.Status, p.SourceDatabaseType)
	for k, v := range p.Incremental {
		out.Incremental[k] = v
	}
	for k, v := range p.Inventory {
		out.Inventory[k] = v
	}
	return out
}

// InventoryFinished reports whether every inventory task reached its finished position.
// A document without inventory tasks is not finished.
func (p JobProgress) InventoryFinished() bool {
	if len(p.Inventory) == 0 {
		return false
	}
	for _, task := range p.Inventory {
		if _, ok := task.Position.(ingest.FinishedPosition); !ok {
			return false
		}
	}
	return true
}

type yamlTaskProgress struct {
	Position  string `yaml:"position"`
	Processed int64  `yaml:"processed,omitempty"`
	Errors    int64  `yaml:"errors,omitempty"`
	State     string `yaml:"state,omitempty"`
}

type yamlJobProgress struct {
	Status             string                      `yaml:"status"`
	SourceDatabaseType string                      `yaml:"sourceDatabaseType"`
	Incremental        map[string]yamlTaskProgress `yaml:"incremental,omitempty"`
	Inventory          map[string]yamlTaskProgress `yaml:"inventory,omitempty"`
}

// Marshal renders the progress as a YAML document
func Marshal(p JobProgress) ([]byte, error) {
	doc := yamlJobProgress{
		Status:             string(p.Status),
		SourceDatabaseType: p.SourceDatabaseType,
		Incremental:        toYAMLTasks(p.Incremental),
		Inventory:          toYAMLTasks(p.Inventory),
	}
	return yaml.Marshal(&doc)
}

// Unmarshal parses a YAML progress document
func Unmarshal(data []byte) (JobProgress, error) {
	if len(data) == 0 {
		return JobProgress{}, ErrEmptyDocument
	}

	var doc yamlJobProgress
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return JobProgress{}, fmt.Errorf("failed to decode progress: %w", err)
	}

	status := JobStatus(doc.Status)
	if !status.Valid() {
		return JobProgress{}, fmt.Errorf("unknown job status %q", doc.Status)
	}

	p := NewJobProgress(status, doc.SourceDatabaseType)
	var err error
	if p.Incremental, err = fromYAMLTasks(doc.Incremental); err != nil {
		return JobProgress{}, err
	}
	if p.Inventory, err = fromYAMLTasks(doc.Inventory); err != nil {
		return JobProgress{}, err
	}
	return p, nil
}

func toYAMLTasks(tasks map[string]TaskProgress) map[string]yamlTaskProgress {
	if len(tasks) == 0 {
		return nil
	}
	out := make(map[string]yamlTaskProgress, len(tasks))
	for id, t := range tasks {
		pos := ""
		if t.Position != nil {
			pos = t.Position.String()
		}
		out[id] = yamlTaskProgress{
			Position:  pos,
			Processed: t.Processed,
			Errors:    t.Errors,
			State:     string(t.State),
		}
	}
	return out
}

func fromYAMLTasks(tasks map[string]yamlTaskProgress) (map[string]TaskProgress, error) {
	out := make(map[string]TaskProgress, len(tasks))
	for id, t := range tasks {
		pos, err := ingest.ParsePosition(t.Position)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		state := TaskState(t.State)
		if state == "" {
			state = TaskNotStarted
		}
		out[id] = TaskProgress{
			Position:  pos,
			Processed: t.Processed,
			Errors:    t.Errors,
			State:     state,
		}
	}
	return out, nil
}

// TaskIDs returns the sorted ids of a task map
func TaskIDs(tasks map[string]TaskProgress) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
