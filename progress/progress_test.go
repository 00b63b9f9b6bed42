package progress

import (
	"testing"

	"github.com/maxpert/ferry/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProgress() JobProgress {
	p := NewJobProgress(StatusExecuteIncrementalTask, "MySQL")
	p.Incremental["ds_0"] = TaskProgress{
		Position:  ingest.BinlogPosition{FileName: "mysql-bin.000003", Offset: 4567, ServerID: 1},
		Processed: 120,
		State:     TaskRunning,
	}
	p.Inventory["ds_0.t_order_0#0"] = TaskProgress{Position: ingest.FinishedPosition{}, Processed: 1000, State: TaskFinished}
	p.Inventory["ds_0.t_order_1#0"] = TaskProgress{Position: ingest.IntegerPrimaryKeyPosition{Begin: 501, End: 1000}, State: TaskRunning}
	return p
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	original := sampleProgress()

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestMarshal_DocumentShape(t *testing.T) {
	data, err := Marshal(sampleProgress())
	require.NoError(t, err)

	doc := string(data)
	assert.Contains(t, doc, "status: EXECUTE_INCREMENTAL_TASK")
	assert.Contains(t, doc, "sourceDatabaseType: MySQL")
	assert.Contains(t, doc, "mysql-bin.000003#4567#1")
	assert.Contains(t, doc, "finished")
	assert.Contains(t, doc, "i,501,1000")
}

func TestUnmarshal_Errors(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = Unmarshal([]byte("status: BOGUS\n"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("status: RUNNING\nincremental:\n  ds_0:\n    position: nonsense\n"))
	assert.ErrorIs(t, err, ingest.ErrInvalidPosition)

	_, err = Unmarshal([]byte("status: [unclosed"))
	assert.Error(t, err)
}

func TestUnmarshal_DefaultsState(t *testing.T) {
	p, err := Unmarshal([]byte("status: RUNNING\nsourceDatabaseType: MySQL\nincremental:\n  ds_0:\n    position: \"\"\n"))
	require.NoError(t, err)

	task := p.Incremental["ds_0"]
	assert.Equal(t, TaskNotStarted, task.State)
	assert.Equal(t, ingest.PlaceholderPosition{}, task.Position)
	assert.Empty(t, p.Inventory)
}

func TestJobProgress_InventoryFinished(t *testing.T) {
	p := NewJobProgress(StatusExecuteInventoryTask, "MySQL")
	assert.False(t, p.InventoryFinished())

	p.Inventory["a"] = TaskProgress{Position: ingest.FinishedPosition{}}
	assert.True(t, p.InventoryFinished())

	p.Inventory["b"] = TaskProgress{Position: ingest.IntegerPrimaryKeyPosition{Begin: 1, End: 10}}
	assert.False(t, p.InventoryFinished())
}

func TestJobProgress_CloneIsDeep(t *testing.T) {
	p := sampleProgress()
	clone := p.Clone()
	clone.Incremental["ds_0"] = TaskProgress{State: TaskFailed}
	clone.Status = StatusFailed

	assert.Equal(t, TaskRunning, p.Incremental["ds_0"].State)
	assert.Equal(t, StatusExecuteIncrementalTask, p.Status)
}

func TestJobStatus(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, JobStatus("NOPE").Valid())
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestTaskIDs(t *testing.T) {
	assert.Equal(t, []string{"ds_0.t_order_0#0", "ds_0.t_order_1#0"}, TaskIDs(sampleProgress().Inventory))
}
