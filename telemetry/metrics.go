package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ApplyBuckets for importer batch writes against a target
	ApplyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// RepositoryBuckets for checkpoint reads and writes
	RepositoryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// CheckBuckets for consistency checks over whole tables
	CheckBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Dumper Metrics
var (
	// DumperRecordsTotal counts records pushed by dumpers by job and kind (INSERT, UPDATE, DELETE, PLACEHOLDER)
	DumperRecordsTotal CounterVec = noopCounterVec{}

	// DumperFilteredTotal counts row events dropped to placeholders by job
	DumperFilteredTotal CounterVec = noopCounterVec{}

	// DumperErrorsTotal counts stream or decode failures by job
	DumperErrorsTotal CounterVec = noopCounterVec{}

	// InventoryRowsTotal counts rows copied by inventory dumpers by job and table
	InventoryRowsTotal CounterVec = noopCounterVec{}
)

// Importer Metrics
var (
	// ImporterRecordsTotal counts applied records by job and type
	ImporterRecordsTotal CounterVec = noopCounterVec{}

	// ImporterBatchSeconds measures batch apply latency by job
	ImporterBatchSeconds HistogramVec = noopHistogramVec{}

	// ImporterFailuresTotal counts failed batches by job
	ImporterFailuresTotal CounterVec = noopCounterVec{}

	// SinkPublishTotal counts stream sink publishes by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// Job Metrics
var (
	// JobsActive tracks registered jobs on this node
	JobsActive Gauge = NoopStat{}

	// JobStatus is 1 for the current status of a job and 0 otherwise
	JobStatus GaugeVec = noopGaugeVec{}

	// ChannelDepth tracks buffered records per job and task
	ChannelDepth GaugeVec = noopGaugeVec{}

	// TaskProcessed tracks records processed per job and task
	TaskProcessed GaugeVec = noopGaugeVec{}

	// CheckResultsTotal counts consistency checks by result
	CheckResultsTotal CounterVec = noopCounterVec{}

	// CheckDurationSeconds measures consistency check duration
	CheckDurationSeconds Histogram = NoopStat{}
)

// Repository Metrics
var (
	// RepositoryOpsTotal counts repository operations by op and result
	RepositoryOpsTotal CounterVec = noopCounterVec{}

	// ProgressPersistSeconds measures job progress persist latency
	ProgressPersistSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	DumperRecordsTotal = NewCounterVec(
		"dumper_records_total",
		"Records pushed by dumpers by kind",
		[]string{"job", "kind"},
	)
	DumperFilteredTotal = NewCounterVec(
		"dumper_filtered_total",
		"Row events turned into placeholders by the table filter",
		[]string{"job"},
	)
	DumperErrorsTotal = NewCounterVec(
		"dumper_errors_total",
		"Dumper stream and decode failures",
		[]string{"job"},
	)
	InventoryRowsTotal = NewCounterVec(
		"inventory_rows_total",
		"Rows copied by inventory dumpers",
		[]string{"job", "table"},
	)

	ImporterRecordsTotal = NewCounterVec(
		"importer_records_total",
		"Records applied to targets by type",
		[]string{"job", "type"},
	)
	ImporterBatchSeconds = NewHistogramVec(
		"importer_batch_seconds",
		"Importer batch apply duration in seconds",
		[]string{"job"},
		ApplyBuckets,
	)
	ImporterFailuresTotal = NewCounterVec(
		"importer_failures_total",
		"Failed importer batches",
		[]string{"job"},
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Stream sink publishes by result",
		[]string{"sink", "result"},
	)

	JobsActive = NewGauge(
		"jobs_active",
		"Jobs registered on this node",
	)
	JobStatus = NewGaugeVec(
		"job_status",
		"Current job status (1 for the active status)",
		[]string{"job", "status"},
	)
	ChannelDepth = NewGaugeVec(
		"channel_depth",
		"Buffered records per task channel",
		[]string{"job", "task"},
	)
	TaskProcessed = NewGaugeVec(
		"task_processed",
		"Records processed per task",
		[]string{"job", "task"},
	)
	CheckResultsTotal = NewCounterVec(
		"check_results_total",
		"Consistency checks by result",
		[]string{"result"},
	)
	CheckDurationSeconds = NewHistogramWithBuckets(
		"check_duration_seconds",
		"Consistency check duration in seconds",
		CheckBuckets,
	)

	RepositoryOpsTotal = NewCounterVec(
		"repository_ops_total",
		"Repository operations by op and result",
		[]string{"op", "result"},
	)
	ProgressPersistSeconds = NewHistogramWithBuckets(
		"progress_persist_seconds",
		"Job progress persist duration in seconds",
		RepositoryBuckets,
	)
}
