package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// RepositoryType selects the checkpoint repository backend
type RepositoryType string

const (
	RepositoryPebble RepositoryType = "pebble" // Local pebble store, single node
	RepositoryNATS   RepositoryType = "nats"   // JetStream KV bucket shared by all nodes
)

// SourceType is the kind of data source a shard reads from
type SourceType string

const (
	SourceStandard SourceType = "standard" // A plain MySQL server
	SourceSharding SourceType = "sharding" // A logical sharding data source (not readable by dumpers)
)

// TargetType selects where records are applied
type TargetType string

const (
	TargetMySQL TargetType = "mysql"
	TargetKafka TargetType = "kafka"
	TargetNATS  TargetType = "nats"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served on the admin listener
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"`
}

// RepositoryConfiguration controls where job progress is persisted
type RepositoryConfiguration struct {
	Type    RepositoryType `toml:"type"`
	Root    string         `toml:"root"`     // Path prefix for every job key
	Path    string         `toml:"path"`     // Pebble directory, relative to data_dir
	NatsURL string         `toml:"nats_url"` // Used when type = "nats"
	Bucket  string         `toml:"bucket"`   // JetStream KV bucket name
}

// SourceConfiguration describes one shard of a job's source
type SourceConfiguration struct {
	Type     SourceType `toml:"type"`
	Host     string     `toml:"host"`
	Port     int        `toml:"port"`
	User     string     `toml:"user"`
	Password string     `toml:"password"`
	Database string     `toml:"database"`
	ServerID uint32     `toml:"server_id"` // Replica id presented to the source; must be unique
}

// DSN returns a go-sql-driver DSN for the source
func (s SourceConfiguration) DSN() string {
	return formatDSN(s.Host, s.Port, s.User, s.Password, s.Database)
}

// TargetConfiguration describes where a job applies records
type TargetConfiguration struct {
	Type TargetType `toml:"type"`

	// mysql
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`

	// kafka
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`

	// nats
	NatsURL    string `toml:"nats_url"`
	StreamName string `toml:"stream_name"`
	Subject    string `toml:"subject"`

	// kafka and nats
	Format       string   `toml:"format"`      // "debezium" or "msgpack"
	Compression  string   `toml:"compression"` // "none" or "zstd"
	TableFilters []string `toml:"table_filters"`
	MaxRetries   int      `toml:"max_retries"`
}

// DSN returns a go-sql-driver DSN for a mysql target
func (t TargetConfiguration) DSN() string {
	return formatDSN(t.Host, t.Port, t.User, t.Password, t.Database)
}

// TableRule maps physical source tables onto a logical target table.
// Source may be a glob such as "t_order_*".
type TableRule struct {
	Source  string `toml:"source"`
	Logical string `toml:"logical"`
}

// ChannelConfiguration controls the dumper to importer hand-off
type ChannelConfiguration struct {
	Capacity  int `toml:"capacity"`
	Consumers int `toml:"consumers"`
}

// InventoryConfiguration controls the initial full copy
type InventoryConfiguration struct {
	Enabled       bool `toml:"enabled"`
	BatchSize     int  `toml:"batch_size"`
	RowsPerSecond int  `toml:"rows_per_second"` // 0 disables throttling
}

// IncrementalConfiguration controls binlog tailing
type IncrementalConfiguration struct {
	PollTimeoutMS int `toml:"poll_timeout_ms"`
	BatchSize     int `toml:"batch_size"`
}

// JobConfiguration is one migration job
type JobConfiguration struct {
	Name               string                   `toml:"name"`
	AutoStart          bool                     `toml:"auto_start"`
	ProgressIntervalMS int                      `toml:"progress_interval_ms"`
	Sources            []SourceConfiguration    `toml:"sources"`
	Target             TargetConfiguration      `toml:"target"`
	Tables             []TableRule              `toml:"tables"`
	Channel            ChannelConfiguration     `toml:"channel"`
	Inventory          InventoryConfiguration   `toml:"inventory"`
	Incremental        IncrementalConfiguration `toml:"incremental"`
}

// ProgressInterval returns the progress persist period
func (j JobConfiguration) ProgressInterval() time.Duration {
	return time.Duration(j.ProgressIntervalMS) * time.Millisecond
}

// PollTimeout returns the binlog poll timeout
func (j JobConfiguration) PollTimeout() time.Duration {
	return time.Duration(j.Incremental.PollTimeoutMS) * time.Millisecond
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Repository RepositoryConfiguration `toml:"repository"`
	Jobs       []JobConfiguration      `toml:"jobs"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	NatsURLFlag    = flag.String("nats-url", "", "NATS URL for the repository (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./ferry-data",

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Repository: RepositoryConfiguration{
		Type:   RepositoryPebble,
		Root:   "/pipeline/jobs",
		Path:   "repository",
		Bucket: "ferry-governance",
	},
}

// DefaultJob returns a job configuration populated with defaults
func DefaultJob() JobConfiguration {
	return JobConfiguration{
		ProgressIntervalMS: 1000,
		Channel: ChannelConfiguration{
			Capacity:  10000,
			Consumers: 1,
		},
		Inventory: InventoryConfiguration{
			Enabled:   true,
			BatchSize: 1000,
		},
		Incremental: IncrementalConfiguration{
			PollTimeoutMS: 500,
			BatchSize:     1000,
		},
		Target: TargetConfiguration{
			Format:      "debezium",
			Compression: "none",
			MaxRetries:  5,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	applyJobDefaults()

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *NatsURLFlag != "" {
		Config.Repository.NatsURL = *NatsURLFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// applyJobDefaults fills zero values in every decoded job
func applyJobDefaults() {
	def := DefaultJob()
	for i := range Config.Jobs {
		job := &Config.Jobs[i]
		if job.ProgressIntervalMS == 0 {
			job.ProgressIntervalMS = def.ProgressIntervalMS
		}
		if job.Channel.Capacity == 0 {
			job.Channel.Capacity = def.Channel.Capacity
		}
		if job.Channel.Consumers == 0 {
			job.Channel.Consumers = def.Channel.Consumers
		}
		if job.Inventory.BatchSize == 0 {
			job.Inventory.BatchSize = def.Inventory.BatchSize
		}
		if job.Incremental.PollTimeoutMS == 0 {
			job.Incremental.PollTimeoutMS = def.Incremental.PollTimeoutMS
		}
		if job.Incremental.BatchSize == 0 {
			job.Incremental.BatchSize = def.Incremental.BatchSize
		}
		if job.Target.Format == "" {
			job.Target.Format = def.Target.Format
		}
		if job.Target.Compression == "" {
			job.Target.Compression = def.Target.Compression
		}
		if job.Target.MaxRetries == 0 {
			job.Target.MaxRetries = def.Target.MaxRetries
		}
		for j := range job.Sources {
			if job.Sources[j].Type == "" {
				job.Sources[j].Type = SourceStandard
			}
			if job.Sources[j].Port == 0 {
				job.Sources[j].Port = 3306
			}
		}
		if job.Target.Type == TargetMySQL && job.Target.Port == 0 {
			job.Target.Port = 3306
		}
	}
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("ferry")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// RepositoryPath returns the pebble directory for the checkpoint repository
func RepositoryPath() string {
	if filepath.IsAbs(Config.Repository.Path) {
		return Config.Repository.Path
	}
	return filepath.Join(Config.DataDir, Config.Repository.Path)
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Repository.Type {
	case RepositoryPebble:
	case RepositoryNATS:
		if Config.Repository.NatsURL == "" {
			return fmt.Errorf("repository nats_url is required for type %q", RepositoryNATS)
		}
		if Config.Repository.Bucket == "" {
			return fmt.Errorf("repository bucket is required for type %q", RepositoryNATS)
		}
	default:
		return fmt.Errorf("invalid repository type: %s", Config.Repository.Type)
	}

	if Config.Repository.Root == "" || Config.Repository.Root[0] != '/' {
		return fmt.Errorf("repository root must be an absolute path: %q", Config.Repository.Root)
	}

	names := make(map[string]bool, len(Config.Jobs))
	for i := range Config.Jobs {
		if err := ValidateJob(&Config.Jobs[i]); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		if names[Config.Jobs[i].Name] {
			return fmt.Errorf("duplicate job name: %s", Config.Jobs[i].Name)
		}
		names[Config.Jobs[i].Name] = true
	}

	return nil
}

// ValidateJob checks a single job configuration
func ValidateJob(job *JobConfiguration) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(job.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if len(job.Tables) == 0 {
		return fmt.Errorf("at least one table rule is required")
	}

	serverIDs := make(map[uint32]bool, len(job.Sources))
	for i, src := range job.Sources {
		if src.Type != SourceStandard {
			return fmt.Errorf("source %d: unsupported data source type %q, only %q is supported", i, src.Type, SourceStandard)
		}
		if src.Host == "" {
			return fmt.Errorf("source %d: host is required", i)
		}
		if src.Database == "" {
			return fmt.Errorf("source %d: database is required", i)
		}
		if src.ServerID == 0 {
			return fmt.Errorf("source %d: server_id must be > 0", i)
		}
		if serverIDs[src.ServerID] {
			return fmt.Errorf("source %d: duplicate server_id %d", i, src.ServerID)
		}
		serverIDs[src.ServerID] = true
	}

	for i, rule := range job.Tables {
		if rule.Source == "" || rule.Logical == "" {
			return fmt.Errorf("table rule %d: source and logical are required", i)
		}
	}

	switch job.Target.Type {
	case TargetMySQL:
		if job.Target.Host == "" || job.Target.Database == "" {
			return fmt.Errorf("mysql target requires host and database")
		}
	case TargetKafka:
		if len(job.Target.Brokers) == 0 || job.Target.Topic == "" {
			return fmt.Errorf("kafka target requires brokers and topic")
		}
	case TargetNATS:
		if job.Target.NatsURL == "" {
			return fmt.Errorf("nats target requires nats_url")
		}
	default:
		return fmt.Errorf("invalid target type: %q", job.Target.Type)
	}

	if job.Target.Type != TargetMySQL {
		if job.Target.Format != "debezium" && job.Target.Format != "msgpack" {
			return fmt.Errorf("invalid target format: %q", job.Target.Format)
		}
		if job.Target.Compression != "none" && job.Target.Compression != "zstd" {
			return fmt.Errorf("invalid target compression: %q", job.Target.Compression)
		}
	}

	if job.Channel.Capacity < 1 {
		return fmt.Errorf("channel capacity must be >= 1")
	}
	if job.Channel.Consumers < 1 {
		return fmt.Errorf("channel consumers must be >= 1")
	}
	if job.Inventory.BatchSize < 1 {
		return fmt.Errorf("inventory batch size must be >= 1")
	}
	if job.Inventory.RowsPerSecond < 0 {
		return fmt.Errorf("inventory rows per second must be >= 0")
	}
	if job.Incremental.PollTimeoutMS < 1 {
		return fmt.Errorf("incremental poll timeout must be >= 1ms")
	}
	if job.ProgressIntervalMS < 1 {
		return fmt.Errorf("progress interval must be >= 1ms")
	}

	return nil
}

func formatDSN(host string, port int, user, password, database string) string {
	c := mysql.NewConfig()
	c.User = user
	c.Passwd = password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	c.DBName = database
	c.ParseTime = false
	c.InterpolateParams = false
	return c.FormatDSN()
}
