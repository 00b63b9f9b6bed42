package binlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected  = errors.New("binlog client not connected")
	ErrNotSubscribed = errors.New("binlog client not subscribed")
)

// Client streams binlog events from a single source
type Client interface {
	Connect(ctx context.Context) error
	// Subscribe requests events starting at the given file and offset
	Subscribe(ctx context.Context, fileName string, offset int64) error
	// Poll returns the next event, or nil when timeout elapses first
	Poll(ctx context.Context, timeout time.Duration) (Event, error)
	Close() error
}

// MySQLClientConfig holds replication connection settings
type MySQLClientConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// ServerID identifies this replica to the source and must be unique across replicas
	ServerID uint32
	Flavor   string
}

// MySQLClient reads a MySQL binlog through the replication protocol.
// A stream error is returned as is; the client never reconnects on its own.
type MySQLClient struct {
	config   MySQLClientConfig
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	decoder  *eventDecoder
}

func NewMySQLClient(config MySQLClientConfig) *MySQLClient {
	if config.Flavor == "" {
		config.Flavor = mysql.MySQLFlavor
	}
	return &MySQLClient{config: config}
}

func (c *MySQLClient) Connect(ctx context.Context) error {
	if c.config.Host == "" {
		return fmt.Errorf("binlog host is required")
	}
	if c.config.ServerID == 0 {
		return fmt.Errorf("binlog server id is required")
	}

	c.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: c.config.ServerID,
		Flavor:   c.config.Flavor,
		Host:     c.config.Host,
		Port:     uint16(c.config.Port),
		User:     c.config.User,
		Password: c.config.Password,
		// Reconnects are owned by the job, never by the stream
		MaxReconnectAttempts: 1,
		DisableRetrySync:     true,
		HeartbeatPeriod:      10 * time.Second,
	})

	log.Info().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Uint32("server_id", c.config.ServerID).
		Msg("Binlog client connected")
	return nil
}

func (c *MySQLClient) Subscribe(ctx context.Context, fileName string, offset int64) error {
	if c.syncer == nil {
		return ErrNotConnected
	}

	streamer, err := c.syncer.StartSync(mysql.Position{Name: fileName, Pos: uint32(offset)})
	if err != nil {
		return fmt.Errorf("failed to start binlog sync at %s:%d: %w", fileName, offset, err)
	}
	c.streamer = streamer
	c.decoder = newEventDecoder(fileName, offset)

	log.Info().Str("file", fileName).Int64("offset", offset).Msg("Subscribed to binlog")
	return nil
}

func (c *MySQLClient) Poll(ctx context.Context, timeout time.Duration) (Event, error) {
	if c.streamer == nil {
		return nil, ErrNotSubscribed
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, remaining)
		ev, err := c.streamer.GetEvent(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, nil
			}
			return nil, fmt.Errorf("binlog stream error: %w", err)
		}

		decoded, err := c.decoder.decode(ev)
		if err != nil {
			return nil, err
		}
		if decoded != nil {
			return decoded, nil
		}
	}
}

func (c *MySQLClient) Close() error {
	if c.syncer != nil {
		c.syncer.Close()
		c.syncer = nil
	}
	c.streamer = nil
	return nil
}

// eventDecoder turns raw replication events into Events while tracking the
// current binlog file and the last transaction boundary.
type eventDecoder struct {
	fileName string
	// boundary is the offset a resume must start from to replay the current
	// transaction whole. Row events are stamped with it.
	boundary int64
	// gtidStart is the start of a GTID event that opens the next transaction
	gtidStart int64
	gtidSeen  bool
}

func newEventDecoder(fileName string, offset int64) *eventDecoder {
	return &eventDecoder{fileName: fileName, boundary: offset}
}

func (d *eventDecoder) header(ev *replication.BinlogEvent, offset int64) EventHeader {
	return EventHeader{
		FileName:  d.fileName,
		Offset:    offset,
		ServerID:  int64(ev.Header.ServerID),
		Timestamp: int64(ev.Header.Timestamp),
	}
}

// decode returns nil for events that carry no resumable position
func (d *eventDecoder) decode(ev *replication.BinlogEvent) (Event, error) {
	if ev == nil || ev.Header == nil {
		return nil, nil
	}

	switch ev.Header.EventType {
	case replication.ROTATE_EVENT:
		rotate, ok := ev.Event.(*replication.RotateEvent)
		if !ok {
			return nil, fmt.Errorf("unexpected rotate payload %T", ev.Event)
		}
		d.fileName = string(rotate.NextLogName)
		d.boundary = int64(rotate.Position)
		return &PlaceholderEvent{EventHeader: d.header(ev, d.boundary)}, nil

	case replication.GTID_EVENT, replication.ANONYMOUS_GTID_EVENT:
		d.gtidStart, d.gtidSeen = eventStart(ev), true
		return nil, nil

	case replication.FORMAT_DESCRIPTION_EVENT,
		replication.TABLE_MAP_EVENT,
		replication.PREVIOUS_GTIDS_EVENT:
		return nil, nil

	case replication.QUERY_EVENT:
		if q, ok := ev.Event.(*replication.QueryEvent); ok && isBegin(q.Query) {
			// the transaction starts at its GTID event when there is one
			d.boundary = eventStart(ev)
			if d.gtidSeen {
				d.boundary = d.gtidStart
			}
		} else {
			d.boundary = int64(ev.Header.LogPos)
		}
		d.gtidSeen = false
		return &PlaceholderEvent{EventHeader: d.header(ev, d.boundary)}, nil

	case replication.XID_EVENT:
		d.boundary = int64(ev.Header.LogPos)
		d.gtidSeen = false
		return &PlaceholderEvent{EventHeader: d.header(ev, d.boundary)}, nil

	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		rows, hdr, err := d.rowsEvent(ev)
		if err != nil {
			return nil, err
		}
		return &WriteRowsEvent{RowsEventHeader: hdr, Rows: rows.Rows}, nil

	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		rows, hdr, err := d.rowsEvent(ev)
		if err != nil {
			return nil, err
		}
		if len(rows.Rows)%2 != 0 {
			return nil, fmt.Errorf("update rows event on %s.%s has odd row count %d",
				hdr.SchemaName, hdr.TableName, len(rows.Rows))
		}
		out := &UpdateRowsEvent{RowsEventHeader: hdr}
		for i := 0; i < len(rows.Rows); i += 2 {
			out.BeforeRows = append(out.BeforeRows, rows.Rows[i])
			out.AfterRows = append(out.AfterRows, rows.Rows[i+1])
		}
		return out, nil

	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		rows, hdr, err := d.rowsEvent(ev)
		if err != nil {
			return nil, err
		}
		return &DeleteRowsEvent{RowsEventHeader: hdr, Rows: rows.Rows}, nil
	}

	// Heartbeats and everything else only advance the checkpoint
	return &PlaceholderEvent{EventHeader: d.header(ev, int64(ev.Header.LogPos))}, nil
}

func (d *eventDecoder) rowsEvent(ev *replication.BinlogEvent) (*replication.RowsEvent, RowsEventHeader, error) {
	rows, ok := ev.Event.(*replication.RowsEvent)
	if !ok || rows.Table == nil {
		return nil, RowsEventHeader{}, fmt.Errorf("unexpected rows payload %T", ev.Event)
	}
	return rows, RowsEventHeader{
		EventHeader: d.header(ev, d.boundary),
		SchemaName:  string(rows.Table.Schema),
		TableName:   string(rows.Table.Table),
	}, nil
}

// eventStart is the offset of the first byte of ev. LogPos points past it.
func eventStart(ev *replication.BinlogEvent) int64 {
	end, size := int64(ev.Header.LogPos), int64(ev.Header.EventSize)
	if size <= 0 || size > end {
		return end
	}
	return end - size
}

func isBegin(query []byte) bool {
	return strings.EqualFold(strings.TrimSpace(string(query)), "BEGIN")
}
