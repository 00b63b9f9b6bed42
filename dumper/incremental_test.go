package dumper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/ferry/binlog"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/channel"
	"github.com/maxpert/ferry/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays a fixed list of events and then reports an idle stream
type scriptedClient struct {
	mu        sync.Mutex
	events    []binlog.Event
	err       error
	onPoll    func(n int)
	polled    int
	connected bool
	closed    bool
	subFile   string
	subOffset int64
}

func (c *scriptedClient) Connect(ctx context.Context) error {
	c.connected = true
	return nil
}

func (c *scriptedClient) Subscribe(ctx context.Context, fileName string, offset int64) error {
	c.subFile, c.subOffset = fileName, offset
	return nil
}

func (c *scriptedClient) Poll(ctx context.Context, timeout time.Duration) (binlog.Event, error) {
	c.mu.Lock()
	if len(c.events) == 0 {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	ev := c.events[0]
	c.events = c.events[1:]
	c.polled++
	n := c.polled
	c.mu.Unlock()

	if c.onPoll != nil {
		c.onPoll(n)
	}
	return ev, nil
}

func (c *scriptedClient) Close() error {
	c.closed = true
	return nil
}

type staticLoader struct {
	tables map[string]*TableMetadata
	loads  int
}

func (l *staticLoader) Load(ctx context.Context, schema, table string) (*TableMetadata, error) {
	l.loads++
	md, ok := l.tables[schema+"."+table]
	if !ok {
		return nil, ErrTableNotFound
	}
	return md, nil
}

func t1Metadata() *TableMetadata {
	return &TableMetadata{
		Schema: "shop",
		Name:   "t1",
		Columns: []ColumnMetadata{
			{Table: "t1", Name: "id", Ordinal: 1, DataType: "int", PrimaryKey: true},
			{Table: "t1", Name: "name", Ordinal: 2, DataType: "varchar"},
		},
	}
}

func header(table string, offset int64) binlog.RowsEventHeader {
	return binlog.RowsEventHeader{
		EventHeader: binlog.EventHeader{FileName: "mysql-bin.000001", Offset: offset, ServerID: 7, Timestamp: 1700000000},
		SchemaName:  "shop",
		TableName:   table,
	}
}

func standardSource() cfg.SourceConfiguration {
	return cfg.SourceConfiguration{Type: cfg.SourceStandard, Host: "localhost", Port: 3306, Database: "shop", ServerID: 100}
}

func newTestDumper(t *testing.T, client binlog.Client, ch channel.Producer) *IncrementalDumper {
	t.Helper()
	d, err := NewIncrementalDumper(
		IncrementalDumperConfig{
			JobID:        "job-1",
			Source:       standardSource(),
			TableNameMap: TableNameMapOf(map[string]string{"t1": "t_logical"}),
			PollTimeout:  10 * time.Millisecond,
		},
		ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: 4, ServerID: 7},
		client,
		&staticLoader{tables: map[string]*TableMetadata{"shop.t1": t1Metadata()}},
		DefaultValueHandlers(),
		ch,
	)
	require.NoError(t, err)
	return d
}

// drain reads until the first FinishedRecord
func drain(t *testing.T, ch channel.Consumer) []ingest.Record {
	t.Helper()
	var out []ingest.Record
	for {
		batch, err := ch.Fetch(context.Background(), 100, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, batch, "channel went idle before a finished record")
		out = append(out, batch...)
		if _, ok := batch[len(batch)-1].(*ingest.FinishedRecord); ok {
			return out
		}
	}
}

func stopAfter(d **IncrementalDumper, n int) func(int) {
	return func(polled int) {
		if polled == n {
			(*d).Stop()
		}
	}
}

func TestIncrementalDumper_InsertUpdateDelete(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	client := &scriptedClient{events: []binlog.Event{
		&binlog.WriteRowsEvent{RowsEventHeader: header("t1", 100), Rows: [][]any{{int32(1), "a"}}},
		&binlog.UpdateRowsEvent{RowsEventHeader: header("t1", 200), BeforeRows: [][]any{{int32(1), "a"}}, AfterRows: [][]any{{int32(1), "b"}}},
		&binlog.DeleteRowsEvent{RowsEventHeader: header("t1", 300), Rows: [][]any{{int32(1), "b"}}},
	}}
	var d *IncrementalDumper
	client.onPoll = stopAfter(&d, 3)
	d = newTestDumper(t, client, ch)

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, client.connected)
	assert.True(t, client.closed)
	assert.Equal(t, "mysql-bin.000001", client.subFile)
	assert.Equal(t, int64(4), client.subOffset)

	records := drain(t, ch)
	require.Len(t, records, 4)

	insert := records[0].(*ingest.DataRecord)
	assert.Equal(t, ingest.Insert, insert.Type)
	assert.Equal(t, "t_logical", insert.Table)
	assert.Equal(t, int64(1700000000000), insert.CommitTime)
	assert.Equal(t, ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: 100, ServerID: 7}, insert.Position)
	assert.Equal(t, []ingest.Column{
		{Name: "id", Value: int32(1), Updated: true, PrimaryKey: true},
		{Name: "name", Value: "a", Updated: true},
	}, insert.Columns)

	update := records[1].(*ingest.DataRecord)
	assert.Equal(t, ingest.Update, update.Type)
	assert.Equal(t, []ingest.Column{
		{Name: "id", Value: int32(1), Updated: false, PrimaryKey: true},
		{Name: "name", Value: "b", Updated: true},
	}, update.Columns)

	del := records[2].(*ingest.DataRecord)
	assert.Equal(t, ingest.Delete, del.Type)
	assert.Equal(t, []ingest.Column{
		{Name: "id", Value: int32(1), Updated: true, PrimaryKey: true},
		{Name: "name", Value: "b", Updated: true},
	}, del.Columns)

	finished := records[3].(*ingest.FinishedRecord)
	assert.Equal(t, ingest.PlaceholderPosition{}, finished.Position)
}

func TestIncrementalDumper_PrimaryKeyChangeKeepsPreImage(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	client := &scriptedClient{events: []binlog.Event{
		&binlog.UpdateRowsEvent{
			RowsEventHeader: header("t1", 200),
			BeforeRows:      [][]any{{int32(1), "a"}, {int32(5), []byte("x")}},
			AfterRows:       [][]any{{int32(2), "a"}, {int32(5), []byte("x")}},
		},
	}}
	var d *IncrementalDumper
	client.onPoll = stopAfter(&d, 1)
	d = newTestDumper(t, client, ch)

	require.NoError(t, d.Start(context.Background()))
	records := drain(t, ch)
	require.Len(t, records, 3)

	first := records[0].(*ingest.DataRecord)
	id, _ := first.Column("id")
	assert.True(t, id.Updated)
	assert.Equal(t, int32(1), id.OldValue)
	assert.Equal(t, int32(2), id.Value)
	assert.Equal(t, int32(1), id.KeyValue())
	name, _ := first.Column("name")
	assert.False(t, name.Updated)
	assert.Nil(t, name.OldValue)

	second := records[1].(*ingest.DataRecord)
	for _, c := range second.Columns {
		assert.False(t, c.Updated, "byte slices compare by content: %s", c.Name)
		assert.Nil(t, c.OldValue)
	}
}

func TestIncrementalDumper_FiltersUnmappedTables(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	otherSchema := header("t1", 600)
	otherSchema.SchemaName = "billing"
	client := &scriptedClient{events: []binlog.Event{
		&binlog.WriteRowsEvent{RowsEventHeader: header("other_table", 500), Rows: [][]any{{int32(1), "a"}}},
		&binlog.WriteRowsEvent{RowsEventHeader: otherSchema, Rows: [][]any{{int32(1), "a"}}},
	}}
	var d *IncrementalDumper
	client.onPoll = stopAfter(&d, 2)
	d = newTestDumper(t, client, ch)

	require.NoError(t, d.Start(context.Background()))
	records := drain(t, ch)
	require.Len(t, records, 3)

	first, ok := records[0].(*ingest.PlaceholderRecord)
	require.True(t, ok, "unmapped table yields a placeholder, got %T", records[0])
	assert.Equal(t, ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: 500, ServerID: 7}, first.Position)
	assert.Equal(t, int64(1700000000000), first.CommitTime)

	second, ok := records[1].(*ingest.PlaceholderRecord)
	require.True(t, ok, "foreign schema yields a placeholder, got %T", records[1])
	assert.Equal(t, int64(600), second.Position.(ingest.BinlogPosition).Offset)
}

func TestIncrementalDumper_StopAfterTenEvents(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	var events []binlog.Event
	for i := 0; i < 20; i++ {
		events = append(events, &binlog.PlaceholderEvent{EventHeader: binlog.EventHeader{
			FileName: "mysql-bin.000001", Offset: int64(100 + i), ServerID: 7,
		}})
	}
	client := &scriptedClient{events: events}
	var d *IncrementalDumper
	client.onPoll = stopAfter(&d, 10)
	d = newTestDumper(t, client, ch)

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, int64(10), d.EventCount())

	records := drain(t, ch)
	require.Len(t, records, 11)
	for i, r := range records[:10] {
		assert.IsType(t, &ingest.PlaceholderRecord{}, r)
		assert.Equal(t, int64(100+i), r.GetPosition().(ingest.BinlogPosition).Offset, "commit order preserved")
	}
	assert.IsType(t, &ingest.FinishedRecord{}, records[10])

	batch, err := ch.Fetch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch, "nothing follows the finished record")

	assert.ErrorIs(t, d.Start(context.Background()), ErrDumperClosed)
}

func TestIncrementalDumper_StopByContext(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	d := newTestDumper(t, &scriptedClient{}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, d.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dumper did not observe cancellation")
	}

	records := drain(t, ch)
	require.Len(t, records, 1)
	assert.IsType(t, &ingest.FinishedRecord{}, records[0])
}

func TestIncrementalDumper_StopBeforeStart(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	client := &scriptedClient{}
	d := newTestDumper(t, client, ch)

	d.Stop()
	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dumper kept running after an early Stop")
	}

	assert.False(t, d.Running())
	assert.False(t, client.connected, "a stopped dumper never connects")
	assert.True(t, client.closed)
	records := drain(t, ch)
	require.Len(t, records, 1)
	assert.IsType(t, &ingest.FinishedRecord{}, records[0])
}

func TestIncrementalDumper_StreamErrorIsReturned(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	boom := errors.New("connection reset")
	client := &scriptedClient{
		events: []binlog.Event{&binlog.PlaceholderEvent{EventHeader: binlog.EventHeader{FileName: "mysql-bin.000001", Offset: 10}}},
		err:    boom,
	}
	d := newTestDumper(t, client, ch)

	err := d.Start(context.Background())
	assert.ErrorIs(t, err, boom)

	records := drain(t, ch)
	require.Len(t, records, 2)
	assert.IsType(t, &ingest.PlaceholderRecord{}, records[0])
	assert.IsType(t, &ingest.FinishedRecord{}, records[1])
	assert.True(t, client.closed)
}

func TestIncrementalDumper_MetadataErrorIsFatal(t *testing.T) {
	ch := channel.NewMemoryChannel(100, nil)
	client := &scriptedClient{events: []binlog.Event{
		&binlog.WriteRowsEvent{RowsEventHeader: header("t1", 100), Rows: [][]any{{int32(1), "a"}}},
	}}
	d, err := NewIncrementalDumper(
		IncrementalDumperConfig{JobID: "job-1", Source: standardSource(), TableNameMap: TableNameMapOf(map[string]string{"t1": "t1"})},
		ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: 4},
		client,
		&staticLoader{},
		nil,
		ch,
	)
	require.NoError(t, err)

	assert.ErrorIs(t, d.Start(context.Background()), ErrTableNotFound)
	records := drain(t, ch)
	require.Len(t, records, 1)
}

func TestNewIncrementalDumper_RejectsNonStandardSource(t *testing.T) {
	source := standardSource()
	source.Type = cfg.SourceSharding
	client := &scriptedClient{}

	_, err := NewIncrementalDumper(
		IncrementalDumperConfig{Source: source},
		ingest.BinlogPosition{},
		client,
		&staticLoader{},
		nil,
		channel.NewMemoryChannel(1, nil),
	)
	assert.ErrorIs(t, err, ErrUnsupportedDataSource)
	assert.False(t, client.connected, "no connection before the precondition check")

	_, err = NewIncrementalDumper(IncrementalDumperConfig{Source: standardSource()}, ingest.BinlogPosition{}, nil, &staticLoader{}, nil, channel.NewMemoryChannel(1, nil))
	assert.Error(t, err)
}

func TestSemanticEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{int32(1), int32(1), true},
		{int32(1), int64(1), false},
		{"a", "a", true},
		{[]byte("x"), []byte("x"), true},
		{[]byte("x"), []byte("y"), false},
		{[]byte("x"), "x", false},
		{nil, nil, true},
		{nil, "a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, semanticEqual(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
	}
}
