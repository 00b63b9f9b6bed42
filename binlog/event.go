package binlog

import "github.com/maxpert/ferry/ingest"

// Event is a decoded binlog event handed to the dumper. The concrete type is one of
// *PlaceholderEvent, *WriteRowsEvent, *UpdateRowsEvent or *DeleteRowsEvent.
type Event interface {
	Position() ingest.BinlogPosition
	CommitTime() int64
}

// EventHeader carries the stream address shared by every event
type EventHeader struct {
	FileName  string
	Offset    int64
	ServerID  int64
	Timestamp int64
}

func (h EventHeader) Position() ingest.BinlogPosition {
	return ingest.BinlogPosition{FileName: h.FileName, Offset: h.Offset, ServerID: h.ServerID}
}

// CommitTime returns the event time in milliseconds
func (h EventHeader) CommitTime() int64 {
	return h.Timestamp * 1000
}

// PlaceholderEvent stands for heartbeats, DDL, transaction boundaries and rotations
type PlaceholderEvent struct {
	EventHeader
}

// RowsEventHeader identifies the table a row batch belongs to
type RowsEventHeader struct {
	EventHeader
	SchemaName string
	TableName  string
}

type WriteRowsEvent struct {
	RowsEventHeader
	Rows [][]any
}

// UpdateRowsEvent pairs BeforeRows[i] with AfterRows[i]
type UpdateRowsEvent struct {
	RowsEventHeader
	BeforeRows [][]any
	AfterRows  [][]any
}

type DeleteRowsEvent struct {
	RowsEventHeader
	Rows [][]any
}
