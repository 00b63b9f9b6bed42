package ingest

// ChangeType is the row mutation carried by a DataRecord
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Record is one decoded change-stream event. The concrete type is always one of
// *DataRecord, *PlaceholderRecord or *FinishedRecord.
type Record interface {
	GetPosition() Position
	record()
}

// Column is a single column value inside a DataRecord.
//
// For UPDATE, OldValue is set only when the column is part of the primary key
// and changed. For INSERT and DELETE, OldValue is nil and Updated is true.
type Column struct {
	Name       string
	OldValue   any
	Value      any
	Updated    bool
	PrimaryKey bool
}

// KeyValue returns the value that locates the existing row in a target
func (c Column) KeyValue() any {
	if c.OldValue != nil {
		return c.OldValue
	}
	return c.Value
}

// DataRecord is an INSERT, UPDATE or DELETE of a single row
type DataRecord struct {
	Type       ChangeType
	Table      string
	CommitTime int64
	Columns    []Column
	Position   Position
}

func (r *DataRecord) GetPosition() Position { return r.Position }
func (*DataRecord) record()                 {}

// PrimaryKeys returns the key columns in ordinal order
func (r *DataRecord) PrimaryKeys() []Column {
	keys := make([]Column, 0, 1)
	for _, c := range r.Columns {
		if c.PrimaryKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// Column looks up a column by name
func (r *DataRecord) Column(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PlaceholderRecord advances a checkpoint without mutating data
type PlaceholderRecord struct {
	Position   Position
	CommitTime int64
}

func (r *PlaceholderRecord) GetPosition() Position { return r.Position }
func (*PlaceholderRecord) record()                 {}

// FinishedRecord signals that its producer has stopped
type FinishedRecord struct {
	Position Position
}

func (r *FinishedRecord) GetPosition() Position { return r.Position }
func (*FinishedRecord) record()                 {}
