package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPosition is returned when a serialized position cannot be parsed
var ErrInvalidPosition = errors.New("invalid position")

const (
	finishedPositionValue = "finished"
	integerPositionPrefix = "i,"
)

// Position marks a point in a per-source change stream. Implementations are immutable.
type Position interface {
	String() string
}

// BinlogPosition is a concrete address in a MySQL binlog stream
type BinlogPosition struct {
	FileName string
	Offset   int64
	ServerID int64
}

func (p BinlogPosition) String() string {
	return fmt.Sprintf("%s#%d#%d", p.FileName, p.Offset, p.ServerID)
}

// PlaceholderPosition advances logical time without a stream address
type PlaceholderPosition struct{}

func (PlaceholderPosition) String() string {
	return ""
}

// IntegerPrimaryKeyPosition is an inventory cursor over an integer primary key range
type IntegerPrimaryKeyPosition struct {
	Begin int64
	End   int64
}

func (p IntegerPrimaryKeyPosition) String() string {
	return fmt.Sprintf("%s%d,%d", integerPositionPrefix, p.Begin, p.End)
}

// FinishedPosition marks an inventory task that copied its whole range
type FinishedPosition struct{}

func (FinishedPosition) String() string {
	return finishedPositionValue
}

// PositionError carries the raw text that failed to parse
type PositionError struct {
	Raw    string
	Reason string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrInvalidPosition, e.Raw, e.Reason)
}

func (e *PositionError) Unwrap() error {
	return ErrInvalidPosition
}

// ParsePosition is the inverse of Position.String for every variant
func ParsePosition(s string) (Position, error) {
	switch {
	case s == "":
		return PlaceholderPosition{}, nil
	case s == finishedPositionValue:
		return FinishedPosition{}, nil
	case strings.HasPrefix(s, integerPositionPrefix):
		return parseIntegerPosition(s)
	case strings.Contains(s, "#"):
		return parseBinlogPosition(s)
	}
	return nil, &PositionError{Raw: s, Reason: "unknown format"}
}

func parseIntegerPosition(s string) (Position, error) {
	parts := strings.Split(strings.TrimPrefix(s, integerPositionPrefix), ",")
	if len(parts) != 2 {
		return nil, &PositionError{Raw: s, Reason: "expected i,begin,end"}
	}
	begin, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, &PositionError{Raw: s, Reason: "bad begin"}
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, &PositionError{Raw: s, Reason: "bad end"}
	}
	return IntegerPrimaryKeyPosition{Begin: begin, End: end}, nil
}

func parseBinlogPosition(s string) (Position, error) {
	// File names never contain '#', so split from the right
	last := strings.LastIndex(s, "#")
	mid := strings.LastIndex(s[:last], "#")
	if mid <= 0 {
		return nil, &PositionError{Raw: s, Reason: "expected file#offset#serverId"}
	}
	offset, err := strconv.ParseInt(s[mid+1:last], 10, 64)
	if err != nil {
		return nil, &PositionError{Raw: s, Reason: "bad offset"}
	}
	serverID, err := strconv.ParseInt(s[last+1:], 10, 64)
	if err != nil {
		return nil, &PositionError{Raw: s, Reason: "bad server id"}
	}
	return BinlogPosition{FileName: s[:mid], Offset: offset, ServerID: serverID}, nil
}

// CompareBinlog orders two positions of the same source: file sequence first, then offset.
func CompareBinlog(a, b BinlogPosition) int {
	if a.FileName != b.FileName {
		sa, oka := fileSequence(a.FileName)
		sb, okb := fileSequence(b.FileName)
		if oka && okb && sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
		return strings.Compare(a.FileName, b.FileName)
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

// Compare orders arbitrary positions. Placeholders sort before everything,
// finished after everything; mixed concrete kinds compare by kind rank.
func Compare(a, b Position) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch pa := a.(type) {
	case BinlogPosition:
		return CompareBinlog(pa, b.(BinlogPosition))
	case IntegerPrimaryKeyPosition:
		pb := b.(IntegerPrimaryKeyPosition)
		switch {
		case pa.Begin < pb.Begin:
			return -1
		case pa.Begin > pb.Begin:
			return 1
		}
	}
	return 0
}

func rank(p Position) int {
	switch p.(type) {
	case nil, PlaceholderPosition:
		return 0
	case IntegerPrimaryKeyPosition:
		return 1
	case BinlogPosition:
		return 2
	case FinishedPosition:
		return 3
	}
	return 0
}

// fileSequence extracts the numeric suffix of names like mysql-bin.000042
func fileSequence(name string) (uint64, bool) {
	dot := strings.LastIndex(name, ".")
	if dot < 0 || dot == len(name)-1 {
		return 0, false
	}
	seq, err := strconv.ParseUint(name[dot+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
