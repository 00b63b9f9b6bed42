package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		raw  string
	}{
		{"binlog", BinlogPosition{FileName: "mysql-bin.000004", Offset: 1542, ServerID: 7}, "mysql-bin.000004#1542#7"},
		{"placeholder", PlaceholderPosition{}, ""},
		{"integer range", IntegerPrimaryKeyPosition{Begin: 1, End: 1000}, "i,1,1000"},
		{"finished", FinishedPosition{}, "finished"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.raw, tt.pos.String())

			parsed, err := ParsePosition(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.pos, parsed)
		})
	}
}

func TestParsePosition_Invalid(t *testing.T) {
	for _, raw := range []string{"garbage", "i,1", "i,a,2", "file#x#1", "#1", "file#1#y"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParsePosition(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPosition))

			var perr *PositionError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, raw, perr.Raw)
		})
	}
}

func TestCompareBinlog(t *testing.T) {
	tests := []struct {
		name string
		a, b BinlogPosition
		want int
	}{
		{"same", BinlogPosition{"mysql-bin.000001", 10, 1}, BinlogPosition{"mysql-bin.000001", 10, 1}, 0},
		{"offset", BinlogPosition{"mysql-bin.000001", 10, 1}, BinlogPosition{"mysql-bin.000001", 20, 1}, -1},
		{"file before offset", BinlogPosition{"mysql-bin.000002", 4, 1}, BinlogPosition{"mysql-bin.000001", 900, 1}, 1},
		{"numeric suffix", BinlogPosition{"mysql-bin.999999", 4, 1}, BinlogPosition{"mysql-bin.1000000", 4, 1}, -1},
		{"lexical fallback", BinlogPosition{"a-log", 4, 1}, BinlogPosition{"b-log", 4, 1}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareBinlog(tt.a, tt.b))
			assert.Equal(t, -tt.want, CompareBinlog(tt.b, tt.a))
		})
	}
}

func TestCompare_MixedKinds(t *testing.T) {
	binlog := BinlogPosition{FileName: "mysql-bin.000001", Offset: 4}

	assert.Equal(t, -1, Compare(PlaceholderPosition{}, binlog))
	assert.Equal(t, 1, Compare(FinishedPosition{}, binlog))
	assert.Equal(t, 0, Compare(PlaceholderPosition{}, nil))
	assert.Equal(t, -1, Compare(IntegerPrimaryKeyPosition{1, 10}, IntegerPrimaryKeyPosition{11, 20}))
	assert.Equal(t, 0, Compare(FinishedPosition{}, FinishedPosition{}))
}
