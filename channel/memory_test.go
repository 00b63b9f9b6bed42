package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/ferry/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataRecord(table string, offset int64) *ingest.DataRecord {
	return &ingest.DataRecord{
		Type:     ingest.Insert,
		Table:    table,
		Position: ingest.BinlogPosition{FileName: "mysql-bin.000001", Offset: offset, ServerID: 1},
	}
}

func TestMemoryChannel_PreservesOrder(t *testing.T) {
	ch := NewMemoryChannel(100, nil)
	ctx := context.Background()

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, ch.Push(ctx, dataRecord("t1", i)))
	}

	var got []int64
	for len(got) < 50 {
		batch, err := ch.Fetch(ctx, 7, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 7)
		for _, r := range batch {
			got = append(got, r.GetPosition().(ingest.BinlogPosition).Offset)
		}
	}

	for i, off := range got {
		assert.Equal(t, int64(i+1), off)
	}
}

func TestMemoryChannel_FetchTimeout(t *testing.T) {
	ch := NewMemoryChannel(1, nil)

	start := time.Now()
	batch, err := ch.Fetch(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryChannel_PushBlocksWhenFull(t *testing.T) {
	ch := NewMemoryChannel(1, nil)
	require.NoError(t, ch.Push(context.Background(), dataRecord("t1", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := ch.Push(ctx, dataRecord("t1", 2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, ch.Len())
}

func TestMemoryChannel_FinishedEndsBatch(t *testing.T) {
	ch := NewMemoryChannel(10, nil)
	ctx := context.Background()

	require.NoError(t, ch.Push(ctx, dataRecord("t1", 1)))
	require.NoError(t, ch.Push(ctx, &ingest.FinishedRecord{Position: ingest.PlaceholderPosition{}}))
	require.NoError(t, ch.Push(ctx, dataRecord("t1", 3)))

	batch, err := ch.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	_, ok := batch[1].(*ingest.FinishedRecord)
	assert.True(t, ok)
}

func TestMemoryChannel_CloseDrainsThenFails(t *testing.T) {
	ch := NewMemoryChannel(10, nil)
	ctx := context.Background()

	require.NoError(t, ch.Push(ctx, dataRecord("t1", 1)))
	ch.Close()
	ch.Close()

	assert.ErrorIs(t, ch.Push(ctx, dataRecord("t1", 2)), ErrClosed)

	batch, err := ch.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	_, err = ch.Fetch(ctx, 10, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryChannel_AckCallback(t *testing.T) {
	var mu sync.Mutex
	var acked []ingest.Record
	ch := NewMemoryChannel(10, func(records []ingest.Record) {
		mu.Lock()
		acked = append(acked, records...)
		mu.Unlock()
	})

	r := dataRecord("t1", 1)
	ch.Ack(nil)
	ch.Ack([]ingest.Record{r})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acked, 1)
	assert.Same(t, r, acked[0])
}
