package chainfeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

func ev(n uint64) domain.ChainEvent {
	return domain.ChainEvent{ChainID: 1, Kind: domain.EventBlock, BlockNumber: n}
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := uint64(1); i <= 5; i++ {
		q.Push(ev(i))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	ctx := context.Background()
	var got []uint64
	for range 3 {
		e, ok := q.Pop(ctx)
		require.True(t, ok)
		got = append(got, e.BlockNumber)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got, "arrival order preserved, oldest evicted")
}

func TestQueuePushReportsEviction(t *testing.T) {
	q := NewQueue(1)
	assert.False(t, q.Push(ev(1)))
	assert.True(t, q.Push(ev(2)))
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(4)
	done := make(chan uint64)
	go func() {
		e, _ := q.Pop(context.Background())
		done <- e.BlockNumber
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(ev(7))
	select {
	case n := <-done:
		assert.Equal(t, uint64(7), n)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueuePopHonoursContextAndClose(t *testing.T) {
	q := NewQueue(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)

	q.Push(ev(1))
	q.Close()
	e, ok := q.Pop(context.Background())
	require.True(t, ok, "closed queue still drains")
	assert.Equal(t, uint64(1), e.BlockNumber)
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}
