package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PreservesOrder(t *testing.T) {
	q := New[int](context.Background())
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i))
	}
	q.Close()

	var got []int
	for v := range q.Out() {
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	q := New[string](context.Background())
	defer q.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Push("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestQueue_ClosedRejectsPush(t *testing.T) {
	q := New[int](context.Background())
	q.Close()
	assert.False(t, q.Push(1))

	_, ok := <-q.Out()
	assert.False(t, ok)
}

func TestQueue_ContextCancelClosesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New[int](ctx)
	q.Push(1)
	q.Push(2)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out not closed after cancel")
		}
	}
}
