package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		id, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- id
	}()

	ok, err := q.Enqueue("job-1")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueDedupesAndBounds(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ok, err := q.Enqueue("a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue("a")
	require.NoError(t, err)
	require.False(t, ok, "duplicate id must not be queued twice")

	_, err = q.Enqueue("b")
	require.NoError(t, err)
	_, err = q.Enqueue("c")
	require.ErrorIs(t, err, ErrFull)
	require.Equal(t, 2, q.Len())

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", id)

	ok, err = q.Enqueue("a")
	require.NoError(t, err)
	require.True(t, ok, "id may be queued again once dequeued")
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	_, err := q.Enqueue("buffered")
	require.NoError(t, err)
	q.Close()
	q.Close()

	_, err = q.Enqueue("late")
	require.ErrorIs(t, err, ErrClosed)

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "buffered", id)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueReportsDepth(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	var depths []int
	q.OnDepthChange(func(n int) { depths = append(depths, n) })

	_, err := q.Enqueue("a")
	require.NoError(t, err)
	_, err = q.Enqueue("b")
	require.NoError(t, err)
	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 1}, depths)
}
