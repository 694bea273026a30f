package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podfirst/node-av-go/queue"
)

func TestSendReceiveFIFO(t *testing.T) {
	q := queue.New[int](4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Send(ctx, i))
	}
	for i := 0; i < 4; i++ {
		v, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestSendBlocksAtCapacity(t *testing.T) {
	q := queue.New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, q.Send(ctx, 2))
	}()

	select {
	case <-done:
		t.Fatal("second Send should have blocked while queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Send should have unblocked after Receive freed a slot")
	}
}

func TestCloseDrainsThenErrClosed(t *testing.T) {
	q := queue.New[int](4)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, 1))
	require.NoError(t, q.Send(ctx, 2))
	q.Close()

	v, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)

	err = q.Send(ctx, 3)
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestCloseWithErrorDrainsBufferedItemsBeforeSurfacingError(t *testing.T) {
	q := queue.New[int](4)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, 1))

	cause := errors.New("upstream codec fault")
	q.CloseWithError(cause)

	v, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, cause)

	err = q.Send(ctx, 2)
	assert.ErrorIs(t, err, cause)
}

func TestCloseWakesParkedReceiver(t *testing.T) {
	q := queue.New[int](1)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive should have been woken by Close")
	}
}

func TestContextCancelUnparksSender(t *testing.T) {
	q := queue.New[int](1)
	bg := context.Background()
	require.NoError(t, q.Send(bg, 1))

	ctx, cancel := context.WithTimeout(bg, 10*time.Millisecond)
	defer cancel()

	err := q.Send(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProducerConsumerManyItemsNoDeadlock(t *testing.T) {
	q := queue.New[int](8)
	ctx := context.Background()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			require.NoError(t, q.Send(ctx, i))
		}
		q.Close()
	}()

	sum := 0
	go func() {
		defer wg.Done()
		for {
			v, err := q.Receive(ctx)
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			require.NoError(t, err)
			sum += v
		}
	}()
	wg.Wait()
	assert.Equal(t, (n-1)*n/2, sum)
}
