package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedPool(t *testing.T, size int) *Pool {
	t.Helper()
	p, err := New(Config{Size: size, QueueSize: size * 2})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(Config{Size: 0})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(Config{Size: -1})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.Size)
	assert.Equal(t, 100, cfg.QueueSize)
}

func TestPool_StartTwiceReturnsErrPoolRunning(t *testing.T) {
	p := newStartedPool(t, 2)
	assert.ErrorIs(t, p.Start(), ErrPoolRunning)
}

func TestPool_StartAfterCloseReturnsErrPoolClosed(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Start(), ErrPoolClosed)
}

func TestPool_SubmitBatch_AllSucceed(t *testing.T) {
	p := newStartedPool(t, 4)

	const n = 16
	var ran int32
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}
	}

	results, err := p.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	count := 0
	for r := range results {
		assert.NoError(t, r.Error)
		count++
	}
	assert.Equal(t, n, count)
	assert.EqualValues(t, n, atomic.LoadInt32(&ran))
}

func TestPool_SubmitBatch_PropagatesTaskError(t *testing.T) {
	p := newStartedPool(t, 4)

	boom := errors.New("block failed")
	tasks := []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	}

	results, err := p.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	var errs []error
	for r := range results {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestPool_SubmitBatch_RecoversPanic(t *testing.T) {
	p := newStartedPool(t, 2)

	tasks := []Task{
		func(ctx context.Context) error { panic("block exploded") },
	}

	results, err := p.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	r := <-results
	assert.ErrorIs(t, r.Error, ErrTaskPanic)

	// The pool must still accept work after a worker recovers from a panic.
	more, err := p.SubmitBatch(context.Background(), []Task{func(ctx context.Context) error { return nil }})
	require.NoError(t, err)
	r = <-more
	assert.NoError(t, r.Error)
}

func TestPool_SubmitBatch_CanceledContext(t *testing.T) {
	p := newStartedPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task{func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}

	results, err := p.SubmitBatch(ctx, tasks)
	require.NoError(t, err)

	r := <-results
	assert.Error(t, r.Error)
}

func TestPool_SubmitBatch_OnClosedPool(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Close())

	_, err = p.SubmitBatch(context.Background(), []Task{func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_Close_Idempotent(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
