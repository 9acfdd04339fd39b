package delay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "joinguard/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func startedQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, nopLog())
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	ran := make(chan time.Time, 1)
	start := time.Now()
	h, err := q.Schedule("k", 30*time.Millisecond, func(ctx context.Context) error {
		ran <- time.Now()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "k", h.Key)
	require.False(t, h.IsZero())

	select {
	case at := <-ran:
		require.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return q.Stats().Fired == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, q.Pending())
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	var runs int32
	h, err := q.Schedule("k", 50*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, q.Pending())

	require.True(t, q.Cancel(h))
	require.False(t, q.Cancel(h), "second cancel is a no-op")

	time.Sleep(120 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&runs))
	require.Equal(t, uint64(1), q.Stats().Canceled)
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	h, err := q.Schedule("k", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	require.False(t, q.Cancel(h))
	close(release)
}

func TestCancelZeroHandle(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})
	require.False(t, q.Cancel(Handle{}))
}

func TestScheduleRequiresStart(t *testing.T) {
	t.Parallel()
	q := New(Config{}, nopLog())
	_, err := q.Schedule("k", time.Second, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrStopped)

	q.Start(context.Background())
	_, err = q.Schedule("k", time.Second, nil)
	require.ErrorIs(t, err, ErrNoWork)

	q.Stop(context.Background())
	_, err = q.Schedule("k", time.Second, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopDropsPending(t *testing.T) {
	t.Parallel()
	q := New(Config{}, nopLog())
	q.Start(context.Background())

	var runs int32
	for i := 0; i < 5; i++ {
		_, err := q.Schedule("k", 40*time.Millisecond, func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
		require.NoError(t, err)
	}
	q.Stop(context.Background())
	require.Equal(t, 0, q.Pending())

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&runs))
}

func TestFailingAndPanickingWorkDoNotStopQueue(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	_, err := q.Schedule("fail", 0, func(ctx context.Context) error { return errors.New("boom") })
	require.NoError(t, err)
	_, err = q.Schedule("panic", 0, func(ctx context.Context) error { panic("boom") })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	_, err = q.Schedule("ok", 0, func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stopped running tasks after failures")
	}
}

func TestRunTimeoutCancelsContext(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{Timeout: 20 * time.Millisecond})

	got := make(chan error, 1)
	_, err := q.Schedule("slow", 0, func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)
	select {
	case err := <-got:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout was not applied")
	}
}

func TestManyConcurrentSchedulesEachRunOnce(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	const n = 200
	var (
		wg   sync.WaitGroup
		runs int32
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := q.Schedule("k", 5*time.Millisecond, func(ctx context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
			wg.Done()
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == n }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(n), q.Stats().Scheduled)
}

func TestIsPendingTracksLifecycle(t *testing.T) {
	t.Parallel()
	q := startedQueue(t, Config{})

	release := make(chan struct{})
	h, err := q.Schedule("k", 20*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.True(t, q.IsPending(h))

	// Running is no longer pending.
	require.Eventually(t, func() bool { return q.Stats().Fired == 1 }, time.Second, 2*time.Millisecond)
	require.False(t, q.IsPending(h))
	close(release)

	h2, err := q.Schedule("k", time.Hour, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, q.Cancel(h2))
	require.False(t, q.IsPending(h2))
	require.False(t, q.IsPending(Handle{}))
}

func TestNoTaskStartsAfterStopReturns(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		q := New(Config{}, nopLog())
		q.Start(context.Background())

		var stopped atomic.Bool
		var late atomic.Int32
		for j := 0; j < 20; j++ {
			_, err := q.Schedule("k", time.Duration(j%3)*time.Millisecond, func(context.Context) error {
				if stopped.Load() {
					late.Add(1)
				}
				return nil
			})
			require.NoError(t, err)
		}
		time.Sleep(time.Millisecond)
		q.Stop(context.Background())
		stopped.Store(true)

		time.Sleep(5 * time.Millisecond)
		require.Zero(t, late.Load(), "iteration %d", i)
	}
}
