package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/types"
)

// gatedIndexer blocks every build until release is closed or fed.
type gatedIndexer struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func newGatedIndexer() *gatedIndexer {
	return &gatedIndexer{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedIndexer) Build(ctx context.Context) (*Result, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return &Result{Mods: 3, Artifacts: []string{"index.omx"}}, nil
}

type funcIndexer func(ctx context.Context) (*Result, error)

func (f funcIndexer) Build(ctx context.Context) (*Result, error) { return f(ctx) }

type memoryRecorder struct {
	mu   sync.Mutex
	seen []types.JobStatus
}

func (m *memoryRecorder) Record(_ context.Context, job *types.ReindexJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, job.Status)
	return nil
}

type memoryNotifier struct {
	mu     sync.Mutex
	events []types.IndexEvent
}

func (m *memoryNotifier) Notify(_ context.Context, event types.IndexEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func waitStarted(t *testing.T, g *gatedIndexer) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("build did not start")
	}
}

func TestConcurrentRequestsStartOneJob(t *testing.T) {
	g := newGatedIndexer()
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	const n = 50
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Request(types.TriggerManual)
			if err == nil {
				handles[i] = h
			}
		}()
	}
	wg.Wait()

	started := 0
	for _, h := range handles {
		require.NotNil(t, h)
		if h.Started {
			started++
		}
		assert.Equal(t, handles[0].JobID, h.JobID)
	}
	assert.Equal(t, 1, started)

	waitStarted(t, g)
	close(g.release)

	job, err := handles[0].Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, n-1, job.Coalesced)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestRequestAfterCompletionStartsFreshJob(t *testing.T) {
	g := newGatedIndexer()
	close(g.release)
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	first, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	require.True(t, first.Started)
	_, err = first.Wait(t.Context())
	require.NoError(t, err)

	second, err := c.Request(types.TriggerUpload)
	require.NoError(t, err)
	assert.True(t, second.Started)
	assert.NotEqual(t, first.JobID, second.JobID)

	job, err := second.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, types.TriggerUpload, job.Trigger)
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestStatusWhileRunning(t *testing.T) {
	g := newGatedIndexer()
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	waitStarted(t, g)

	require.Eventually(t, func() bool {
		cur := c.Current()
		return cur != nil && cur.Status == types.JobRunning
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.Last())

	close(g.release)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)

	s := c.Status()
	assert.Nil(t, s.Current)
	require.NotNil(t, s.Last)
	assert.Equal(t, h.JobID, s.Last.JobID)
	assert.Equal(t, 3, s.Last.Mods)
	assert.NotNil(t, s.Last.StartedAt)
	assert.NotNil(t, s.Last.FinishedAt)
	assert.False(t, s.Halted)
}

func TestFailedJobIsReportedAndRetryable(t *testing.T) {
	g := newGatedIndexer()
	g.err = fmt.Errorf("opening a.zip: %w", ErrSourceRead)
	close(g.release)
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)

	job, err := h.Wait(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceRead))
	assert.Equal(t, types.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
	assert.False(t, job.Fatal)
	assert.NoError(t, c.Halted())

	_, err = c.Request(types.TriggerManual)
	assert.NoError(t, err)
}

func TestCorruptionHaltsUntilResumed(t *testing.T) {
	g := newGatedIndexer()
	g.err = fmt.Errorf("publish index: %w", storage.ErrStoreCorruption)
	close(g.release)
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err := h.Wait(t.Context())
	require.Error(t, err)
	assert.True(t, job.Fatal)

	_, err = c.Request(types.TriggerManual)
	assert.True(t, errors.Is(err, storage.ErrStoreCorruption))
	assert.Error(t, c.Enqueue(types.TriggerUpload))
	assert.True(t, c.Status().Halted)

	assert.True(t, c.Resume())
	assert.False(t, c.Resume())

	g.err = nil
	h, err = c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err = h.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.Status)
}

func TestPanickingBuildFailsJob(t *testing.T) {
	c := NewCoordinator(funcIndexer(func(context.Context) (*Result, error) {
		panic("boom")
	}))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	job, err := h.Wait(t.Context())
	require.Error(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "boom")
}

func TestRecorderAndNotifier(t *testing.T) {
	g := newGatedIndexer()
	close(g.release)
	rec := &memoryRecorder{}
	notif := &memoryNotifier{}
	c := NewCoordinator(g, WithRecorder(rec), WithNotifier(notif))

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	_, err = h.Wait(t.Context())
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(t.Context()))

	assert.Equal(t, []types.JobStatus{types.JobPending, types.JobRunning, types.JobSucceeded}, rec.seen)
	require.Len(t, notif.events, 1)
	ev := notif.events[0]
	assert.Equal(t, h.JobID, ev.JobID)
	assert.Equal(t, types.JobSucceeded, ev.Status)
	assert.Equal(t, 3, ev.Mods)
	assert.Equal(t, []string{"index.omx"}, ev.Artifacts)
	assert.False(t, ev.FinishedAt.IsZero())
}

func TestShutdown(t *testing.T) {
	t.Run("waits for running job", func(t *testing.T) {
		g := newGatedIndexer()
		c := NewCoordinator(g)

		h, err := c.Request(types.TriggerManual)
		require.NoError(t, err)
		waitStarted(t, g)

		go func() {
			time.Sleep(20 * time.Millisecond)
			close(g.release)
		}()
		require.NoError(t, c.Shutdown(t.Context()))

		select {
		case <-h.Done():
		default:
			t.Fatal("job still running after shutdown")
		}
		assert.Equal(t, types.JobSucceeded, h.Job().Status)

		_, err = c.Request(types.TriggerManual)
		assert.ErrorIs(t, err, ErrShuttingDown)
	})

	t.Run("cancels job on deadline", func(t *testing.T) {
		g := newGatedIndexer()
		c := NewCoordinator(g)

		h, err := c.Request(types.TriggerManual)
		require.NoError(t, err)
		waitStarted(t, g)

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
		assert.Equal(t, types.JobFailed, h.Job().Status)
	})
}

func TestWaitGivesUpOnContext(t *testing.T) {
	g := newGatedIndexer()
	c := NewCoordinator(g)
	t.Cleanup(func() {
		close(g.release)
		_ = c.Shutdown(context.Background())
	})

	h, err := c.Request(types.TriggerManual)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnqueueDuringRunStartsFollowUp(t *testing.T) {
	g := newGatedIndexer()
	c := NewCoordinator(g)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	first, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	waitStarted(t, g)

	require.NoError(t, c.Enqueue(types.TriggerUpload))
	require.NoError(t, c.Enqueue(types.TriggerUpload))
	close(g.release)

	_, err = first.Wait(t.Context())
	require.NoError(t, err)
	waitStarted(t, g)

	require.Eventually(t, func() bool {
		last := c.Last()
		return c.Current() == nil && last != nil && last.JobID != first.JobID
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, types.TriggerUpload, c.Last().Trigger)
	assert.Equal(t, 2, first.Job().Coalesced)
}

func TestRequestDuringRunDoesNotFollowUp(t *testing.T) {
	g := newGatedIndexer()
	c := NewCoordinator(g)

	first, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	waitStarted(t, g)

	second, err := c.Request(types.TriggerManual)
	require.NoError(t, err)
	assert.False(t, second.Started)
	close(g.release)

	_, err = first.Wait(t.Context())
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(t.Context()))
	assert.Equal(t, int32(1), g.calls.Load())
}
