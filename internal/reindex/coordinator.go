// Package reindex rebuilds the repository index. The Coordinator runs at
// most one build at a time; requests that arrive while a build is pending
// or running are folded into it instead of queueing another.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbzweihander/ommrema/internal/metrics"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/types"
)

var ErrShuttingDown = errors.New("reindex coordinator is shutting down")

const sideEffectTimeout = 10 * time.Second

// Recorder persists job state transitions.
type Recorder interface {
	Record(ctx context.Context, job *types.ReindexJob) error
}

// Notifier is told about every finished job.
type Notifier interface {
	Notify(ctx context.Context, event types.IndexEvent) error
}

type Option func(*Coordinator)

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifiers = append(c.notifiers, n)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

type run struct {
	job    types.ReindexJob
	result *Result
	err    error
	done   chan struct{}
}

type Coordinator struct {
	indexer   Indexer
	recorder  Recorder
	notifiers []Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// jobs outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *run
	last    *run
	halted  error
	closed  bool
	// set when Enqueue lands on a running job whose package listing may
	// already be stale
	rerun bool
}

func NewCoordinator(indexer Indexer, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		indexer: indexer,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "reindex")
	return c
}

// Handle is returned by Request. Started is false when the request was
// absorbed by a job already in flight; the handle then tracks that job.
type Handle struct {
	Started bool
	JobID   string

	c *Coordinator
	r *run
}

// Job returns a snapshot of the tracked job.
func (h *Handle) Job() types.ReindexJob {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.r.job
}

func (h *Handle) Done() <-chan struct{} {
	return h.r.done
}

// Wait blocks until the tracked job finishes or ctx is done. The returned
// error is the job's failure, if any. Giving up on ctx does not stop the job.
func (h *Handle) Wait(ctx context.Context) (types.ReindexJob, error) {
	select {
	case <-h.r.done:
		return h.Job(), h.r.err
	case <-ctx.Done():
		return h.Job(), ctx.Err()
	}
}

// Request starts a reindex job, or joins the one already in flight.
func (c *Coordinator) Request(trigger types.Trigger) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(trigger, false)
}

// Enqueue requests a reindex without waiting for it. Unlike Request, if it
// joins a job that is already running, one more job is started when that
// one finishes so that content written before the call is indexed.
func (c *Coordinator) Enqueue(trigger types.Trigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.requestLocked(trigger, true)
	return err
}

func (c *Coordinator) requestLocked(trigger types.Trigger, followUp bool) (*Handle, error) {
	if c.closed {
		return nil, ErrShuttingDown
	}
	if c.halted != nil {
		c.metrics.ObserveReindexRequest("rejected", string(trigger))
		return nil, fmt.Errorf("reindex halted until resumed: %w", c.halted)
	}

	if r := c.current; r != nil && r.job.Status.InFlight() {
		r.job.Coalesced++
		if followUp && r.job.Status == types.JobRunning {
			c.rerun = true
		}
		c.metrics.ObserveReindexRequest("coalesced", string(trigger))
		c.logger.Debug("reindex request coalesced", "job_id", r.job.JobID, "trigger", trigger)
		return &Handle{Started: false, JobID: r.job.JobID, c: c, r: r}, nil
	}

	r := c.startLocked(trigger)
	return &Handle{Started: true, JobID: r.job.JobID, c: c, r: r}, nil
}

func (c *Coordinator) startLocked(trigger types.Trigger) *run {
	r := &run{
		job: types.ReindexJob{
			JobID:       uuid.NewString(),
			Status:      types.JobPending,
			Trigger:     trigger,
			RequestedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	c.current = r
	c.metrics.ObserveReindexRequest("started", string(trigger))

	c.wg.Add(1)
	go c.execute(r, r.job)
	return r
}

func (c *Coordinator) execute(r *run, pending types.ReindexJob) {
	defer c.wg.Done()
	defer close(r.done)

	c.record(&pending)

	c.mu.Lock()
	started := time.Now().UTC()
	r.job.Status = types.JobRunning
	r.job.StartedAt = &started
	running := r.job
	c.mu.Unlock()

	c.record(&running)
	c.logger.Info("reindex started", "job_id", running.JobID, "trigger", running.Trigger)

	result, err := c.build()

	c.mu.Lock()
	finished := time.Now().UTC()
	r.job.FinishedAt = &finished
	r.result = result
	r.err = err
	if err != nil {
		r.job.Status = types.JobFailed
		r.job.Error = err.Error()
		if errors.Is(err, storage.ErrStoreCorruption) {
			r.job.Fatal = true
			c.halted = err
		}
	} else {
		r.job.Status = types.JobSucceeded
		r.job.Mods = result.Mods
	}
	final := r.job
	c.last = r
	c.current = nil
	if c.rerun {
		c.rerun = false
		if c.halted == nil && !c.closed {
			c.startLocked(types.TriggerUpload)
		}
	}
	c.mu.Unlock()

	c.metrics.ObserveReindexJob(string(final.Status), finished.Sub(started), final.Mods)
	switch {
	case final.Fatal:
		c.logger.Error("reindex hit store corruption, halting", "job_id", final.JobID, "error", err)
	case err != nil:
		c.logger.Warn("reindex failed", "job_id", final.JobID, "error", err)
	default:
		c.logger.Info("reindex finished", "job_id", final.JobID, "mods", final.Mods,
			"coalesced", final.Coalesced, "duration", finished.Sub(started))
	}

	c.record(&final)
	c.notify(final, result)
}

func (c *Coordinator) build() (result *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("index build panicked: %v", p)
		}
	}()
	return c.indexer.Build(c.ctx)
}

func (c *Coordinator) record(job *types.ReindexJob) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := c.recorder.Record(ctx, job); err != nil {
		c.logger.Warn("failed to record reindex job", "job_id", job.JobID, "status", job.Status, "error", err)
	}
}

func (c *Coordinator) notify(job types.ReindexJob, result *Result) {
	if len(c.notifiers) == 0 {
		return
	}
	event := types.IndexEvent{
		JobID:  job.JobID,
		Status: job.Status,
		Mods:   job.Mods,
		Error:  job.Error,
	}
	if job.FinishedAt != nil {
		event.FinishedAt = *job.FinishedAt
	}
	if result != nil {
		event.Artifacts = result.Artifacts
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	for _, n := range c.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			c.logger.Warn("failed to publish index event", "job_id", job.JobID, "error", err)
		}
	}
}

// Status is a consistent snapshot of the coordinator.
type Status struct {
	Current *types.ReindexJob `json:"current"`
	Last    *types.ReindexJob `json:"last"`
	Halted  bool              `json:"halted"`
	Reason  string            `json:"reason,omitempty"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Status
	if c.current != nil {
		job := c.current.job
		s.Current = &job
	}
	if c.last != nil {
		job := c.last.job
		s.Last = &job
	}
	if c.halted != nil {
		s.Halted = true
		s.Reason = c.halted.Error()
	}
	return s
}

func (c *Coordinator) Current() *types.ReindexJob {
	return c.Status().Current
}

func (c *Coordinator) Last() *types.ReindexJob {
	return c.Status().Last
}

// Halted returns the corruption error that stopped the coordinator, or nil.
func (c *Coordinator) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Resume clears a corruption halt. It reports whether the coordinator was
// halted.
func (c *Coordinator) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted == nil {
		return false
	}
	c.logger.Info("reindex resumed by operator", "previous_error", c.halted)
	c.halted = nil
	return true
}

// Shutdown refuses new requests and waits for the in-flight job. If ctx
// expires first the job's context is cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
