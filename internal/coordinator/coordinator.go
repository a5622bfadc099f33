// Package coordinator drives generation jobs through submission, polling,
// retry with backoff and deadline enforcement, and delivers each job's outcome
// exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/genpipe/internal/backoff"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/provider"
	"github.com/loqalabs/genpipe/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	// ErrUnsupportedKind is returned when no provider is configured for a kind.
	ErrUnsupportedKind = fmt.Errorf("%w: unsupported kind", job.ErrInvalidRequest)
	ErrClosed          = errors.New("coordinator closed")

	errAttemptTimeout = errors.New("attempt timeout")
)

// Recorder receives every job transition. Errors are logged and ignored.
type Recorder interface {
	RecordTransition(ctx context.Context, snap job.Snapshot) error
}

type Options struct {
	Policy       backoff.Policy
	Deadline     time.Duration
	PollInterval time.Duration
	// SubmitRate caps provider submissions per second across all jobs; zero
	// disables the limit.
	SubmitRate  float64
	SubmitBurst int
	MaxRetained int
	Retention   time.Duration
	Recorder    Recorder
	Logger      *slog.Logger
}

type Coordinator struct {
	adapters map[job.Kind]provider.Adapter
	opts     Options
	reg      *registry.Registry
	limiter  *rate.Limiter
	log      *slog.Logger
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	// mu guards waiters and closed. wg.Add from outside a job goroutine
	// happens under mu and only while !closed.
	mu      sync.Mutex
	waiters map[string]*waiter
	closed  bool
}

type waiter struct {
	fn        func(job.Outcome)
	outcome   *job.Outcome
	delivered bool
}

func New(parent context.Context, adapters map[job.Kind]provider.Adapter, opts Options) *Coordinator {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = backoff.Default()
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancelCause(parent)
	c := &Coordinator{
		adapters: make(map[job.Kind]provider.Adapter),
		opts:     opts,
		log:      log.With(slog.String("component", "coordinator")),
		metrics:  newMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		waiters:  make(map[string]*waiter),
	}
	for kind, a := range adapters {
		if a != nil {
			c.adapters[kind] = a
		}
	}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	c.reg = registry.New(registry.Options{
		MaxRetained: opts.MaxRetained,
		Retention:   opts.Retention,
		OnEvict:     c.forget,
		Logger:      log,
	})
	return c
}

// Registry exposes the job registry for inspection.
func (c *Coordinator) Registry() *registry.Registry {
	return c.reg
}

// Supports reports whether a provider is configured for kind.
func (c *Coordinator) Supports(kind job.Kind) bool {
	_, ok := c.adapters[kind]
	return ok
}

// Submit validates req, registers a job and starts driving it. It returns as
// soon as the job is registered.
func (c *Coordinator) Submit(ctx context.Context, req job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	adapter, ok := c.adapters[req.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if cause := context.Cause(c.ctx); cause != nil {
		return "", ErrClosed
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := time.Now().UTC()
	deadline := now.Add(c.opts.Deadline)

	jobCtx, cancel := context.WithCancelCause(c.ctx)
	jobCtx, cancelDeadline := context.WithDeadlineCause(jobCtx, deadline, job.ErrDeadlineExceeded)

	r := &run{
		c:       c,
		adapter: adapter,
		req:     req,
		snap: job.Snapshot{
			ID:        id.String(),
			Kind:      req.Kind,
			SessionID: req.SessionID,
			Status:    job.StatusQueued,
			Deadline:  deadline,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancelDeadline()
		cancel(nil)
		return "", ErrClosed
	}
	c.waiters[r.snap.ID] = &waiter{}
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.reg.Register(r.snap, cancel); err != nil {
		c.forget(r.snap.ID)
		c.wg.Done()
		cancelDeadline()
		cancel(nil)
		return "", err
	}
	c.metrics.submitted(ctx, req.Kind)
	c.record(r.snap)

	link := trace.LinkFromContext(ctx)
	go func() {
		defer c.wg.Done()
		defer cancel(nil)
		defer cancelDeadline()
		r.drive(jobCtx, link)
	}()
	return r.snap.ID, nil
}

// AwaitOutcome registers the single callback for a job. It runs on its own
// goroutine once the job settles, immediately if it already has. When it
// returns the job is released from the registry.
func (c *Coordinator) AwaitOutcome(id string, onSettled func(job.Outcome)) error {
	if onSettled == nil {
		return errors.New("onSettled must not be nil")
	}
	c.mu.Lock()
	w, ok := c.waiters[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if w.fn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", job.ErrAlreadyAwaited, id)
	}
	w.fn = onSettled
	deliver := w.outcome != nil && !w.delivered
	tracked := false
	if deliver {
		w.delivered = true
		if !c.closed {
			c.wg.Add(1)
			tracked = true
		}
	}
	outcome := w.outcome
	c.mu.Unlock()

	if deliver {
		c.deliver(onSettled, *outcome, tracked)
	}
	return nil
}

// Wait blocks until the job settles or ctx is done. It consumes the job's
// single outcome callback.
func (c *Coordinator) Wait(ctx context.Context, id string) (job.Outcome, error) {
	ch := make(chan job.Outcome, 1)
	if err := c.AwaitOutcome(id, func(o job.Outcome) { ch <- o }); err != nil {
		return job.Outcome{}, err
	}
	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return job.Outcome{}, ctx.Err()
	}
}

// Lookup returns the current snapshot of a job.
func (c *Coordinator) Lookup(id string) (job.Snapshot, error) {
	return c.reg.Lookup(id)
}

// Cancel stops a job. Settled jobs are left alone; unknown ids return
// job.ErrNotFound.
func (c *Coordinator) Cancel(id string) error {
	return c.reg.Cancel(id)
}

// Drain waits for in-flight jobs, force-cancelling them after timeout.
func (c *Coordinator) Drain(timeout time.Duration) error {
	return c.reg.Drain(timeout)
}

// Close cancels every running job and waits for their goroutines. Submit
// fails with ErrClosed afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel(job.ErrCancelled)
	c.wg.Wait()
}

func (c *Coordinator) settled(o job.Outcome) {
	c.mu.Lock()
	w, ok := c.waiters[o.JobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	w.outcome = &o
	var fn func(job.Outcome)
	if w.fn != nil && !w.delivered {
		w.delivered = true
		fn = w.fn
		// Called from a job goroutine, so the counter is already positive.
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if fn != nil {
		c.deliver(fn, o, true)
	}
}

// deliver runs fn on its own goroutine. When tracked the caller has already
// added it to wg.
func (c *Coordinator) deliver(fn func(job.Outcome), o job.Outcome, tracked bool) {
	go func() {
		if tracked {
			defer c.wg.Done()
		}
		defer c.reg.Release(o.JobID)
		fn(o)
	}()
}

// forget drops waiter state once the registry evicts a settled job.
func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Coordinator) record(snap job.Snapshot) {
	if c.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.Recorder.RecordTransition(ctx, snap); err != nil {
		c.log.Warn("failed to record job transition", slog.String("job_id", snap.ID), slogError(err))
	}
}

// run is owned by a single goroutine from Submit until the job settles; no
// other goroutine mutates snap.
type run struct {
	c       *Coordinator
	adapter provider.Adapter
	req     job.Request
	snap    job.Snapshot
}

func (r *run) drive(ctx context.Context, link trace.Link) {
	c := r.c
	start := time.Now()
	ctx, span := c.metrics.tracer.Start(ctx, "genpipe.job",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("job.id", r.snap.ID),
			attribute.String("job.kind", string(r.req.Kind)),
		))
	defer span.End()

	policy := c.opts.Policy
	maxAttempts := policy.Attempts()
	var lastErr error

	for attempt := 1; ; attempt++ {
		if cause := jobCause(ctx); cause != nil {
			r.finish(ctx, span, start, nil, withLast(cause, lastErr))
			return
		}

		r.snap.Attempts = attempt
		r.transition(job.StatusPolling)
		c.metrics.attempt(ctx, r.req.Kind)

		payload, err := r.attempt(ctx, attempt)
		if err == nil {
			r.finish(ctx, span, start, payload, nil)
			return
		}
		lastErr = err

		if !job.Retryable(err) {
			r.finish(ctx, span, start, nil, err)
			return
		}
		if attempt >= maxAttempts {
			if !time.Now().Before(r.snap.Deadline) {
				r.finish(ctx, span, start, nil, withLast(job.ErrDeadlineExceeded, lastErr))
				return
			}
			r.finish(ctx, span, start, nil, fmt.Errorf("%w after %d attempts: %w", job.ErrExhaustedRetries, attempt, lastErr))
			return
		}

		r.snap.LastError = err.Error()
		r.snap.UpdatedAt = time.Now().UTC()
		if err := c.reg.Update(r.snap); err != nil {
			c.log.Warn("failed to update job", slog.String("job_id", r.snap.ID), slogError(err))
		}

		kind := backoff.Failure
		if errors.Is(err, job.ErrProviderTimeout) {
			kind = backoff.Timeout
		}
		delay := policy.NextDelay(attempt, kind)
		c.log.Debug("job attempt failed; retrying",
			slog.String("job_id", r.snap.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slogError(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// attempt submits the request and polls until the provider reports a
// non-pending status or the attempt times out.
func (r *run) attempt(ctx context.Context, n int) ([]byte, error) {
	c := r.c
	timeout := c.opts.Policy.AttemptTimeout(n)
	actx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(actx); err != nil {
			if cause := jobCause(ctx); cause != nil {
				return nil, cause
			}
			return nil, fmt.Errorf("%w: submit throttled: %v", job.ErrProviderTimeout, err)
		}
	}

	handle, err := r.adapter.Submit(actx, r.req)
	if err != nil {
		return nil, r.classify(ctx, actx, timeout, err)
	}

	done := false
	defer func() {
		if !done {
			r.abandon(handle)
		}
	}()

	poll := time.NewTimer(0)
	defer poll.Stop()
	for {
		select {
		case <-actx.Done():
			return nil, r.classify(ctx, actx, timeout, actx.Err())
		case <-poll.C:
		}

		res, err := r.adapter.FetchResult(actx, handle)
		if err != nil {
			return nil, r.classify(ctx, actx, timeout, err)
		}
		switch res.Status {
		case provider.StatusDone:
			done = true
			return res.Payload, nil
		case provider.StatusError:
			done = true
			if res.Err == nil {
				res.Err = errors.New("provider reported error")
			}
			return nil, fmt.Errorf("%w: %w", job.ErrTransientProvider, res.Err)
		}
		poll.Reset(c.opts.PollInterval)
	}
}

// classify maps an attempt error onto the job error taxonomy. Job-level
// cancellation and deadline win over the attempt's own timeout.
func (r *run) classify(jobCtx, actx context.Context, timeout time.Duration, err error) error {
	if cause := jobCause(jobCtx); cause != nil {
		return cause
	}
	if errors.Is(context.Cause(actx), errAttemptTimeout) {
		return fmt.Errorf("%w: no result within %s", job.ErrProviderTimeout, timeout)
	}
	if errors.Is(err, provider.ErrRejected) || errors.Is(err, job.ErrInvalidRequest) {
		return fmt.Errorf("%w: %w", job.ErrInvalidRequest, err)
	}
	return fmt.Errorf("%w: %w", job.ErrTransientProvider, err)
}

// abandon asks the provider to drop work whose result will never be read.
func (r *run) abandon(handle provider.Handle) {
	canceler, ok := r.adapter.(provider.Canceler)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := canceler.Cancel(ctx, handle); err != nil {
		r.c.log.Debug("provider cancel failed", slog.String("job_id", r.snap.ID), slogError(err))
	}
}

func (r *run) transition(to job.Status) {
	if r.snap.Status != to && !job.CanTransition(r.snap.Status, to) {
		r.c.log.Error("illegal job transition",
			slog.String("job_id", r.snap.ID),
			slog.String("from", string(r.snap.Status)),
			slog.String("to", string(to)))
		return
	}
	r.snap.Status = to
	r.snap.UpdatedAt = time.Now().UTC()
	if err := r.c.reg.Update(r.snap); err != nil {
		r.c.log.Warn("failed to update job", slog.String("job_id", r.snap.ID), slogError(err))
	}
	r.c.record(r.snap)
}

func (r *run) finish(ctx context.Context, span trace.Span, start time.Time, payload []byte, err error) {
	c := r.c
	status := job.StatusFor(err)
	if err != nil {
		r.snap.LastError = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(status))
	} else {
		r.snap.LastError = ""
		r.snap.Payload = payload
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.String("job.status", string(status)),
		attribute.Int("job.attempts", r.snap.Attempts),
	)
	r.transition(status)

	c.metrics.settled(ctx, r.req.Kind, status, time.Since(start))
	logAttrs := []any{
		slog.String("job_id", r.snap.ID),
		slog.String("kind", string(r.req.Kind)),
		slog.String("status", string(status)),
		slog.Int("attempts", r.snap.Attempts),
	}
	if err != nil {
		c.log.Info("job settled", append(logAttrs, slogError(err))...)
	} else {
		c.log.Debug("job settled", logAttrs...)
	}

	c.settled(job.Outcome{
		JobID:    r.snap.ID,
		Kind:     r.req.Kind,
		Status:   status,
		Payload:  payload,
		Err:      err,
		Attempts: r.snap.Attempts,
	})
}

// jobCause returns the reason the job context ended, or nil while it is live.
func jobCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, job.ErrCancelled), errors.Is(cause, job.ErrDeadlineExceeded):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return job.ErrDeadlineExceeded
	default:
		return fmt.Errorf("%w: %w", job.ErrCancelled, cause)
	}
}

func withLast(err, last error) error {
	if last == nil {
		return err
	}
	return fmt.Errorf("%w (last error: %v)", err, last)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
