package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/genpipe/internal/backoff"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step int

const (
	stepDone step = iota
	stepHang
	stepSubmitFail
	stepResultError
	stepReject
)

// scripted plays one step per attempt; the last step repeats.
type scripted struct {
	steps []step

	mu          sync.Mutex
	submits     int
	submittedAt []time.Time
	cancelled   []provider.Handle
}

func (s *scripted) stepFor(n int) step {
	if n >= len(s.steps) {
		return s.steps[len(s.steps)-1]
	}
	return s.steps[n]
}

func (s *scripted) Submit(ctx context.Context, req job.Request) (provider.Handle, error) {
	s.mu.Lock()
	n := s.submits
	s.submits++
	s.submittedAt = append(s.submittedAt, time.Now())
	s.mu.Unlock()

	switch s.stepFor(n) {
	case stepSubmitFail:
		return "", errors.New("connection reset")
	case stepReject:
		return "", fmt.Errorf("%w: prompt blocked", provider.ErrRejected)
	}
	return provider.Handle(strconv.Itoa(n)), nil
}

func (s *scripted) FetchResult(ctx context.Context, h provider.Handle) (provider.Result, error) {
	n, _ := strconv.Atoi(string(h))
	switch s.stepFor(n) {
	case stepHang:
		<-ctx.Done()
		return provider.Result{}, ctx.Err()
	case stepResultError:
		return provider.Result{Status: provider.StatusError, Err: errors.New("engine crashed")}, nil
	}
	return provider.Result{Status: provider.StatusDone, Payload: []byte("payload-" + string(h))}, nil
}

func (s *scripted) Cancel(_ context.Context, h provider.Handle) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, h)
	s.mu.Unlock()
	return nil
}

func (s *scripted) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancelled)
}

type memRecorder struct {
	mu    sync.Mutex
	snaps []job.Snapshot
}

func (m *memRecorder) RecordTransition(_ context.Context, snap job.Snapshot) error {
	m.mu.Lock()
	m.snaps = append(m.snaps, snap)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) statuses() []job.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Status
	for _, s := range m.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func testPolicy() backoff.Policy {
	return backoff.Policy{
		BaseTimeout: 40 * time.Millisecond,
		TimeoutStep: 10 * time.Millisecond,
		BaseWait:    time.Millisecond,
		AbortWait:   2 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func newTestCoordinator(t *testing.T, a provider.Adapter, mutate func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Policy:       testPolicy(),
		Deadline:     5 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(context.Background(), map[job.Kind]provider.Adapter{job.KindAudio: a, job.KindImage: a}, opts)
	t.Cleanup(c.Close)
	return c
}

func waitOutcome(t *testing.T, c *Coordinator, id string) job.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return o
}

func waitTerminal(t *testing.T, c *Coordinator, id string) job.Snapshot {
	t.Helper()
	var snap job.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = c.Lookup(id)
		return err == nil && snap.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestSubmitCompletes(t *testing.T) {
	rec := &memRecorder{}
	c := newTestCoordinator(t, &scripted{steps: []step{stepDone}}, func(o *Options) { o.Recorder = rec })

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "a fox"})
	require.NoError(t, err)

	o := waitOutcome(t, c, id)
	assert.Equal(t, job.StatusCompleted, o.Status)
	assert.True(t, o.OK())
	assert.Equal(t, []byte("payload-0"), o.Payload)
	assert.Equal(t, 1, o.Attempts)
	assert.NoError(t, o.Err)
	assert.Equal(t, []job.Status{job.StatusQueued, job.StatusPolling, job.StatusCompleted}, rec.statuses())
}

func TestTimeoutTwiceThenSuccess(t *testing.T) {
	a := &scripted{steps: []step{stepHang, stepHang, stepDone}}
	c := newTestCoordinator(t, a, nil)

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "Good girl."})
	require.NoError(t, err)

	o := waitOutcome(t, c, id)
	assert.Equal(t, job.StatusCompleted, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, []byte("payload-2"), o.Payload)
	assert.Equal(t, 2, a.cancelCount(), "timed out attempts are abandoned provider-side")
}

func TestAlwaysTransientFails(t *testing.T) {
	c := newTestCoordinator(t, &scripted{steps: []step{stepSubmitFail, stepResultError}}, nil)

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "a fox"})
	require.NoError(t, err)

	snap := waitTerminal(t, c, id)
	assert.Equal(t, job.StatusFailed, snap.Status, "exhausted jobs stay visible as failed")
	assert.Equal(t, 3, snap.Attempts)
	assert.Contains(t, snap.LastError, "engine crashed")
	assert.Nil(t, snap.Payload)

	o := waitOutcome(t, c, id)
	assert.Equal(t, job.StatusFailed, o.Status)
	assert.ErrorIs(t, o.Err, job.ErrExhaustedRetries)
	assert.ErrorIs(t, o.Err, job.ErrTransientProvider)
	assert.Nil(t, o.Payload)
}

func TestRejectedIsNotRetried(t *testing.T) {
	a := &scripted{steps: []step{stepReject}}
	c := newTestCoordinator(t, a, nil)

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "nope"})
	require.NoError(t, err)

	o := waitOutcome(t, c, id)
	assert.Equal(t, job.StatusFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.ErrorIs(t, o.Err, job.ErrInvalidRequest)
	assert.ErrorIs(t, o.Err, provider.ErrRejected)
}

func TestDeadlineWinsOverRetries(t *testing.T) {
	c := newTestCoordinator(t, &scripted{steps: []step{stepHang}}, func(o *Options) {
		o.Deadline = 60 * time.Millisecond
	})

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "slow"})
	require.NoError(t, err)

	o := waitOutcome(t, c, id)
	assert.Equal(t, job.StatusTimedOut, o.Status)
	assert.ErrorIs(t, o.Err, job.ErrDeadlineExceeded)
	assert.Nil(t, o.Payload)
}

func TestCancelInFlight(t *testing.T) {
	a := &scripted{steps: []step{stepHang}}
	c := newTestCoordinator(t, a, func(o *Options) {
		o.Policy.BaseTimeout = 5 * time.Second
	})

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "a fox"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := c.Lookup(id)
		return err == nil && snap.Status == job.StatusPolling
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Cancel(id))
	snap := waitTerminal(t, c, id)
	assert.Equal(t, job.StatusCancelled, snap.Status)
	assert.Equal(t, 1, a.cancelCount())

	assert.NoError(t, c.Cancel(id), "cancelling a terminal job is a no-op")
	snap, err = c.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, snap.Status)

	o := waitOutcome(t, c, id)
	assert.ErrorIs(t, o.Err, job.ErrCancelled)
	assert.ErrorIs(t, c.Cancel("unknown"), job.ErrNotFound)
}

func TestAwaitOutcomeOnce(t *testing.T) {
	c := newTestCoordinator(t, &scripted{steps: []step{stepDone}}, nil)

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "a fox"})
	require.NoError(t, err)
	waitTerminal(t, c, id)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	require.NoError(t, c.AwaitOutcome(id, func(o job.Outcome) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.Equal(t, job.StatusCompleted, o.Status)
		close(done)
	}))
	assert.ErrorIs(t, c.AwaitOutcome(id, func(job.Outcome) {}), job.ErrAlreadyAwaited)

	<-done
	require.Eventually(t, func() bool {
		_, err := c.Lookup(id)
		return errors.Is(err, job.ErrNotFound)
	}, time.Second, time.Millisecond, "consumed jobs are evicted")

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.ErrorIs(t, c.AwaitOutcome("missing", func(job.Outcome) {}), job.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	c := New(context.Background(), map[job.Kind]provider.Adapter{job.KindAudio: &scripted{steps: []step{stepDone}}}, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer c.Close()

	_, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio})
	assert.ErrorIs(t, err, job.ErrInvalidRequest)

	_, err = c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "a fox"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.ErrorIs(t, err, job.ErrInvalidRequest)
	assert.False(t, c.Supports(job.KindImage))
	assert.True(t, c.Supports(job.KindAudio))
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	a := &scripted{steps: []step{stepHang}}
	c := New(context.Background(), map[job.Kind]provider.Adapter{job.KindAudio: a}, Options{
		Policy: backoff.Policy{BaseTimeout: 10 * time.Second, MaxAttempts: 1},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "hello"})
	require.NoError(t, err)
	c.Close()

	snap, err := c.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, snap.Status)

	_, err = c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "again"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	c := newTestCoordinator(t, provider.NewMock(1), nil)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i, id := range ids {
		o := waitOutcome(t, c, id)
		assert.Equal(t, job.StatusCompleted, o.Status)
		assert.True(t, strings.HasSuffix(string(o.Payload), fmt.Sprintf("p%d", i)))
	}
}

func TestSubmitRateLimit(t *testing.T) {
	c := newTestCoordinator(t, &scripted{steps: []step{stepDone}}, func(o *Options) {
		o.SubmitRate = 20
		o.SubmitBurst = 1
	})

	start := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Submit(context.Background(), job.Request{Kind: job.KindImage, Prompt: "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.True(t, waitOutcome(t, c, id).OK())
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRetryWaitFollowsHowAttemptEnded(t *testing.T) {
	a := &scripted{steps: []step{stepHang, stepSubmitFail, stepDone}}
	c := newTestCoordinator(t, a, func(o *Options) {
		o.Policy = backoff.Policy{
			BaseTimeout: 20 * time.Millisecond,
			BaseWait:    5 * time.Millisecond,
			AbortWait:   150 * time.Millisecond,
			MaxAttempts: 3,
		}
	})

	id, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "hi"})
	require.NoError(t, err)
	o := waitOutcome(t, c, id)
	require.Equal(t, job.StatusCompleted, o.Status)
	require.Equal(t, 3, o.Attempts)

	a.mu.Lock()
	at := append([]time.Time(nil), a.submittedAt...)
	a.mu.Unlock()
	require.Len(t, at, 3)

	// Attempt 1 hit its own 20ms timeout, so the abort ramp applies: 150ms * 1.
	afterTimeout := at[1].Sub(at[0])
	assert.GreaterOrEqual(t, afterTimeout, 170*time.Millisecond)

	// Attempt 2 failed outright, so the failure ramp applies: 5ms * 2.
	afterFailure := at[2].Sub(at[1])
	assert.GreaterOrEqual(t, afterFailure, 10*time.Millisecond)
	assert.Less(t, afterFailure, 150*time.Millisecond)
}

func TestCloseRacesWithAwaitAndSubmit(t *testing.T) {
	c := newTestCoordinator(t, provider.NewMock(0), nil)

	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		id, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		waitTerminal(t, c, id)
		ids = append(ids, id)
	}

	var (
		mu        sync.Mutex
		delivered = map[string]int{}
		awaited   []string
		wg        sync.WaitGroup
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			err := c.AwaitOutcome(id, func(o job.Outcome) {
				mu.Lock()
				delivered[o.JobID]++
				mu.Unlock()
			})
			if err == nil {
				mu.Lock()
				awaited = append(awaited, id)
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "late"})
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
	}
	close(start)
	c.Close()
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == len(awaited)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for id, n := range delivered {
		assert.Equal(t, 1, n, "outcome of %s delivered once", id)
	}

	_, err := c.Submit(context.Background(), job.Request{Kind: job.KindAudio, Text: "after"})
	assert.ErrorIs(t, err, ErrClosed)
}
