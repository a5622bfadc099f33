// Package registry tracks every job the coordinator knows about: live jobs in
// a map, settled jobs in a bounded retention cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/genpipe/internal/job"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrDrainTimeout is returned by Drain when jobs had to be force-cancelled.
var ErrDrainTimeout = errors.New("drain timed out")

type Options struct {
	MaxRetained int
	Retention   time.Duration
	// OnEvict runs when a settled job leaves the retention cache, whether by
	// expiry, capacity or Release. It must not call back into the registry.
	OnEvict func(id string)
	Logger  *slog.Logger
}

type entry struct {
	snap   job.Snapshot
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Registry struct {
	mu       sync.RWMutex
	live     map[string]*entry
	retained *expirable.LRU[string, job.Snapshot]
	log      *slog.Logger
	meter    metric.Meter
}

func New(opts Options) *Registry {
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = 1024
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		live:  make(map[string]*entry),
		log:   log.With(slog.String("component", "job-registry")),
		meter: otel.Meter("github.com/loqalabs/genpipe/registry"),
	}
	onEvict := opts.OnEvict
	r.retained = expirable.NewLRU(opts.MaxRetained, func(id string, _ job.Snapshot) {
		if onEvict != nil {
			onEvict(id)
		}
	}, opts.Retention)

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds a live job. cancel is invoked with job.ErrCancelled by Cancel
// and Drain.
func (r *Registry) Register(snap job.Snapshot, cancel context.CancelCauseFunc) error {
	if snap.ID == "" {
		return errors.New("job id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[snap.ID]; ok {
		return fmt.Errorf("job %s already registered", snap.ID)
	}
	if r.retained.Contains(snap.ID) {
		return fmt.Errorf("job %s already registered", snap.ID)
	}
	r.live[snap.ID] = &entry{snap: snap, cancel: cancel, done: make(chan struct{})}
	return nil
}

// Update replaces the snapshot of a live job. A terminal snapshot moves the job
// into the retention cache and releases anyone waiting in Drain.
func (r *Registry) Update(snap job.Snapshot) error {
	r.mu.Lock()
	e, ok := r.live[snap.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", job.ErrNotFound, snap.ID)
	}
	if !snap.Status.Terminal() {
		e.snap = snap
		r.mu.Unlock()
		return nil
	}
	r.retained.Add(snap.ID, snap)
	delete(r.live, snap.ID)
	r.mu.Unlock()

	close(e.done)
	return nil
}

// Lookup returns the latest snapshot of a live or retained job.
func (r *Registry) Lookup(id string) (job.Snapshot, error) {
	r.mu.RLock()
	e, ok := r.live[id]
	var snap job.Snapshot
	if ok {
		snap = e.snap
	}
	r.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if snap, ok := r.retained.Get(id); ok {
		return snap, nil
	}
	return job.Snapshot{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
}

// Cancel requests cancellation of a live job. Cancelling a settled job is a
// no-op; unknown ids return job.ErrNotFound.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	e, ok := r.live[id]
	r.mu.RUnlock()
	if ok {
		e.cancel(job.ErrCancelled)
		return nil
	}
	if r.retained.Contains(id) {
		return nil
	}
	return fmt.Errorf("%w: %s", job.ErrNotFound, id)
}

// Release evicts a settled job whose outcome has been consumed.
func (r *Registry) Release(id string) {
	r.retained.Remove(id)
}

// Done returns a channel closed when the job settles, or nil if it is not live.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.live[id]; ok {
		return e.done
	}
	return nil
}

// Drain waits for every live job to settle. Jobs still live after timeout are
// cancelled and ErrDrainTimeout is returned.
func (r *Registry) Drain(timeout time.Duration) error {
	r.mu.RLock()
	pending := make([]*entry, 0, len(r.live))
	for _, e := range r.live {
		pending = append(pending, e)
	}
	r.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i, e := range pending {
		select {
		case <-e.done:
		case <-timer.C:
			forced := 0
			for _, rest := range pending[i:] {
				select {
				case <-rest.done:
				default:
					rest.cancel(job.ErrCancelled)
					forced++
				}
			}
			r.log.Warn("drain timed out; cancelled remaining jobs", slog.Int("cancelled", forced))
			return ErrDrainTimeout
		}
	}
	return nil
}

// List returns live and retained snapshots, newest first.
func (r *Registry) List() []job.Snapshot {
	r.mu.RLock()
	out := make([]job.Snapshot, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e.snap)
	}
	r.mu.RUnlock()
	out = append(out, r.retained.Values()...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts reports the number of live and retained jobs.
func (r *Registry) Counts() (live, retained int) {
	r.mu.RLock()
	live = len(r.live)
	r.mu.RUnlock()
	return live, r.retained.Len()
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	liveGauge, err := r.meter.Int64ObservableGauge("genpipe.jobs.live", metric.WithDescription("Jobs not yet settled"))
	if err != nil {
		return err
	}
	retainedGauge, err := r.meter.Int64ObservableGauge("genpipe.jobs.retained", metric.WithDescription("Settled jobs held for lookup"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		live, retained := r.Counts()
		obs.ObserveInt64(liveGauge, int64(live))
		obs.ObserveInt64(retainedGauge, int64(retained))
		return nil
	}, liveGauge, retainedGauge)
	return err
}
