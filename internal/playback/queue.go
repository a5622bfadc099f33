// Package playback serializes synthesis and playback of the segments of
// spoken responses. A queue keeps at most one segment active: its audio job is
// submitted only after the previous segment finished playing.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/segment"
)

// Synthesizer is the slice of the job coordinator the queue needs.
type Synthesizer interface {
	Submit(ctx context.Context, req job.Request) (string, error)
	AwaitOutcome(id string, onSettled func(job.Outcome)) error
	Cancel(id string) error
}

// Device plays synthesized audio. Play returns once playback has started; the
// device reports the end of playback through Queue.OnPlaybackFinished or
// Queue.OnSegmentFinished, exactly once per Play, including segments ended by
// Stop. Stop is never issued before the Play of the segment it ends.
type Device interface {
	Play(ctx context.Context, seg segment.Segment, audio []byte) error
	Stop()
}

type EventType string

const (
	EventStarted  EventType = "segment.started"
	EventFinished EventType = "segment.finished"
	EventSkipped  EventType = "segment.skipped"
)

type Event struct {
	Type     EventType
	Response int
	Segment  segment.Segment
	Err      error
}

type Options struct {
	SessionID string
	Voice     string
	Splitter  *segment.Splitter
	// Events observes queue progress. It is called without the queue lock
	// held, in order, from whichever goroutine advanced the queue.
	Events func(Event)
	Logger *slog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseSynthesizing
	phasePlaying
)

func (p phase) String() string {
	switch p {
	case phaseSynthesizing:
		return "synthesizing"
	case phasePlaying:
		return "playing"
	default:
		return "idle"
	}
}

type entry struct {
	response int
	seg      segment.Segment
}

type Queue struct {
	ctx    context.Context
	synth  Synthesizer
	device Device
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	pending   []entry
	active    *entry
	phase     phase
	epoch     uint64
	responses int
	// stopped holds the job ids of segments stopped while playing whose
	// finish report has not arrived yet.
	stopped []string

	// deviceMu orders Play against Stop.
	deviceMu sync.Mutex
	// emitMu keeps observer callbacks in order across goroutines.
	emitMu sync.Mutex
}

func New(ctx context.Context, synth Synthesizer, device Device, opts Options) *Queue {
	if opts.Splitter == nil {
		opts.Splitter = segment.NewSplitter(segment.Options{})
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		ctx:    ctx,
		synth:  synth,
		device: device,
		opts:   opts,
		log:    log.With(slog.String("component", "playback"), slog.String("session_id", opts.SessionID)),
	}
}

// EnqueueResponse splits text and appends its segments behind everything
// already queued. It returns the number of segments added.
func (q *Queue) EnqueueResponse(text string) int {
	segs := q.opts.Splitter.Split(text).Collect()
	if len(segs) == 0 {
		return 0
	}

	q.mu.Lock()
	response := q.responses
	q.responses++
	for _, seg := range segs {
		q.pending = append(q.pending, entry{response: response, seg: seg})
	}
	events := q.advanceLocked()
	q.mu.Unlock()

	q.emit(events)
	return len(segs)
}

// OnPlaybackFinished is the device callback for the end of the playing
// segment. It is ignored unless a segment is playing.
func (q *Queue) OnPlaybackFinished(err error) {
	q.finish("", err)
}

// OnSegmentFinished is OnPlaybackFinished for devices that echo the job id;
// reports for any other segment are ignored.
func (q *Queue) OnSegmentFinished(jobID string, err error) {
	q.finish(jobID, err)
}

// Cancel drops pending segments, cancels the active segment's job and stops
// the device. Outcomes of cancelled jobs that arrive later are ignored.
func (q *Queue) Cancel() {
	q.mu.Lock()
	q.epoch++
	dropped := len(q.pending)
	q.pending = nil
	var jobID string
	switch {
	case q.active != nil && q.phase == phaseSynthesizing:
		jobID = q.active.seg.AudioJobID
	case q.active != nil && q.phase == phasePlaying:
		q.stopped = append(q.stopped, q.active.seg.AudioJobID)
	}
	hadActive := q.active != nil
	q.active = nil
	q.phase = phaseIdle
	q.mu.Unlock()

	if jobID != "" {
		if err := q.synth.Cancel(jobID); err != nil {
			q.log.Debug("cancel audio job", slog.String("job_id", jobID), slogError(err))
		}
	}
	if hadActive {
		q.deviceMu.Lock()
		q.device.Stop()
		q.deviceMu.Unlock()
	}
	if dropped > 0 || hadActive {
		q.log.Info("playback cancelled", slog.Int("dropped", dropped))
	}
}

// State is a point-in-time view of a queue.
type State struct {
	Pending   int              `json:"pending"`
	Active    *segment.Segment `json:"active,omitempty"`
	Phase     string           `json:"phase"`
	Responses int              `json:"responses"`
}

func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := State{Pending: len(q.pending), Phase: q.phase.String(), Responses: q.responses}
	if q.active != nil {
		seg := q.active.seg
		st.Active = &seg
	}
	return st
}

// Idle reports whether nothing is pending or active.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active == nil && len(q.pending) == 0
}

// advanceLocked submits the next pending segment when nothing is active.
// Segments whose job cannot be submitted are skipped.
func (q *Queue) advanceLocked() []Event {
	var events []Event
	for q.active == nil && len(q.pending) > 0 {
		e := q.pending[0]
		q.pending = q.pending[1:]

		id, err := q.synth.Submit(q.ctx, job.Request{
			Kind:      job.KindAudio,
			SessionID: q.opts.SessionID,
			Text:      e.seg.Text,
			Voice:     q.opts.Voice,
		})
		if err != nil {
			q.log.Warn("audio submission failed; skipping segment", slog.Int("sequence", e.seg.Sequence), slogError(err))
			events = append(events, Event{Type: EventSkipped, Response: e.response, Segment: e.seg, Err: err})
			continue
		}
		e.seg.AudioJobID = id
		q.active = &e
		q.phase = phaseSynthesizing

		epoch := q.epoch
		if err := q.synth.AwaitOutcome(id, func(o job.Outcome) { q.onOutcome(epoch, o) }); err != nil {
			q.log.Warn("await audio job failed; skipping segment", slog.String("job_id", id), slogError(err))
			_ = q.synth.Cancel(id)
			q.active = nil
			q.phase = phaseIdle
			events = append(events, Event{Type: EventSkipped, Response: e.response, Segment: e.seg, Err: err})
		}
	}
	return events
}

func (q *Queue) onOutcome(epoch uint64, o job.Outcome) {
	q.mu.Lock()
	if epoch != q.epoch || q.active == nil || q.active.seg.AudioJobID != o.JobID || q.phase != phaseSynthesizing {
		q.mu.Unlock()
		return
	}
	current := *q.active

	if !o.OK() {
		q.log.Warn("audio job did not complete; skipping segment",
			slog.String("job_id", o.JobID),
			slog.Int("sequence", current.seg.Sequence),
			slog.String("status", string(o.Status)),
			slog.Int("attempts", o.Attempts))
		q.active = nil
		q.phase = phaseIdle
		events := []Event{{Type: EventSkipped, Response: current.response, Segment: current.seg, Err: o.Err}}
		events = append(events, q.advanceLocked()...)
		q.mu.Unlock()
		q.emit(events)
		return
	}

	q.phase = phasePlaying
	q.mu.Unlock()

	q.emit([]Event{{Type: EventStarted, Response: current.response, Segment: current.seg}})

	q.deviceMu.Lock()
	q.mu.Lock()
	stale := epoch != q.epoch
	if stale {
		// Cancelled before the device saw it; no finish report will come.
		q.consumeStoppedLocked(o.JobID)
	}
	q.mu.Unlock()
	var err error
	if !stale {
		err = q.device.Play(q.ctx, current.seg, o.Payload)
	}
	q.deviceMu.Unlock()

	if err != nil {
		q.log.Warn("device failed to play segment", slog.String("job_id", o.JobID), slogError(err))
		q.finish(o.JobID, err)
	}
}

func (q *Queue) finish(jobID string, err error) {
	q.mu.Lock()
	if q.consumeStoppedLocked(jobID) {
		q.mu.Unlock()
		return
	}
	if q.active == nil || q.phase != phasePlaying || (jobID != "" && q.active.seg.AudioJobID != jobID) {
		q.mu.Unlock()
		return
	}
	current := *q.active
	q.active = nil
	q.phase = phaseIdle
	events := []Event{{Type: EventFinished, Response: current.response, Segment: current.seg, Err: err}}
	events = append(events, q.advanceLocked()...)
	q.mu.Unlock()

	q.emit(events)
}

// consumeStoppedLocked matches a finish report against segments stopped by
// Cancel. A report without a job id belongs to the oldest stopped segment.
func (q *Queue) consumeStoppedLocked(jobID string) bool {
	if len(q.stopped) == 0 {
		return false
	}
	if jobID == "" {
		q.stopped = q.stopped[1:]
		return true
	}
	for i, id := range q.stopped {
		if id == jobID {
			q.stopped = append(q.stopped[:i], q.stopped[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) emit(events []Event) {
	if q.opts.Events == nil || len(events) == 0 {
		return
	}
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	for _, ev := range events {
		q.opts.Events(ev)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
