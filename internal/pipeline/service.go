// Package pipeline connects the job coordinator to the bus: per-session
// playback queues for spoken responses and fire-and-notify image jobs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/genpipe/internal/bus"
	"github.com/loqalabs/genpipe/internal/coordinator"
	"github.com/loqalabs/genpipe/internal/eventstore"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/playback"
	"github.com/loqalabs/genpipe/internal/protocol"
	"github.com/loqalabs/genpipe/internal/segment"
	"github.com/nats-io/nats.go"
)

const (
	sweepInterval  = time.Minute
	idleSessionTTL = 10 * time.Minute
)

type Options struct {
	Splitter     *segment.Splitter
	DefaultVoice string
}

type Service struct {
	opts   Options
	bus    *bus.Client
	coord  *coordinator.Coordinator
	store  *eventstore.Store
	logger *slog.Logger

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id       string
	queue    *playback.Queue
	lastUsed time.Time
}

// NewService builds the pipeline. store may be nil.
func NewService(parent context.Context, opts Options, busClient *bus.Client, coord *coordinator.Coordinator, store *eventstore.Store, log *slog.Logger) *Service {
	if opts.Splitter == nil {
		opts.Splitter = segment.NewSplitter(segment.Options{})
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		opts:     opts,
		bus:      busClient,
		coord:    coord,
		store:    store,
		logger:   log.With(slog.String("component", "pipeline")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectPlaybackFinished, s.handlePlaybackFinished)
	if err != nil {
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep()
	}()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.queue.Cancel()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

// Speak queues text for synthesis and playback on the session's queue. The
// voice of the first response fixes the voice of the session.
func (s *Service) Speak(sessionID, text, voice string) int {
	return s.session(sessionID, voice).queue.EnqueueResponse(text)
}

// Interrupt abandons everything queued or playing for a session. It reports
// whether the session existed.
func (s *Service) Interrupt(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.queue.Cancel()
	return true
}

// Playback returns the queue state of a session.
func (s *Service) Playback(sessionID string) (playback.State, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return playback.State{}, false
	}
	return sess.queue.Snapshot(), true
}

// Sessions lists known session ids.
func (s *Service) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubmitImage starts an image job and publishes its outcome on job.settled.
func (s *Service) SubmitImage(ctx context.Context, sessionID, prompt, size string) (string, error) {
	id, err := s.coord.Submit(ctx, job.Request{
		Kind:      job.KindImage,
		SessionID: sessionID,
		Prompt:    prompt,
		Size:      size,
	})
	if err != nil {
		return "", err
	}
	if err := s.coord.AwaitOutcome(id, func(o job.Outcome) { s.publishSettled(sessionID, o) }); err != nil {
		// Only reachable if the job was already evicted; nothing left to report.
		s.logger.Warn("await image job failed", slog.String("job_id", id), slogError(err))
	}
	return id, nil
}

func (s *Service) publishSettled(sessionID string, o job.Outcome) {
	msg := protocol.JobSettled{
		JobID:     o.JobID,
		SessionID: sessionID,
		Kind:      string(o.Kind),
		Status:    string(o.Status),
		Attempts:  o.Attempts,
		Payload:   o.Payload,
		Timestamp: time.Now().UTC(),
	}
	if o.Err != nil {
		msg.Error = o.Err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectJobSettled, msg); err != nil {
		s.logger.Warn("failed to publish job outcome", slog.String("job_id", o.JobID), slogError(err))
	}
}

func (s *Service) session(id, voice string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastUsed = time.Now()
		return sess
	}
	if voice == "" {
		voice = s.opts.DefaultVoice
	}
	sess := &session{id: id, lastUsed: time.Now()}
	dev := &busDevice{bus: s.bus, sessionID: id}
	sess.queue = playback.New(s.ctx, s.coord, dev, playback.Options{
		SessionID: id,
		Voice:     voice,
		Splitter:  s.opts.Splitter,
		Events:    func(ev playback.Event) { s.onQueueEvent(id, ev) },
		Logger:    s.logger,
	})
	s.sessions[id] = sess
	return sess
}

func (s *Service) onQueueEvent(sessionID string, ev playback.Event) {
	msg := protocol.PlaybackEvent{
		SessionID: sessionID,
		Type:      string(ev.Type),
		Response:  ev.Response,
		Sequence:  ev.Segment.Sequence,
		JobID:     ev.Segment.AudioJobID,
		Timestamp: time.Now().UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectPlaybackEvent, msg); err != nil {
		s.logger.Warn("failed to publish playback event", slogError(err))
	}
	if s.store != nil && msg.JobID != "" {
		err := s.store.Append(s.ctx, eventstore.Event{
			JobID:     msg.JobID,
			SessionID: sessionID,
			Kind:      string(job.KindAudio),
			Type:      msg.Type,
			Detail:    msg.Error,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to record playback event", slogError(err))
		}
	}
}

func (s *Service) handlePlaybackFinished(msg *nats.Msg) {
	var done protocol.PlaybackFinished
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		s.logger.Warn("failed to decode playback finished", slogError(err))
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[done.SessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	var playErr error
	if done.Error != "" {
		playErr = errors.New(done.Error)
	}
	if done.JobID != "" {
		sess.queue.OnSegmentFinished(done.JobID, playErr)
		return
	}
	sess.queue.OnPlaybackFinished(playErr)
}

// sweep drops sessions that have been idle for a while.
func (s *Service) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, sess := range s.sessions {
				if now.Sub(sess.lastUsed) > idleSessionTTL && sess.queue.Idle() {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// busDevice hands audio to the edge device over the bus; the device answers
// on playback.finished.
type busDevice struct {
	bus       *bus.Client
	sessionID string
}

func (d *busDevice) Play(_ context.Context, seg segment.Segment, audio []byte) error {
	return d.bus.PublishJSON(protocol.SubjectAudioSegment, protocol.AudioSegment{
		SessionID: d.sessionID,
		Sequence:  seg.Sequence,
		JobID:     seg.AudioJobID,
		Text:      seg.Text,
		Audio:     audio,
	})
}

func (d *busDevice) Stop() {
	_ = d.bus.PublishJSON(protocol.SubjectPlaybackStop, protocol.PlaybackStop{
		SessionID: d.sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
