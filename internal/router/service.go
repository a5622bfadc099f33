package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/genpipe/internal/bus"
	"github.com/loqalabs/genpipe/internal/config"
	"github.com/loqalabs/genpipe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Pipeline is what the router dispatches inbound triggers to.
type Pipeline interface {
	Speak(sessionID, text, voice string) int
	Interrupt(sessionID string) bool
	SubmitImage(ctx context.Context, sessionID, prompt, size string) (string, error)
}

type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	pipeline Pipeline
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, pipeline Pipeline, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: pipeline,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectResponseFinal, s.handleResponse},
		{protocol.SubjectChatMessage, s.handleChatMessage},
		{protocol.SubjectImageRequest, s.handleImageRequest},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 3
}

func (s *Service) handleResponse(msg *nats.Msg) {
	var resp protocol.ResponseFinal
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode response", slogError(err))
		return
	}
	if strings.TrimSpace(resp.Content) == "" || resp.SessionID == "" {
		return
	}

	// The pipeline keeps the voice a session started with; the router holds no
	// per-session state.
	voice := resp.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}

	n := s.pipeline.Speak(resp.SessionID, resp.Content, voice)
	s.logger.Debug("queued response for playback",
		slog.String("session_id", resp.SessionID),
		slog.Int("segments", n),
		slog.String("trace_id", resp.TraceID))
}

func (s *Service) handleChatMessage(msg *nats.Msg) {
	var chat protocol.ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err != nil {
		s.logger.Warn("router failed to decode chat message", slogError(err))
		return
	}
	if chat.SessionID == "" {
		return
	}
	if s.pipeline.Interrupt(chat.SessionID) {
		s.logger.Debug("interrupted playback for new message", slog.String("session_id", chat.SessionID))
	}
}

func (s *Service) handleImageRequest(msg *nats.Msg) {
	var req protocol.ImageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode image request", slogError(err))
		s.reply(msg, protocol.ImageAccepted{Error: "malformed request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()

		id, err := s.pipeline.SubmitImage(ctx, req.SessionID, req.Prompt, req.Size)
		if err != nil {
			s.logger.Warn("router failed to submit image job", slogError(err))
			s.reply(msg, protocol.ImageAccepted{Error: err.Error()})
			return
		}
		s.reply(msg, protocol.ImageAccepted{JobID: id})
	}()
}

func (s *Service) reply(msg *nats.Msg, v protocol.ImageAccepted) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("router failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
