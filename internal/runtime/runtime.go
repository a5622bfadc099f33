package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/genpipe/internal/backoff"
	"github.com/loqalabs/genpipe/internal/bus"
	"github.com/loqalabs/genpipe/internal/config"
	"github.com/loqalabs/genpipe/internal/coordinator"
	"github.com/loqalabs/genpipe/internal/eventstore"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/natsserver"
	"github.com/loqalabs/genpipe/internal/pipeline"
	"github.com/loqalabs/genpipe/internal/provider"
	"github.com/loqalabs/genpipe/internal/router"
	"github.com/loqalabs/genpipe/internal/segment"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	coord    *coordinator.Coordinator
	pipeline *pipeline.Service
	router   *router.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is done.
// Jobs still in flight at shutdown get the configured drain window.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	a := &api{
		coord:    r.coord,
		pipeline: r.pipeline,
		store:    r.store,
		ready:    r.healthy,
		logger:   r.logger.With(slog.String("component", "api")),
	}
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			r.serve(r.metricsServer, "metrics")
		} else {
			a.metrics = metricsHandler
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}

	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunPruner(ctx, pruneInterval)
	}()

	adapters := make(map[job.Kind]provider.Adapter)
	for kind, pcfg := range map[job.Kind]config.ProviderConfig{
		job.KindAudio: r.cfg.Providers.Audio,
		job.KindImage: r.cfg.Providers.Image,
	} {
		a, err := provider.New(pcfg, r.bus.Conn())
		if err != nil {
			return fmt.Errorf("%s provider: %w", kind, err)
		}
		if a == nil {
			r.logger.Info("provider disabled", slog.String("kind", string(kind)))
			continue
		}
		adapters[kind] = a
		r.logger.Info("provider configured", slog.String("kind", string(kind)), slog.String("mode", pcfg.Mode))
	}

	// Jobs outlive the serving context so shutdown can drain them.
	base := context.WithoutCancel(ctx)
	p := r.cfg.Pipeline
	r.coord = coordinator.New(base, adapters, coordinator.Options{
		Policy: backoff.Policy{
			BaseTimeout: config.Millis(p.BaseTimeoutMS),
			TimeoutStep: config.Millis(p.TimeoutStepMS),
			BaseWait:    config.Millis(p.BaseWaitMS),
			AbortWait:   config.Millis(p.AbortWaitMS),
			MaxAttempts: p.MaxAttempts,
		},
		Deadline:     config.Millis(p.DeadlineMS),
		PollInterval: config.Millis(p.PollIntervalMS),
		SubmitRate:   p.SubmitRatePerSec,
		SubmitBurst:  p.SubmitBurst,
		MaxRetained:  p.MaxRetained,
		Retention:    config.Millis(p.RetentionMS),
		Recorder:     r.store,
		Logger:       r.logger,
	})

	r.pipeline = pipeline.NewService(base, pipeline.Options{
		Splitter: segment.NewSplitter(segment.Options{
			MaxChars:            r.cfg.Segments.MaxChars,
			NormalizeWhitespace: r.cfg.Segments.NormalizeWhitespace,
		}),
		DefaultVoice: r.cfg.Router.DefaultVoice,
	}, r.bus, r.coord, r.store, r.logger)
	if err := r.pipeline.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	r.router = router.NewService(base, r.cfg.Router, r.bus, r.pipeline, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

// stopComponents tears down in reverse start order. Components that never
// started are skipped.
func (r *Runtime) stopComponents() {
	if r.router != nil {
		r.router.Close()
	}
	if r.coord != nil {
		if err := r.coord.Drain(config.Millis(r.cfg.Pipeline.DrainTimeoutMS)); err != nil {
			r.logger.Warn("jobs did not drain in time", slog.String("error", err.Error()))
		}
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if !r.pipeline.Healthy() || !r.router.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.store.Healthy(ctx)
}
