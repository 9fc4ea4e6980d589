// Package runtime assembles the voice service: telemetry, the message bus,
// the run history, the pipeline and its HTTP and bus front ends.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventfeed"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	feed          *eventfeed.Feed
	router        *router.Service
	registry      *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	orchestrator, err := r.startServices(ctx)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           newHandler(orchestrator, r.isReady, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           newMetricsHandler(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.store != nil && r.cfg.EventStore.RetentionMode == "persistent" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startServices(ctx context.Context) (*pipeline.Orchestrator, error) {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return nil, err
		}
		r.nats = srv
		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := store.Ensure(); err != nil {
		store.Close()
		return nil, err
	}
	r.store = store

	var publisher eventfeed.Publisher
	if r.bus != nil {
		publisher = r.bus
	}
	feed, err := eventfeed.New(r.cfg.FlowControl, publisher, store, r.logger)
	if err != nil {
		return nil, err
	}
	feed.Start(context.Background())
	r.feed = feed

	completion, err := llm.NewFromConfig(r.cfg.LLM, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	synthesis, err := tts.NewFromConfig(r.cfg.TTS, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init tts: %w", err)
	}
	orchestrator := pipeline.New(completion, synthesis,
		pipeline.OptionsFromConfig(r.cfg.Pipeline), r.logger,
		pipeline.WithObserver(feed))

	if r.cfg.Router.Enabled {
		svc := router.NewService(ctx, r.cfg.Router, r.bus, orchestrator, r.logger)
		if err := svc.Start(); err != nil {
			return nil, fmt.Errorf("start router: %w", err)
		}
		r.router = svc
	}

	if r.bus != nil {
		nodeCfg := r.cfg.Node
		if nodeCfg.ID == "" {
			nodeCfg.ID = uuid.NewString()
		}
		var load func() int
		if r.router != nil {
			load = r.router.ActiveSessions
		}
		registry, err := capability.NewRegistry(ctx, nodeCfg, capability.VoiceCapabilities(r.cfg), load, r.bus, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
		r.logger.Info("voice node announced", slog.String("node_id", nodeCfg.ID))
	}
	return orchestrator, nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
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
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.feed != nil {
		r.feed.Close()
		if dropped := r.feed.Dropped(); dropped > 0 {
			r.logger.Warn("pipeline events dropped", slog.Int("count", dropped))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return r.router == nil || r.router.Healthy()
}
