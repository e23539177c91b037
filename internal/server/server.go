// Package server wires the components together and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/anireap/anireap/internal/api"
	"github.com/anireap/anireap/internal/config"
	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/entitlement"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/feed"
	"github.com/anireap/anireap/internal/mirror"
	"github.com/anireap/anireap/internal/notify"
	"github.com/anireap/anireap/internal/orchestrator"
	"github.com/anireap/anireap/internal/subscription"
	"github.com/anireap/anireap/internal/timeline"
	"github.com/anireap/anireap/internal/transfer"
)

// Options holds additional server options not in config.
type Options struct {
	Logger zerolog.Logger

	// Fs backs the subscription store, torrent cache and mirror file checks.
	// Defaults to the OS filesystem.
	Fs afero.Fs

	// Client replaces the configured download client.
	Client download.Client

	// Backend replaces the configured mirror backend.
	Backend transfer.Backend
}

// Server is the main application server.
type Server struct {
	cfg          config.Config
	logger       zerolog.Logger
	eventBus     *events.Bus
	recorder     timeline.Recorder
	eventsCtrl   *events.Controller
	dispatcher   *notify.Dispatcher
	client       download.Client
	store        subscription.Store
	mirror       *mirror.Monitor
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
}

// New creates a new server with the given configuration.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	bus := events.New(events.WithLogger(component("events")))
	recorder := timeline.NewRecorder(timeline.WithLogger(component("timeline")))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		eventBus:   bus,
		recorder:   recorder,
		eventsCtrl: events.NewController(bus, recorder, events.WithControllerLogger(component("events"))),
	}

	if cfg.Notify.WebhookURL != "" {
		s.dispatcher = notify.NewDispatcher(bus, cfg.Notify.WebhookURL,
			notify.WithLogger(component("notify")),
			notify.WithTimeout(cfg.Notify.Timeout),
		)
	}

	store, err := subscription.NewFileStore(cfg.Subscriptions.File,
		subscription.WithFs(fsys),
		subscription.WithLogger(component("subscriptions")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening subscriptions: %w", err)
	}
	s.store = store

	s.client = opts.Client
	if s.client == nil {
		s.client, err = download.NewRegistry().New(cfg.Downloader,
			download.WithLogger(component("downloader")),
			download.WithFs(fsys),
		)
		if err != nil {
			return nil, err
		}
	}

	notifier := notify.NewBusNotifier(bus)
	entitled := entitlement.NewExpiry(cfg.Entitlement.ExpiresAt)
	if expires := entitled.ExpiresAt(); !expires.IsZero() {
		logger.Info().Time("expires_at", expires).Bool("active", entitled.IsEntitled()).Msg("entitlement loaded")
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(component("orchestrator")),
		orchestrator.WithFeed(feed.NewRSS(
			filepath.Join(filepath.Dir(cfg.Subscriptions.File), "torrents"),
			feed.WithLogger(component("feed")),
			feed.WithFs(fsys),
			feed.WithTemplate(cfg.Downloader.RenameTemplate),
		)),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithEntitlement(entitled),
		orchestrator.WithEventBus(bus),
		orchestrator.WithMonitorInterval(cfg.Monitor.Interval),
	}
	apiOpts := []api.Option{
		api.WithLogger(component("api")),
		api.WithTimeline(recorder),
		api.WithEventBus(bus),
	}

	if cfg.Mirror.Active() {
		backend := opts.Backend
		if backend == nil {
			backend, err = transfer.New(cfg.Mirror,
				transfer.WithLogger(component("transfer")),
				transfer.WithFs(fsys),
			)
			if err != nil {
				return nil, fmt.Errorf("creating mirror backend: %w", err)
			}
		}

		s.mirror = mirror.New(cfg.Mirror,
			mirror.Paths{
				DownloadPath:    cfg.Downloader.DownloadPath,
				OvaDownloadPath: cfg.Downloader.OvaDownloadPath,
			},
			backend,
			s.client,
			mirror.WithLogger(component("mirror")),
			mirror.WithFs(fsys),
			mirror.WithNotifier(notifier),
			mirror.WithEntitlement(entitled),
			mirror.WithEventBus(bus),
		)
		orchOpts = append(orchOpts, orchestrator.WithMirror(s.mirror))
		apiOpts = append(apiOpts, api.WithMirror(s.mirror))

		logger.Info().
			Str("backend", backend.Name()).
			Str("path", cfg.Mirror.Path).
			Bool("upload", cfg.Mirror.Enabled).
			Bool("refresh", cfg.Mirror.Refresh).
			Msg("mirror configured")
	}

	s.orchestrator = orchestrator.New(s.client, store, cfg.Downloader, orchOpts...)
	s.apiServer = api.New(s.orchestrator, store, apiOpts...)

	logger.Info().
		Str("downloader", s.client.Name()).
		Int("subscriptions", len(store.List())).
		Bool("mirror", cfg.Mirror.Enabled).
		Msg("configuration loaded")

	return s, nil
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler {
	return s.apiServer
}

// Run starts all components and blocks until the context is cancelled or the
// HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("download_path", s.cfg.Downloader.DownloadPath).
		Msg("starting anireap")

	if err := s.start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.setupDownloader(ctx)
		return nil
	})

	g.Go(func() error {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("received shutdown signal")
		return s.apiServer.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func (s *Server) start(ctx context.Context) error {
	if err := s.eventsCtrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start events controller: %w", err)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification dispatcher: %w", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mirror: %w", err)
		}
	}
	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	s.eventBus.Publish(events.Event{Type: events.SystemStarted})
	return nil
}

// setupDownloader logs in once and pushes the configured trackers.
func (s *Server) setupDownloader(ctx context.Context) {
	if !s.client.Login(ctx) {
		s.logger.Warn().Str("downloader", s.client.Name()).Msg("download client unavailable at startup")
		return
	}
	s.eventBus.Publish(events.Event{Type: events.DownloaderConnected, Name: s.client.Name()})

	if len(s.cfg.Downloader.Trackers) == 0 {
		return
	}
	if err := s.client.UpdateTrackers(ctx, s.cfg.Downloader.Trackers); err != nil {
		s.logger.Error().Err(err).Msg("failed to update trackers")
	}
}

// Shutdown stops the components in reverse start order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	s.orchestrator.Stop()
	if s.mirror != nil {
		s.mirror.Stop()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("dispatcher stop error")
		}
	}
	if err := s.eventsCtrl.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("events controller stop error")
	}
	s.eventBus.Close()

	s.logger.Info().Msg("shutdown complete")
	return nil
}
