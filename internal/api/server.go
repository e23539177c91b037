// Package api provides the HTTP control surface.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/anireap/anireap/apitypes"
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/mirror"
	"github.com/anireap/anireap/internal/orchestrator"
	"github.com/anireap/anireap/internal/subscription"
	"github.com/anireap/anireap/internal/timeline"
)

// validIDPattern matches subscription IDs and torrent hashes while blocking
// path traversal and injection.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`) //nolint:gochecknoglobals // compiled pattern

// maxIDLength is the maximum allowed length for ID parameters.
const maxIDLength = 256

const defaultTimelineLimit = 100

const timeFormat = "2006-01-02T15:04:05Z07:00"

// validateID checks that an ID parameter is non-empty, reasonable length,
// and contains only safe characters.
func validateID(id string) error {
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if len(id) > maxIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "id too long")
	}
	if !validIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "id contains invalid characters")
	}
	return nil
}

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Busy() bool
	SavePath(sub subscription.Subscription) string
	StartSweep() error
	StartRefresh(id string) (subscription.Subscription, error)
	MoveSubscription(ctx context.Context, old, updated subscription.Subscription) int
	PurgeSubscription(ctx context.Context, sub subscription.Subscription, deleteFiles bool) int
}

// TaskLister exposes the mirror queue.
type TaskLister interface {
	Tasks() []mirror.Task
}

// Server is the HTTP API server.
type Server struct {
	echo     *echo.Echo
	engine   Engine
	store    subscription.Store
	tasks    TaskLister
	recorder timeline.Recorder
	eventBus *events.Bus
	logger   zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMirror exposes the mirror queue.
func WithMirror(tasks TaskLister) Option {
	return func(s *Server) {
		s.tasks = tasks
	}
}

// WithTimeline exposes the recorded timeline.
func WithTimeline(recorder timeline.Recorder) Option {
	return func(s *Server) {
		s.recorder = recorder
	}
}

// WithEventBus publishes subscription changes on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) {
		s.eventBus = bus
	}
}

// New creates a new API server.
func New(engine Engine, store subscription.Store, opts ...Option) *Server {
	s := &Server{
		echo:   echo.New(),
		engine: engine,
		store:  store,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.healthHandler)
	api.GET("/stats", s.statsHandler)

	// Subscriptions
	api.GET("/subscriptions", s.listSubscriptionsHandler)
	api.POST("/subscriptions", s.createSubscriptionHandler)
	api.POST("/subscriptions/enable", s.batchEnableHandler)
	api.GET("/subscriptions/:id", s.getSubscriptionHandler)
	api.PUT("/subscriptions/:id", s.updateSubscriptionHandler)
	api.DELETE("/subscriptions/:id", s.deleteSubscriptionHandler)
	api.POST("/subscriptions/:id/refresh", s.refreshHandler)
	api.GET("/subscriptions/:id/timeline", s.subscriptionTimelineHandler)

	// Reconciliation
	api.POST("/sweep", s.sweepHandler)

	// Mirror
	api.GET("/mirror/tasks", s.mirrorTasksHandler)

	// Timeline
	api.GET("/timeline", s.timelineHandler)
	api.GET("/items/:hash/timeline", s.itemTimelineHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

func (s *Server) statsHandler(c echo.Context) error {
	subs := s.store.List()
	resp := apitypes.Stats{
		Subscriptions: len(subs),
		Busy:          s.engine.Busy(),
	}
	for _, sub := range subs {
		if sub.Enable {
			resp.Enabled++
		}
	}
	if s.tasks != nil {
		resp.MirrorTasks = len(s.tasks.Tasks())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listSubscriptionsHandler(c echo.Context) error {
	subs := s.store.List()
	resp := make([]apitypes.Subscription, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, s.toAPI(sub))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getSubscriptionHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	sub, err := s.store.Get(id)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, s.toAPI(sub))
}

func (s *Server) createSubscriptionHandler(c echo.Context) error {
	var req apitypes.Subscription
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if req.ID != "" {
		if err := validateID(req.ID); err != nil {
			return err
		}
	}

	sub, err := s.store.Add(fromAPI(req))
	if err != nil {
		return s.domainError(c, err)
	}

	s.publish(events.SubscriptionAdded, sub)

	if sub.Enable {
		if _, err = s.engine.StartRefresh(sub.ID); err != nil {
			s.logger.Debug().Err(err).Str("subscription", sub.DisplayName()).Msg("initial refresh not started")
		}
	}

	return c.JSON(http.StatusCreated, s.toAPI(sub))
}

func (s *Server) updateSubscriptionHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	var req apitypes.Subscription
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var old subscription.Subscription
	updated, err := s.store.Modify(id, func(sub *subscription.Subscription) {
		old = *sub
		next := fromAPI(req)
		next.CreatedAt = sub.CreatedAt
		if next.URL == "" {
			next.URL = sub.URL
		}
		*sub = next
	})
	if err != nil {
		return s.domainError(c, err)
	}

	resp := apitypes.UpdateResponse{Subscription: s.toAPI(updated)}
	if queryBool(c, "move") {
		resp.Moved = s.engine.MoveSubscription(c.Request().Context(), old, updated)
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteSubscriptionHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	removed, err := s.store.Remove(id)
	if err != nil {
		return s.domainError(c, err)
	}

	resp := apitypes.DeleteResponse{Removed: len(removed)}
	deleteFiles := queryBool(c, "deleteFiles")
	for _, sub := range removed {
		s.publish(events.SubscriptionRemoved, sub)
		if deleteFiles {
			resp.Deleted += s.engine.PurgeSubscription(c.Request().Context(), sub, true)
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) batchEnableHandler(c echo.Context) error {
	var req apitypes.BatchEnableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := apitypes.BatchResponse{}
	for _, id := range req.IDs {
		changed := false
		_, err := s.store.Modify(id, func(sub *subscription.Subscription) {
			changed = sub.Enable != req.Enable
			sub.Enable = req.Enable
		})
		if errors.Is(err, subscription.ErrNotFound) {
			s.logger.Debug().Err(err).Str("id", id).Msg("batch enable skipped unknown subscription")
			continue
		}
		if err != nil {
			return s.domainError(c, err)
		}
		if changed {
			resp.Updated++
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) refreshHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	sub, err := s.engine.StartRefresh(id)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, apitypes.Accepted{Status: "started", Subscription: sub.ID})
}

func (s *Server) sweepHandler(c echo.Context) error {
	if err := s.engine.StartSweep(); err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, apitypes.Accepted{Status: "started"})
}

func (s *Server) mirrorTasksHandler(c echo.Context) error {
	resp := []apitypes.MirrorTask{}
	if s.tasks == nil {
		return c.JSON(http.StatusOK, resp)
	}

	for _, t := range s.tasks.Tasks() {
		resp = append(resp, apitypes.MirrorTask{
			ID:           t.ID,
			Hash:         t.Hash,
			Subscription: t.Subscription,
			LocalPath:    t.LocalPath,
			TargetPath:   t.TargetPath,
			RemoteTaskID: t.RemoteTaskID,
			State:        t.State.String(),
			Retries:      t.Retries,
			QueuedAt:     t.QueuedAt.Format(timeFormat),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) timelineHandler(c echo.Context) error {
	if s.recorder == nil {
		return c.JSON(http.StatusOK, []apitypes.TimelineEvent{})
	}
	return c.JSON(http.StatusOK, toTimeline(s.recorder.GetAll(), queryLimit(c)))
}

func (s *Server) subscriptionTimelineHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}
	if s.recorder == nil {
		return c.JSON(http.StatusOK, []apitypes.TimelineEvent{})
	}
	return c.JSON(http.StatusOK, toTimeline(s.recorder.GetBySubscription(id), queryLimit(c)))
}

func (s *Server) itemTimelineHandler(c echo.Context) error {
	hash := c.Param("hash")
	if err := validateID(hash); err != nil {
		return err
	}
	if s.recorder == nil {
		return c.JSON(http.StatusOK, []apitypes.TimelineEvent{})
	}
	return c.JSON(http.StatusOK, toTimeline(s.recorder.GetByItem(hash), queryLimit(c)))
}

// domainError maps domain errors to HTTP responses.
func (s *Server) domainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{Error: err.Error()})
	case errors.Is(err, subscription.ErrDuplicate):
		return c.JSON(http.StatusConflict, apitypes.ErrorResponse{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrBusy):
		return c.JSON(http.StatusConflict, apitypes.ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, apitypes.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) publish(typ events.Type, sub subscription.Subscription) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.Event{
		Type:         typ,
		Subscription: sub.ID,
		Name:         sub.DisplayName(),
	})
}

func (s *Server) toAPI(sub subscription.Subscription) apitypes.Subscription {
	out := apitypes.Subscription{
		ID:                       sub.ID,
		Title:                    sub.Title,
		URL:                      sub.URL,
		Season:                   sub.Season,
		Enable:                   sub.Enable,
		OVA:                      sub.OVA,
		CurrentEpisodeNumber:     sub.CurrentEpisodeNumber,
		UpLimit:                  sub.UpLimit,
		DlLimit:                  sub.DlLimit,
		RatioLimit:               sub.RatioLimit,
		SeedingTimeLimit:         sub.SeedingTimeLimit,
		InactiveSeedingTimeLimit: sub.InactiveSeedingTimeLimit,
		Mirror:                   sub.Mirror,
		SavePath:                 s.engine.SavePath(sub),
	}
	if !sub.CreatedAt.IsZero() {
		out.CreatedAt = sub.CreatedAt.Format(timeFormat)
	}
	return out
}

func fromAPI(req apitypes.Subscription) subscription.Subscription {
	return subscription.Subscription{
		ID:                       req.ID,
		Title:                    strings.TrimSpace(req.Title),
		URL:                      strings.TrimSpace(req.URL),
		Season:                   max(req.Season, 1),
		Enable:                   req.Enable,
		OVA:                      req.OVA,
		CurrentEpisodeNumber:     req.CurrentEpisodeNumber,
		UpLimit:                  req.UpLimit,
		DlLimit:                  req.DlLimit,
		RatioLimit:               req.RatioLimit,
		SeedingTimeLimit:         req.SeedingTimeLimit,
		InactiveSeedingTimeLimit: req.InactiveSeedingTimeLimit,
		Mirror:                   req.Mirror,
	}
}

func toTimeline(evs []timeline.Event, limit int) []apitypes.TimelineEvent {
	if len(evs) > limit {
		evs = evs[:limit]
	}

	out := make([]apitypes.TimelineEvent, 0, len(evs))
	for _, e := range evs {
		out = append(out, apitypes.TimelineEvent{
			ID:           e.ID,
			Type:         e.Type,
			Timestamp:    e.Timestamp.Format(timeFormat),
			Message:      e.Message,
			Hash:         e.Hash,
			Name:         e.Name,
			Subscription: e.Subscription,
			Details:      e.Details,
		})
	}
	return out
}

func queryBool(c echo.Context, name string) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	return err == nil && v
}

func queryLimit(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return defaultTimelineLimit
	}
	return n
}
