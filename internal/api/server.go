// Package api serves the operations HTTP API and mounts the device link endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/bulk"
	"github.com/campusiot/relayd/internal/control"
	"github.com/campusiot/relayd/internal/device"
	"github.com/campusiot/relayd/internal/ledger"
	"github.com/campusiot/relayd/internal/schedule"
	"github.com/campusiot/relayd/internal/scheduler"
)

// maxRequestBodySize caps request bodies (1 MB)
const maxRequestBodySize = 1 << 20

// Switcher applies single switch changes
type Switcher interface {
	Apply(ctx context.Context, req control.Request) (*control.Outcome, error)
}

// BulkToggler runs bulk toggles
type BulkToggler interface {
	Toggle(ctx context.Context, actor string, toggles []bulk.Toggle) bulk.Result
}

// Scheduler is the job side of the scheduler
type Scheduler interface {
	UpdateSchedule(sch *schedule.Schedule) error
	RemoveJob(id string) bool
	HasJob(id string) bool
	Execute(ctx context.Context, sch *schedule.Schedule) scheduler.Report
	EntriesForDay(day time.Time) []scheduler.Entry
	Timezone() *time.Location
}

// ScheduleStore reads schedule records
type ScheduleStore interface {
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
}

// History reads the activity log and alerts
type History interface {
	RecentActivity(deviceID string, limit int) ([]*ledger.ActivityEntry, error)
	RecentAlerts(alertType ledger.AlertType, limit int) ([]*ledger.Alert, error)
}

// Deps are the collaborators the API calls into
type Deps struct {
	Registry  device.Registry
	Switcher  Switcher
	Bulk      BulkToggler
	Scheduler Scheduler
	Schedules ScheduleStore
	History   History

	// Link serves the device WebSocket endpoint at LinkPath
	Link     http.Handler
	LinkPath string

	// Ready reports whether dependencies (database, etc.) are usable
	Ready func(ctx context.Context) error
}

// Server is the HTTP front of relayd
type Server struct {
	addr       string
	deps       Deps
	now        func() time.Time
	httpServer *http.Server
}

// NewServer creates a server listening on addr
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, now: time.Now}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	if s.deps.Link != nil && s.deps.LinkPath != "" {
		r.Handle(s.deps.LinkPath, s.deps.Link)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bodySizeLimit)

		r.Post("/bulk-toggle", s.handleBulkToggle)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/activity", s.handleDeviceActivity)
				r.Post("/switches/{switchID}/toggle", s.handleToggleSwitch)
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/today", s.handleSchedulesToday)
			r.Post("/{scheduleID}/sync", s.handleSyncSchedule)
			r.Post("/{scheduleID}/run", s.handleRunSchedule)
		})

		r.Get("/alerts", s.handleListAlerts)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Str("link_path", s.deps.LinkPath).Msg("Starting HTTP server")

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// ListenAndServe returns as soon as Shutdown starts; wait for in-flight requests
	<-drained
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func bodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
