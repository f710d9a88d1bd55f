// Package api serves the status endpoints of a long-running scheduler:
// health, Prometheus metrics, sync status and a manual sync trigger.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/ingest"
	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/store"
)

// Syncer is the part of ingest.Scheduler the server drives.
type Syncer interface {
	Trigger(ctx context.Context, opts ingest.RunOptions) (*ingest.Summary, error)
	Start(ctx context.Context, opts ingest.RunOptions) error
	Running() bool
	Last() *ingest.Summary
	Defaults() ingest.RunOptions
}

type Server struct {
	store    *store.Store
	sync     Syncer
	addr     string
	log      zerolog.Logger
	validate *validator.Validate

	// runCtx outlives requests so background syncs survive the trigger
	// request returning.
	runCtx context.Context
}

func NewServer(st *store.Store, sync Syncer, addr string, log zerolog.Logger) *Server {
	return &Server{
		store:    st,
		sync:     sync,
		addr:     addr,
		log:      log.With().Str("component", "api").Logger(),
		validate: validator.New(),
		runCtx:   context.Background(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// Run serves until ctx is done, then shuts down with a five second grace
// period.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("status server listening")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type HealthStatus struct {
	Status    string        `json:"status"`
	Running   bool          `json:"running"`
	LastRun   models.Status `json:"last_run,omitempty"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok", Running: s.sync.Running()}

	if err := s.store.DB().PingContext(r.Context()); err != nil {
		health.Errors = append(health.Errors, "database: "+err.Error())
	}
	if last := s.sync.Last(); last != nil {
		health.LastRun = last.Status
		started := last.StartedAt
		health.LastRunAt = &started
		if last.Status == models.StatusFailed {
			health.Status = "degraded"
		}
	}
	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

type EntityStatus struct {
	Entity       models.EntityType `json:"entity"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
	Mode         models.Mode       `json:"last_run_mode,omitempty"`
	Status       models.Status     `json:"last_run_status,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type Status struct {
	Running  bool            `json:"running"`
	LastRun  json.RawMessage `json:"last_run,omitempty"`
	Entities []EntityStatus  `json:"entities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := Status{Running: s.sync.Running(), Entities: []EntityStatus{}}

	if last := s.sync.Last(); last != nil {
		data, err := last.JSON()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		status.LastRun = data
	} else {
		run, err := s.store.LatestSyncRun(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if run != nil && run.SummaryJSON != "" {
			status.LastRun = json.RawMessage(run.SummaryJSON)
		}
	}

	wms, err := s.store.Watermarks(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, e := range models.AllEntities {
		wm, ok := wms[e]
		if !ok {
			continue
		}
		es := EntityStatus{Entity: e, Mode: wm.LastRunMode, Status: wm.LastRunStatus, Error: wm.ErrorMessage}
		if !wm.LastSyncedAt.IsZero() {
			t := wm.LastSyncedAt.UTC()
			es.LastSyncedAt = &t
		}
		status.Entities = append(status.Entities, es)
	}
	s.writeJSON(w, http.StatusOK, status)
}

// SyncRequest overrides the scheduler defaults for one manual run.
type SyncRequest struct {
	Mode      string   `json:"mode" validate:"omitempty,oneof=full incremental"`
	StartDate string   `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string   `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Entities  []string `json:"entities"`
	// Wait blocks until the run finishes and returns its summary.
	Wait bool `json:"wait"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	opts, err := s.runOptions(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Wait {
		summary, err := s.sync.Trigger(s.runCtx, opts)
		if errors.Is(err, ingest.ErrBusy) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		data, err := summary.JSON()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	if err := s.sync.Start(s.runCtx, opts); err != nil {
		if errors.Is(err, ingest.ErrBusy) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "mode": string(opts.Mode)})
}

func (s *Server) runOptions(req SyncRequest) (ingest.RunOptions, error) {
	opts := s.sync.Defaults()
	if req.Mode != "" {
		mode, err := models.ParseMode(req.Mode)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	if req.StartDate != "" {
		start, err := time.Parse(time.DateOnly, req.StartDate)
		if err != nil {
			return opts, err
		}
		opts.Start = start
	}
	if req.EndDate != "" {
		end, err := time.Parse(time.DateOnly, req.EndDate)
		if err != nil {
			return opts, err
		}
		opts.End = ingest.ExclusiveEnd(end)
	}
	if !opts.End.IsZero() && !opts.Start.Before(opts.End) {
		return opts, errors.New("end_date must not be before start_date")
	}
	if len(req.Entities) > 0 {
		entities, err := models.ParseEntities(req.Entities)
		if err != nil {
			return opts, err
		}
		opts.Entities = entities
	}
	return opts, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
