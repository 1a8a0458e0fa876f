// Package httpapi is the operator control surface: start, observe and
// cancel broadcasts over HTTP, follow progress as Server-Sent Events and
// read the persisted run audit.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// Dispatcher is the part of broadcast.Service the API drives.
type Dispatcher interface {
	Start(ctx context.Context, req broadcast.Request) (string, error)
	Cancel() bool
	Snapshot() broadcast.Snapshot
	Run(id string) (broadcast.Snapshot, bool)
	Runs() []broadcast.Summary
	Config() broadcast.Config
}

// AuditReader serves GET /api/audit. Nil disables the endpoint.
type AuditReader interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RunEntry, error)
}

type Options struct {
	AllowedOrigins []string
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
	// Heartbeat is the SSE keep-alive interval. 0 means 15s.
	Heartbeat time.Duration
	// Stats adds runtime counters to /api/health. Keys it returns are
	// merged into the response.
	Stats func() map[string]any
}

type API struct {
	svc   Dispatcher
	audit AuditReader
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options

	startedAt time.Time
	router    *chi.Mux
}

func New(svc Dispatcher, audit AuditReader, bus eventbus.Bus, log logx.Logger, opts Options) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	a := &API{
		svc:       svc,
		audit:     audit,
		bus:       bus,
		log:       log,
		opts:      opts,
		startedAt: time.Now(),
		router:    chi.NewRouter(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() {
	r := a.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	origins := a.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/api/health", a.handleHealth)
	r.Route("/api/broadcasts", func(r chi.Router) {
		r.Post("/", a.handleStart)
		r.Get("/", a.handleListRuns)
		r.Get("/current", a.handleCurrent)
		r.Post("/current/cancel", a.handleCancel)
		r.Get("/stream", a.handleStream)
		r.Get("/{id}", a.handleGetRun)
	})
	r.Get("/api/audit", a.handleAudit)

	if a.opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
}

// requestLogger logs one line per request through logx.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		id := middleware.GetReqID(r.Context())
		r = r.WithContext(logx.WithContext(r.Context(), a.log.With(logx.String("req_id", id))))
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", id),
		}
		if status >= 500 {
			a.log.Warn("http request", fields...)
			return
		}
		a.log.Debug("http request", fields...)
	})
}

// reqLog is the request-scoped logger installed by requestLogger.
func (a *API) reqLog(r *http.Request) logx.Logger { return logx.FromContext(r.Context(), a.log) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
