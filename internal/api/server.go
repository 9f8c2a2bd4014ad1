// Package api serves the submission and query surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.mongodb.org/mongo-driver/bson"

	"git.home.luguber.info/inful/apkbuilder/internal/bus"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/envelope"
	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/store"
)

const defaultPageSize = 20

// JobStore is the slice of the job store the API needs.
type JobStore interface {
	Upsert(ctx context.Context, job *store.Job) error
	FindByID(ctx context.Context, buildID string) (*store.Job, error)
	Find(ctx context.Context, filter bson.M, sort bson.D, limit, skip int64, fn func(*store.Job) error) error
}

// Publisher wakes workers up after a submission.
type Publisher interface {
	Publish(ctx context.Context, channel, msg string)
}

// ArtifactResolver renders the public download URL for a stored fid.
type ArtifactResolver interface {
	PublicURL(fid string) string
}

// Server is the HTTP front of the manager process.
type Server struct {
	cfg       *config.Settings
	jobs      JobStore
	publisher Publisher
	artifacts ArtifactResolver
	metrics   *metrics.Metrics

	router *chi.Mux
	server *http.Server
}

// NewServer wires the API server. It does not start listening.
func NewServer(cfg *config.Settings, jobs JobStore, publisher Publisher, artifacts ArtifactResolver, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		jobs:      jobs,
		publisher: publisher,
		artifacts: artifacts,
		metrics:   m,
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/", s.handleHello)
	s.router.Get("/health", s.handleHealth)

	s.router.Post("/app/build", s.handleSubmit)
	s.router.Get("/app/query", s.handleList)
	s.router.Get("/app/query/{id}", s.handleQuery)
	s.router.Get("/app/package/{id}.apk", s.handleDownload)

	s.router.Post("/test/post", s.handleEcho)

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	slog.Info("api listening", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Response is the {ok, data | msg} wrapper of the submission surface. The
// per-build query endpoints answer with the envelope instead.
type Response struct {
	OK   bool        `json:"ok"`
	Data interface{} `json:"data,omitempty"`
	Msg  string      `json:"msg,omitempty"`
}

// Success writes an ok response.
func (s *Server) Success(w http.ResponseWriter, code int, data interface{}) {
	writeJSON(w, code, Response{OK: true, Data: data})
}

// Error writes a failure response.
func (s *Server) Error(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Response{OK: false, Msg: message})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	s.Success(w, http.StatusOK, "hello world")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// handleSubmit accepts a build request, persists it as Waiting and publishes
// the id. Whether anything picks it up now is the workers' business; the
// reconciler retries if nobody does.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var params store.BuildParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := params.Validate(); err != nil {
		s.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	job := store.NewJob(params, s.cfg.WorkerID())
	if err := s.jobs.Upsert(r.Context(), job); err != nil {
		slog.Error("persisting submission failed", logfields.BuildID(job.BuildID), logfields.Error(err))
		s.Error(w, http.StatusInternalServerError, "saving build request failed")
		return
	}

	s.publisher.Publish(r.Context(), bus.BuildChannel, job.BuildID)
	if s.metrics != nil {
		s.metrics.SubmissionsTotal.Inc()
	}

	slog.Info("build submitted", logfields.BuildID(job.BuildID))
	s.Success(w, http.StatusOK, map[string]string{"id": job.BuildID})
}

// handleQuery answers with the build envelope. Unknown ids are not an HTTP
// error: callers poll this endpoint and key off the status field.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, envelope.Illegal())
		return
	}
	if err != nil {
		slog.Error("query failed", logfields.BuildID(id), logfields.Error(err))
		s.Error(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, envelope.For(job))
}

// handleList pages through jobs, newest first, optionally filtered by status
// code.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := bson.M{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		code, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			s.Error(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter["code"] = int32(code)
	}

	page := parseQueryInt(r, "page", 0)
	pageSize := parseQueryInt(r, "page_size", defaultPageSize)
	if pageSize <= 0 || pageSize > 100 {
		pageSize = defaultPageSize
	}

	jobs := make([]*store.Job, 0, pageSize)
	sort := bson.D{{Key: "date", Value: -1}}
	err := s.jobs.Find(r.Context(), filter, sort, pageSize, page*pageSize, func(job *store.Job) error {
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		slog.Error("list failed", logfields.Error(err))
		s.Error(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.Success(w, http.StatusOK, jobs)
}

// handleDownload redirects to the blob store. The route exists so download
// links survive volume reshuffles: the fid lookup happens per request.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.FindByID(r.Context(), id)
	if err != nil || job.Fid == "" {
		http.NotFound(w, r)
		return
	}

	http.Redirect(w, r, s.artifacts.PublicURL(job.Fid), http.StatusPermanentRedirect)
}

// handleEcho reflects the posted JSON back, a connectivity probe for clients
// wiring up their submit calls.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.Success(w, http.StatusOK, body)
}

func parseQueryInt(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
