// Package api binds the export gateway to HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/auth"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/export"
	"github.com/SirClappington/exportq/internal/storage"
)

const maxBody = 64 << 10

type Server struct {
	svc         *export.Service
	tokens      *auth.Tokens
	log         *zap.Logger
	upgrader    websocket.Upgrader
	watchEvery  time.Duration
	watchWindow int
}

type Option func(*Server)

// WithWatchInterval sets how often websocket watchers poll the registry.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Server) { s.watchEvery = d }
}

// WithWatchWindow sets how many of the newest jobs a websocket watcher follows.
func WithWatchWindow(n int) Option {
	return func(s *Server) { s.watchWindow = n }
}

// WithAllowedOrigins restricts websocket upgrades to the given origins. By
// default only same-host requests are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(origins, r.Header.Get("Origin"))
		}
	}
}

func NewServer(svc *export.Service, tokens *auth.Tokens, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		tokens:      tokens,
		log:         log,
		watchEvery:  2 * time.Second,
		watchWindow: 200,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/exports", func(r chi.Router) {
		r.Use(s.tokens.Middleware(s.log))
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/watch", s.watch)
		r.Post("/delete", s.deleteMany)
		r.Get("/{id}", s.get)
		r.Get("/{id}/download", s.download)
		r.Post("/{id}/abort", s.abort)
		r.Delete("/{id}", s.delete)
	})
	return r
}

type submitRequest struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r, errors.Wrap(domain.ErrInvalidRequest, err.Error()))
		return
	}
	id, err := s.svc.Submit(r.Context(), caller(r), req.Kind, req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/exports/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.Queued)})
}

type listResponse struct {
	Jobs    []domain.Summary `json:"jobs"`
	Grouped export.Grouped   `json:"grouped"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	var f storage.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := domain.ParseStatus(part)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, errors.Wrapf(domain.ErrInvalidRequest, "limit %q", v))
			return
		}
		f.Limit = n
	}
	sums, err := s.svc.List(r.Context(), caller(r), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: sums, Grouped: export.Group(sums)})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	dl, err := s.svc.Download(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer dl.Close()
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Name))
	http.ServeContent(w, r, dl.Name, dl.ModTime, dl)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.svc.Abort(r.Context(), caller(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(st)})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteManyRequest struct {
	IDs []string `json:"ids"`
}

type deleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) deleteMany(w http.ResponseWriter, r *http.Request) {
	var req deleteManyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r, errors.Wrap(domain.ErrInvalidRequest, err.Error()))
		return
	}
	results, err := s.svc.DeleteMany(r.Context(), caller(r), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]deleteResult, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			out = append(out, deleteResult{ID: res.ID, Deleted: true})
			continue
		}
		body := s.describe(r, res.Err)
		out = append(out, deleteResult{ID: res.ID, Error: body.Error, Message: body.Message})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func caller(r *http.Request) auth.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}

// statusOf maps gateway errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrArtifactMissing):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobStillActive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, statusOf(err), s.describe(r, err))
}

// describe renders err for a client. Unexpected errors are logged and their
// text is withheld.
func (s *Server) describe(r *http.Request, err error) errorBody {
	msg := err.Error()
	if statusOf(err) == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if !errors.Is(err, domain.ErrArtifactDeleteFailed) {
			msg = "internal error"
		}
	}
	return errorBody{Error: kindOf(err), Message: msg}
}

func kindOf(err error) string {
	for _, k := range []struct {
		err  error
		name string
	}{
		{domain.ErrInvalidRequest, "invalid_request"},
		{domain.ErrPermissionDenied, "permission_denied"},
		{domain.ErrJobNotFound, "job_not_found"},
		{domain.ErrJobStillActive, "job_still_active"},
		{domain.ErrArtifactMissing, "artifact_missing"},
		{domain.ErrArtifactDeleteFailed, "artifact_delete_failed"},
		{domain.ErrQueueUnavailable, "queue_unavailable"},
	} {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}
