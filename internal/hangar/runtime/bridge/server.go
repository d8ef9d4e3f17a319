package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/Hangar/common/redact"
	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

// maxBodyBytes bounds request bodies; a creation spec is a few KiB.
const maxBodyBytes = 1 << 20

// httpError is returned by handlers that want a specific status and code.
type httpError struct {
	Status int
	Code   string
	Err    error
}

func (e *httpError) Error() string { return e.Err.Error() }

func badRequest(format string, args ...any) error {
	return &httpError{Status: http.StatusBadRequest, Code: CodeBadRequest, Err: fmt.Errorf(format, args...)}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type server struct {
	backend runtime.Backend
}

// NewHandler exposes backend over the bridge protocol. Every route except
// GET /health requires apiKey in the X-Bridge-API-Key header; an empty
// apiKey rejects all authenticated requests.
func NewHandler(backend runtime.Backend, apiKey string) http.Handler {
	s := &server{backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTrace)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireKey(apiKey))
		r.Post("/images/pull", s.handle(s.pull))
		r.Post("/containers", s.handle(s.create))
		r.Get("/containers", s.handle(s.list))
		r.Route("/containers/{id}", func(r chi.Router) {
			r.Post("/start", s.handle(s.start))
			r.Post("/stop", s.handle(s.stop))
			r.Post("/unpause", s.handle(s.unpause))
			r.Delete("/", s.handle(s.remove))
			r.Get("/inspect", s.handle(s.inspect))
			r.Get("/logs", s.handle(s.logs))
		})
	})
	return r
}

// withTrace adopts the caller's trace ID, or mints one.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(trace.Header); id != "" {
			ctx = trace.WithTraceID(ctx, id)
		} else {
			ctx, _ = trace.Ensure(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid bridge api key", Code: CodeUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handle turns a handler error into a bridge error response.
func (s *server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			slog.Warn("bridge: request failed",
				"method", r.Method, "path", r.URL.Path, "code", code,
				"trace", trace.FromContext(r.Context()), "err", err)
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
	}
}

func classify(err error) (int, string) {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status, he.Code
	}
	var createErr *runtime.CreateError
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.As(err, &createErr):
		return http.StatusUnprocessableEntity, CodeCreateFailed
	case errors.Is(err, runtime.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *server) pull(w http.ResponseWriter, r *http.Request) error {
	var req PullRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.Image == "" {
		return badRequest("image is required")
	}
	if err := s.backend.Pull(r.Context(), req.Image); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) create(w http.ResponseWriter, r *http.Request) error {
	var spec runtime.CreationSpec
	if err := decode(w, r, &spec); err != nil {
		return err
	}
	if spec.Name == "" || spec.Image == "" {
		return badRequest("name and image are required")
	}
	slog.Debug("bridge: create request", "name", spec.Name, "image", spec.Image,
		"env", redact.Map(spec.Env), "trace", trace.FromContext(r.Context()))
	id, err := s.backend.Create(r.Context(), spec)
	if err != nil {
		return err
	}
	slog.Info("bridge: created container", "name", spec.Name, "id", id, "trace", trace.FromContext(r.Context()))
	writeJSON(w, http.StatusCreated, CreateResponse{ID: id})
	return nil
}

func (s *server) list(w http.ResponseWriter, r *http.Request) error {
	infos, err := s.backend.List(r.Context())
	if err != nil {
		return err
	}
	if infos == nil {
		infos = []runtime.ResourceInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
	return nil
}

func (s *server) start(w http.ResponseWriter, r *http.Request) error {
	if err := s.backend.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) stop(w http.ResponseWriter, r *http.Request) error {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			return err
		}
	}
	if req.GraceMillis < 0 {
		return badRequest("grace_ms must not be negative")
	}
	grace := time.Duration(req.GraceMillis) * time.Millisecond
	if err := s.backend.Stop(r.Context(), chi.URLParam(r, "id"), grace); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) unpause(w http.ResponseWriter, r *http.Request) error {
	if err := s.backend.Unpause(r.Context(), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) remove(w http.ResponseWriter, r *http.Request) error {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("invalid force %q", v)
		}
		force = b
	}
	if err := s.backend.Remove(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) inspect(w http.ResponseWriter, r *http.Request) error {
	st, err := s.backend.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *server) logs(w http.ResponseWriter, r *http.Request) error {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("invalid tail %q", v)
		}
		tail = n
	}
	out, err := s.backend.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: out})
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("bridge: failed to encode JSON response", "err", err)
	}
}
