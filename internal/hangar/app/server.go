package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/common/version"
	"github.com/bdobrica/Hangar/internal/hangar/api"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/ident"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

const (
	defaultLedgerLimit = 50
	maxBodyBytes       = 64 << 10
)

// Services are the components the API dispatches to.
type Services struct {
	Store       *store.Store
	Catalog     catalog.Catalog
	Provisioner *runtime.Provisioner
	Manager     *runtime.Manager
	Reconciler  *runtime.Reconciler
	Tasks       *runtime.TaskRunner
	Notifier    audit.Notifier
}

// Secrets guard the API. Empty values leave the corresponding routes open.
type Secrets struct {
	Internal string
	Cron     string
}

// Server is the control HTTP API: /health, /status and the /v1 routes.
type Server struct {
	addr      string
	svc       Services
	startedAt time.Time
	handler   http.Handler
	server    *http.Server
	limiter   *provisionLimiter
}

// httpError carries an explicit status for request validation failures.
type httpError struct {
	Status int
	Err    error
}

func (e *httpError) Error() string { return e.Err.Error() }

func badRequest(format string, args ...any) error {
	return &httpError{Status: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// NewServer creates and configures the HTTP server (does not start it).
func NewServer(addr string, svc Services, secrets Secrets) *Server {
	if svc.Notifier == nil {
		svc.Notifier = audit.Log{}
	}
	s := &Server{addr: addr, svc: svc, startedAt: time.Now()}

	if secrets.Internal == "" {
		slog.Warn("HANGAR_INTERNAL_SECRET not set; control API is unauthenticated")
	}
	if secrets.Cron == "" {
		slog.Warn("HANGAR_CRON_SECRET not set; sweep routes are open")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTrace)
	r.Use(logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireSecret(secrets.Internal, internalSecret))
			r.Get("/agents", s.handle(s.listAgents))

			r.Post("/users", s.handle(s.createUser))
			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/", s.handle(s.getUser))
				r.Post("/credits", s.handle(s.grantCredits))
				r.Get("/verify", s.handle(s.verifyBalance))
				r.Get("/runtimes", s.handle(s.listUserRuntimes))
				r.Get("/ledger", s.handle(s.listLedger))
			})

			r.Post("/runtimes", s.handle(s.provision))
			r.Route("/runtimes/{id}", func(r chi.Router) {
				r.Get("/", s.handle(s.getRuntime))
				r.Delete("/", s.handle(s.stopRuntime))
				r.Post("/extend", s.handle(s.extendRuntime))
				r.Post("/ensure-running", s.handle(s.ensureRunning))
				r.Get("/logs", s.handle(s.runtimeLogs))
			})

			r.Post("/provision-tasks", s.handle(s.enqueueTask))
			r.Get("/provision-tasks/{id}", s.handle(s.getTask))
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSecret(secrets.Cron, cronSecret))
			r.Post("/sweeps/{kind}", s.handle(s.runSweep))
		})
	})

	s.handler = r
	return s
}

// LimitProvisioning caps provisioning requests (sync and queued) per user
// per minute. Zero or less removes the cap. Call before serving.
func (s *Server) LimitProvisioning(perMinute int) {
	if perMinute <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = newProvisionLimiter(perMinute)
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.addr, err)
	}

	// Provisioning can wait on an image pull; the write timeout leaves room
	// for it.
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      runtime.DefaultPullTimeout + time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "err", err)
		}
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// --- middleware ---

// withTrace adopts the caller's trace ID or mints one, and echoes it back.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get(trace.Header)
		if id != "" {
			ctx = trace.WithTraceID(ctx, id)
		} else {
			ctx, id = trace.Ensure(ctx)
		}
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" {
			return
		}
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "trace_id", trace.FromContext(r.Context()))
	})
}

// secretFunc extracts the presented secret from a request.
type secretFunc func(r *http.Request) string

func internalSecret(r *http.Request) string {
	return r.Header.Get(api.InternalAuthHeader)
}

func cronSecret(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return v
	}
	return r.Header.Get(api.CronSecretHeader)
}

// requireSecret rejects requests not presenting want. An empty want admits
// everything.
func requireSecret(want string, presented secretFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if want == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(presented(r)), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{
					Error:   "unauthorized",
					TraceID: trace.FromContext(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handle maps a handler error onto an HTTP status.
func (s *Server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		ctx := r.Context()
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
				"status", status, "trace_id", trace.FromContext(ctx), "err", err)
		}
		writeJSON(w, status, api.ErrorResponse{Error: err.Error(), TraceID: trace.FromContext(ctx)})
	}
}

func statusFor(err error) int {
	var he *httpError
	var createErr *runtime.CreateError
	switch {
	case errors.As(err, &he):
		return he.Status
	case errors.Is(err, store.ErrLedgerIntegrity):
		return http.StatusInternalServerError
	case errors.Is(err, runtime.ErrInvalidHours):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound
	case runtime.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &createErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.Status{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Runtimes:   map[string]int{},
	}
	counts, err := s.svc.Store.CountRuntimesByStatus(r.Context())
	if err != nil {
		slog.Warn("status: count runtimes", "err", err)
		resp.Status = "degraded"
	}
	for st, n := range counts {
		resp.Runtimes[string(st)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- catalog ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) error {
	templates := s.svc.Catalog.List()
	out := make([]api.Agent, 0, len(templates))
	for _, t := range templates {
		out = append(out, agentView(t))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// --- users and credits ---

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) error {
	var req api.CreateUserRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if ident.SanitizeUsername(req.Username) == "" {
		return badRequest("username %q has no usable characters", req.Username)
	}
	if req.OpeningBalance < 0 {
		return badRequest("opening_balance must not be negative")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	u := &store.User{
		ID:             req.ID,
		Username:       req.Username,
		OpeningBalance: req.OpeningBalance,
		Bypass:         req.Bypass,
	}
	if err := s.svc.Store.CreateUser(r.Context(), u); err != nil {
		return err
	}
	slog.Info("user created", "user_id", u.ID, "username", u.Username,
		"balance", u.Balance, "bypass", u.Bypass, "trace_id", trace.FromContext(r.Context()))
	writeJSON(w, http.StatusCreated, userView(u))
	return nil
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) error {
	u, err := s.svc.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, userView(u))
	return nil
}

func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) error {
	var req api.GrantRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.Amount <= 0 {
		return badRequest("amount must be positive")
	}
	if req.Description == "" {
		req.Description = "operator grant"
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Store.GrantCredits(r.Context(), id, req.Amount, req.Description); err != nil {
		return err
	}
	u, err := s.svc.Store.GetUser(r.Context(), id)
	if err != nil {
		return err
	}
	slog.Info("credits granted", "user_id", id, "amount", req.Amount, "balance", u.Balance,
		"trace_id", trace.FromContext(r.Context()))
	writeJSON(w, http.StatusOK, userView(u))
	return nil
}

func (s *Server) verifyBalance(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if err := s.svc.Store.VerifyBalance(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrLedgerIntegrity) {
			s.svc.Notifier.Notify(r.Context(), audit.Event{
				Kind:    audit.KindLedgerIntegrity,
				UserID:  id,
				Target:  id,
				Message: err.Error(),
			})
		}
		return err
	}
	u, err := s.svc.Store.GetUser(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.Verify{UserID: u.ID, Balance: u.Balance, OK: true})
	return nil
}

func (s *Server) listUserRuntimes(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Store.GetUser(r.Context(), id); err != nil {
		return err
	}
	rts, err := s.svc.Store.ListRuntimesByUser(r.Context(), id)
	if err != nil {
		return err
	}
	out := make([]api.Runtime, 0, len(rts))
	for _, rt := range rts {
		out = append(out, runtimeView(rt))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	limit, err := intParam(r, "limit", defaultLedgerLimit)
	if err != nil {
		return err
	}
	if _, err := s.svc.Store.GetUser(r.Context(), id); err != nil {
		return err
	}
	entries, err := s.svc.Store.ListLedgerEntries(r.Context(), id, limit)
	if err != nil {
		return err
	}
	out := make([]api.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerView(e))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// --- runtimes ---

func (s *Server) provision(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeProvision(w, r)
	if err != nil {
		return err
	}
	if err := s.allowProvision(req.UserID); err != nil {
		return err
	}
	h, err := s.svc.Provisioner.Provision(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, handleView(h))
	return nil
}

func decodeProvision(w http.ResponseWriter, r *http.Request) (runtime.ProvisionRequest, error) {
	var req api.ProvisionRequest
	if err := decode(w, r, &req); err != nil {
		return runtime.ProvisionRequest{}, err
	}
	if req.UserID == "" || req.AgentSlug == "" {
		return runtime.ProvisionRequest{}, badRequest("user_id and agent_slug are required")
	}
	if ident.SanitizeUsername(req.Username) == "" {
		return runtime.ProvisionRequest{}, badRequest("username %q has no usable characters", req.Username)
	}
	return runtime.ProvisionRequest{
		UserID:    req.UserID,
		Username:  req.Username,
		AgentSlug: req.AgentSlug,
		Hours:     req.Hours,
	}, nil
}

func (s *Server) allowProvision(userID string) error {
	if s.limiter == nil || s.limiter.Allow(userID) {
		return nil
	}
	slog.Warn("provisioning rate limited", "user_id", userID)
	return &httpError{Status: http.StatusTooManyRequests, Err: fmt.Errorf("too many provisioning requests for user %s", userID)}
}

func (s *Server) getRuntime(w http.ResponseWriter, r *http.Request) error {
	rt, err := s.svc.Store.GetRuntime(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, runtimeView(rt))
	return nil
}

func (s *Server) stopRuntime(w http.ResponseWriter, r *http.Request) error {
	res, err := s.svc.Manager.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.StopResult{Refund: res.Refund, NoOp: res.NoOp, Status: string(res.Status)})
	return nil
}

func (s *Server) extendRuntime(w http.ResponseWriter, r *http.Request) error {
	var req api.ExtendRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	res, err := s.svc.Manager.Extend(r.Context(), chi.URLParam(r, "id"), req.Hours)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.ExtendResult{NewExpiry: res.NewExpiry, CreditsCharged: res.CreditsCharged})
	return nil
}

func (s *Server) ensureRunning(w http.ResponseWriter, r *http.Request) error {
	action, err := s.svc.Manager.EnsureRunning(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.EnsureResult{Action: string(action)})
	return nil
}

func (s *Server) runtimeLogs(w http.ResponseWriter, r *http.Request) error {
	tail, err := intParam(r, "tail", runtime.DefaultLogTail)
	if err != nil {
		return err
	}
	logs, err := s.svc.Manager.GetLogs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.Logs{Logs: logs})
	return nil
}

// --- async provisioning ---

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeProvision(w, r)
	if err != nil {
		return err
	}
	if err := s.allowProvision(req.UserID); err != nil {
		return err
	}
	task, err := s.svc.Tasks.Enqueue(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, taskView(task))
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) error {
	task, err := s.svc.Store.TakeProvisionTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, taskView(task))
	return nil
}

// --- sweeps ---

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) error {
	kind := chi.URLParam(r, "kind")
	var sweep func(context.Context) (runtime.SweepResult, error)
	switch kind {
	case api.SweepExpiry:
		sweep = s.svc.Reconciler.RunExpirySweep
	case api.SweepOrphans:
		sweep = s.svc.Reconciler.RunOrphanSweep
	case api.SweepDrift:
		sweep = s.svc.Reconciler.RunDriftSweep
	default:
		return &httpError{Status: http.StatusNotFound, Err: fmt.Errorf("unknown sweep %q", kind)}
	}
	res, err := sweep(r.Context())
	if err != nil {
		return err
	}
	slog.Info("sweep triggered", "sweep", kind, "examined", res.Examined, "processed", res.Processed,
		"skipped", res.Skipped, "failed", res.Failed, "trace_id", trace.FromContext(r.Context()))
	writeJSON(w, http.StatusOK, sweepView(kind, res))
	return nil
}

// --- helpers ---

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s %q", name, v)
	}
	return n, nil
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
		slog.Warn("http: failed to encode JSON response", "err", err)
	}
}
