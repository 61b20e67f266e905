package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/smartatm/internal/config"
	"github.com/ent0n29/smartatm/internal/events"
	"github.com/ent0n29/smartatm/internal/observability"
	"github.com/ent0n29/smartatm/internal/receipt"
	"github.com/ent0n29/smartatm/internal/reliability"
	"github.com/ent0n29/smartatm/internal/session"
	"github.com/ent0n29/smartatm/internal/wallet"
	"github.com/ent0n29/smartatm/internal/withdrawal"
)

const readyTimeout = 2 * time.Second

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Sessions    *session.Controller
	Withdrawals *withdrawal.Service
	Balance     *wallet.Display
	Receipts    receipt.Store
	Events      *events.Hub
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	// Probes are checked concurrently by /readyz, keyed by name.
	Probes map[string]Pinger
}

type Server struct {
	cfg         config.Config
	sessions    *session.Controller
	withdrawals *withdrawal.Service
	balance     *wallet.Display
	receipts    receipt.Store
	events      *events.Hub
	metrics     *observability.Metrics
	logger      *zap.Logger
	probes      map[string]Pinger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		sessions:    deps.Sessions,
		withdrawals: deps.Withdrawals,
		balance:     deps.Balance,
		receipts:    deps.Receipts,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		probes:      deps.Probes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the terminal's own display may drive the event stream.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	origins := []string{"http://localhost:*", "http://127.0.0.1:*"}
	if s.cfg.AllowAnyOrigin {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/qr/session", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/", s.handleGetSession)
		r.Post("/{id}/cancel", s.handleCancelSession)
	})
	r.Route("/v1/withdrawals", func(r chi.Router) {
		r.Post("/", s.handleStartWithdrawal)
		r.Get("/active", s.handleActiveWithdrawal)
		r.Post("/active/cancel", s.handleCancelWithdrawal)
	})
	r.Get("/v1/wallet", s.handleGetWallet)
	r.Post("/v1/wallet/inquiry", s.handleBalanceInquiry)
	r.Get("/v1/receipts", s.handleListReceipts)
	r.Get("/v1/receipts/{id}", s.handleGetReceipt)
	r.Get("/v1/events/ws", s.handleEventsWS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"iam_mode": s.cfg.IAMMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]string, len(s.probes))
	g, gctx := errgroup.WithContext(ctx)
	for name, probe := range s.probes {
		name, probe := name, probe
		g.Go(func() error {
			err := probe.Ping(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[name] = err.Error()
				return err
			}
			checks[name] = "ok"
			return nil
		})
	}
	err := g.Wait()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	status, code := "ready", http.StatusOK
	if err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		s.logger.Warn("readiness probe failed", zap.Error(err))
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"probes": names,
		"checks": checks,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		req.CustomerID = s.cfg.TerminalCustomerID
	}

	sess, err := s.sessions.Start(r.Context(), req.CustomerID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, session.NewView(sess))
	case errors.Is(err, session.ErrInvalidCustomer):
		respondError(w, http.StatusBadRequest, "invalid_customer", err.Error())
	case errors.Is(err, session.ErrSuperseded):
		respondError(w, http.StatusConflict, "superseded", err.Error())
	default:
		s.respondRemoteError(w, "session_start_failed", err)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.sessions.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "no login session")
		return
	}
	respondJSON(w, http.StatusOK, session.NewView(sess))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"cancelled":  s.sessions.Cancel(id),
	})
}

func (s *Server) handleStartWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawal.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		req.CustomerID = s.cfg.TerminalCustomerID
	}

	id, err := s.withdrawals.Start(req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"attempt_id": id})
	case errors.Is(err, withdrawal.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, withdrawal.ErrInvalidCustomer):
		respondError(w, http.StatusBadRequest, "invalid_customer", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "withdrawal_failed", err.Error())
	}
}

func (s *Server) handleActiveWithdrawal(w http.ResponseWriter, _ *http.Request) {
	a, ok := s.withdrawals.Active()
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_withdrawal", "no withdrawal in progress")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": s.withdrawals.Cancel()})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.balance.Current())
}

func (s *Server) handleBalanceInquiry(w http.ResponseWriter, r *http.Request) {
	var req withdrawal.InquiryRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		req.CustomerID = s.cfg.TerminalCustomerID
	}
	rec, err := s.withdrawals.BalanceInquiry(r.Context(), req.CustomerID)
	if err != nil {
		s.respondRemoteError(w, "balance_inquiry_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	list, err := s.receipts.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "receipt_store_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"receipts": list})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.receipts.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, receipt.ErrNotFound):
		respondError(w, http.StatusNotFound, "receipt_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "receipt_store_failed", err.Error())
	}
}

func (s *Server) respondRemoteError(w http.ResponseWriter, code string, err error) {
	status := http.StatusBadGateway
	if reliability.Classify(err) == reliability.KindTransient {
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn("remote call failed", zap.String("code", code), zap.Error(err))
	respondJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  code,
		Kind:  string(reliability.Classify(err)),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
