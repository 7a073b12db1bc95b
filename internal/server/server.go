package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pledgerails/internal/auth"
	"pledgerails/internal/config"
	"pledgerails/internal/escrow"
	"pledgerails/internal/eventlog"
	"pledgerails/internal/hmacauth"
	"pledgerails/internal/idempotency"
	"pledgerails/internal/keeper"
	"pledgerails/internal/pledge"
	"pledgerails/internal/store"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators the API serves. RPC is optional and only
// checked by the health endpoint.
type Deps struct {
	Engine      *escrow.Engine
	Store       store.Store
	Idempotency idempotency.Store
	RPC         interface{ Ping(context.Context) error }
	Logger      *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	engine      *escrow.Engine
	store       store.Store
	idem        idempotency.Store
	keys        *keyLocks
	auth        *auth.Authenticator
	hmac        *hmacauth.Verifier
	limiter     *rateLimiter
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      *slog.Logger
	rpcHealthFn func(context.Context) error
	decimals    int
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Store == nil {
		return nil, errors.New("server: engine and store are required")
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		store:    deps.Store,
		idem:     deps.Idempotency,
		keys:     newKeyLocks(),
		metrics:  newMetricsRegistry(),
		logger:   logger,
		decimals: cfg.Seed.Token.Decimals,
		limiter:  newRateLimiter(cfg.Seed.RateLimit.RequestsPerMinute, cfg.Seed.RateLimit.Burst),
	}
	if deps.RPC != nil {
		s.rpcHealthFn = deps.RPC.Ping
	}
	if s.decimals <= 0 {
		s.decimals = pledge.DefaultDecimals
	}

	s.auth = auth.NewAuthenticator(auth.Config{
		Secret:         cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		AllowDevHeader: cfg.Auth.AllowDevHeader,
	}, logger)
	s.auth.OnError = s.unauthorized

	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: s.unauthorized,
	}

	timeout := cfg.Service.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Router(timeout),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

// Router builds the chi route tree.
func (s *Server) Router(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)

			r.Group(func(r chi.Router) {
				r.Use(s.auth.Middleware)
				r.Post("/pledges", s.handleCreatePledge)
				r.Post("/pledges/complete", s.handleMarkCompleted)
				r.Post("/pledges/{address}/settle", s.handleSettle)
			})
			r.With(s.hmac.Middleware).Post("/accounts/{address}/fund", s.handleFund)

			r.Get("/pledges", s.handleListPledges)
			r.Get("/pledges/id/{id}", s.handleGetPledgeByID)
			r.Get("/pledges/{address}", s.handleGetPledge)
			r.Get("/events/{handle}", s.handleEvents)
			r.Get("/accounts/{address}", s.handleBalance)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ObserveRelay is the relay's result callback.
func (s *Server) ObserveRelay(result string) { s.metrics.incRelay(result) }

// KeeperHooks feed sweeper activity into the metrics registry.
func (s *Server) KeeperHooks() keeper.Hooks {
	return keeper.Hooks{
		Settlement: s.metrics.incSettlement,
		Retry:      s.metrics.incRetry,
		DLQDepth:   s.metrics.setDLQDepth,
	}
}

func (s *Server) handleCreatePledge(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.callerAndBody(w, r)
	if !ok {
		return
	}
	s.idempotent(w, r, caller.Hex(), body, "create_pledge", func(ctx context.Context) (int, any, error) {
		var req escrow.CreatePledgeRequest
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		res, err := escrow.NewLocalClient(s.engine, caller).CreatePledge(ctx, req)
		return http.StatusCreated, res, err
	})
}

func (s *Server) handleMarkCompleted(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.callerAndBody(w, r)
	if !ok {
		return
	}
	s.idempotent(w, r, caller.Hex(), body, "mark_completed", func(ctx context.Context) (int, any, error) {
		res, err := escrow.NewLocalClient(s.engine, caller).MarkCompleted(ctx)
		return http.StatusOK, res, err
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.callerAndBody(w, r)
	if !ok {
		return
	}
	subject, err := pledge.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "withdraw_or_burn", err)
		return
	}
	s.idempotent(w, r, caller.Hex(), body, "withdraw_or_burn", func(ctx context.Context) (int, any, error) {
		res, err := escrow.NewLocalClient(s.engine, caller).WithdrawOrBurn(ctx, subject)
		return http.StatusOK, res, err
	})
}

type fundRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, "fund", err)
		return
	}
	account, err := pledge.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "fund", err)
		return
	}
	s.idempotent(w, r, "operator", body, "fund", func(ctx context.Context) (int, any, error) {
		var req fundRequest
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		rc, err := s.engine.Fund(ctx, account, req.Amount)
		if err != nil {
			return 0, nil, err
		}
		// The credit is committed; a failed read-back must not invite a retry.
		view, err := s.accountView(ctx, account)
		if err != nil {
			s.logger.Warn("read balance after fund", "account", account.Hex(), "error", err)
			view = escrow.AccountView{Address: account}
		}
		return http.StatusOK, escrow.FundResult{TxID: rc.TxID.Hex(), Account: view}, nil
	})
}

func (s *Server) handleGetPledge(w http.ResponseWriter, r *http.Request) {
	addr, err := pledge.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "get_pledge", err)
		return
	}
	p, err := s.engine.GetPledge(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, "get_pledge", err)
		return
	}
	respondJSON(w, http.StatusOK, escrow.NewPledgeView(p, s.engine.Now()))
}

func (s *Server) handleGetPledgeByID(w http.ResponseWriter, r *http.Request) {
	id, err := pledge.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "get_pledge_by_id", err)
		return
	}
	p, err := s.engine.GetPledgeByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "get_pledge_by_id", err)
		return
	}
	respondJSON(w, http.StatusOK, escrow.NewPledgeView(p, s.engine.Now()))
}

func (s *Server) handleListPledges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f pledge.Filter
	if raw := q.Get("creator"); raw != "" {
		addr, err := pledge.ParseAddress(raw)
		if err != nil {
			s.writeError(w, r, "list_pledges", err)
			return
		}
		f.Creator = &addr
	}
	status, err := pledge.ParseStatus(q.Get("status"))
	if err != nil {
		s.writeError(w, r, "list_pledges", err)
		return
	}
	f.Status = status
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, "list_pledges", fmt.Errorf("%w: after=%q", pledge.ErrInvalidID, raw))
			return
		}
		f.AfterID = pledge.ID(after)
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, "list_pledges", err)
		return
	}
	f = f.Normalize()

	list, err := s.engine.ListPledges(r.Context(), f)
	if err != nil {
		s.writeError(w, r, "list_pledges", err)
		return
	}
	now := s.engine.Now()
	page := escrow.PledgePage{Pledges: make([]escrow.PledgeView, 0, len(list))}
	for _, p := range list {
		page.Pledges = append(page.Pledges, escrow.NewPledgeView(p, now))
	}
	if len(list) == f.Limit {
		page.Next = list[len(list)-1].ID
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	q := r.URL.Query()
	var offset uint64
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, "events", &pledge.Error{Kind: pledge.KindValidation, Code: "InvalidOffset", Message: fmt.Sprintf("offset=%q", raw)})
			return
		}
		offset = v
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, "events", err)
		return
	}
	events, err := s.engine.Events(r.Context(), handle, offset, limit)
	if err != nil {
		s.writeError(w, r, "events", err)
		return
	}
	page := escrow.EventPage{Handle: handle, Events: events, Next: offset + uint64(len(events))}
	if page.Events == nil {
		page.Events = []eventlog.Event{}
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	// The zero address is readable: it holds burned stakes.
	if !common.IsHexAddress(raw) {
		s.writeError(w, r, "balance", fmt.Errorf("%w: %q", pledge.ErrInvalidAddress, raw))
		return
	}
	view, err := s.accountView(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.writeError(w, r, "balance", err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) accountView(ctx context.Context, addr common.Address) (escrow.AccountView, error) {
	bal, err := s.engine.Balance(ctx, addr)
	if err != nil {
		return escrow.AccountView{}, err
	}
	return escrow.AccountView{Address: addr, Balance: bal, Amount: pledge.FormatAmount(bal, s.decimals)}, nil
}

func (s *Server) callerAndBody(w http.ResponseWriter, r *http.Request) (common.Address, []byte, bool) {
	caller, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		s.unauthorized(w, r, auth.ErrMissingToken)
		return common.Address{}, nil, false
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, "read_body", err)
		return common.Address{}, nil, false
	}
	return caller, body, true
}

// idempotent runs fn at most once per principal and X-Idempotency-Key. A
// repeated key replays the stored response; the same key with a different
// request is rejected. System failures are not stored so they can be retried.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, principal string, body []byte, op string, fn func(context.Context) (int, any, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(escrow.HeaderIdempotencyKey))
	if key == "" {
		status, out, err := fn(ctx)
		if err != nil {
			s.writeError(w, r, op, err)
			return
		}
		s.metrics.incTransaction(op, outcomeOf(out))
		respondJSON(w, status, out)
		return
	}

	scoped := idempotency.ScopedKey(principal, key)
	fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)
	unlock := s.keys.lock(scoped)
	defer unlock()

	existing, err := s.idem.Get(ctx, scoped)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", "error", err)
	}
	if existing != nil {
		if !existing.Matches(fp) {
			s.writeError(w, r, op, &pledge.Error{Kind: pledge.KindValidation, Code: "IdempotencyKeyReused", Message: idempotency.ErrKeyReused.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incTransaction(op, "cached")
		return
	}

	status, out, err := fn(ctx)
	if err != nil {
		if pledge.Retryable(err) {
			s.writeError(w, r, op, err)
			return
		}
		status, out = errorResponse(err)
		s.metrics.incTransaction(op, pledge.CodeOf(err))
	} else {
		s.metrics.incTransaction(op, outcomeOf(out))
	}

	b, _ := json.Marshal(out)
	now := time.Now()
	record := idempotency.Record{
		StatusCode:  status,
		Fingerprint: fp,
		Response:    b,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.idempotencyWindow()),
	}
	if err := s.idem.Save(ctx, scoped, record); err != nil {
		s.logger.Warn("idempotency save failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Server) idempotencyWindow() time.Duration {
	if s.cfg.Service.IdempotencyWindow > 0 {
		return s.cfg.Service.IdempotencyWindow
	}
	return 24 * time.Hour
}

func outcomeOf(out any) string {
	if res, ok := out.(escrow.TxResult); ok && res.Outcome != "" {
		return string(res.Outcome)
	}
	return "ok"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(dbCtx); err != nil {
		dbInfo.Connected = false
		dbInfo.Error = err.Error()
		overallHealthy = false
	}

	relayInfo := struct {
		Backlog  int    `json:"backlog"`
		HeadSeq  uint64 `json:"head_seq"`
		HeadHash string `json:"head_hash,omitempty"`
	}{}
	if dbInfo.Connected {
		if pending, err := s.store.PendingEvents(dbCtx, healthBacklogProbe); err == nil {
			relayInfo.Backlog = len(pending)
			s.metrics.setRelayBacklog(len(pending))
		}
		if head, err := s.engine.Head(dbCtx); err == nil {
			relayInfo.HeadSeq, relayInfo.HeadHash = head.Seq, head.Hash
		}
	}

	queueDepth := keeper.DLQDepth(s.cfg.Service.DLQPath)
	s.metrics.setDLQDepth(queueDepth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		Relay      interface{} `json:"relay"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		Relay:      relayInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// healthBacklogProbe caps how many pending events a health check counts.
const healthBacklogProbe = 1000

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &pledge.Error{Kind: pledge.KindValidation, Code: "InvalidBody", Message: err.Error()}
	}
	if len(b) > maxBodyBytes {
		return nil, &pledge.Error{Kind: pledge.KindValidation, Code: "BodyTooLarge", Message: "request body exceeds 64KiB"}
	}
	return b, nil
}

func decodeJSON(body []byte, out any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &pledge.Error{Kind: pledge.KindValidation, Code: "InvalidJSON", Message: "empty request body"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &pledge.Error{Kind: pledge.KindValidation, Code: "InvalidJSON", Message: err.Error()}
	}
	return nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &pledge.Error{Kind: pledge.KindValidation, Code: "InvalidLimit", Message: fmt.Sprintf("limit=%q", raw)}
	}
	return v, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
