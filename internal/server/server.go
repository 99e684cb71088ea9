package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"aedzpay/internal/account"
	"aedzpay/internal/escrow"
	"aedzpay/internal/hmacauth"
	"aedzpay/internal/idempotency"

	"github.com/go-chi/chi/v5"
)

type Options struct {
	Port              int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
}

type Deps struct {
	Account *account.Service
	Store   idempotency.Store
	Metrics *Metrics
	DLQ     *DLQ
	Logger  *slog.Logger
	// RPC, when set, is pinged by the health endpoint.
	RPC escrow.HealthChecker
}

type Server struct {
	opts        Options
	account     *account.Service
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	metrics     *Metrics
	dlq         *DLQ
	logger      *slog.Logger
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(opts Options, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	store := deps.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = 24 * time.Hour
	}

	s := &Server{
		opts:    opts,
		account: deps.Account,
		store:   store,
		hmac: &hmacauth.Verifier{
			Secret:  opts.HMACSecret,
			MaxSkew: opts.HMACClockSkew,
			Logger:  logger,
		},
		metrics: metrics,
		dlq:     deps.DLQ,
		logger:  logger,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.RPC != nil {
		s.rpcHealthFn = deps.RPC.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Routes builds the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)

			r.Get("/summary", s.handleSummary)
			r.Get("/escrow/timelock", s.handleTimelock)
			r.Post("/escrow/deposits", s.idempotent(s.handleDeposit))
			r.Post("/escrow/withdrawals", s.idempotent(s.handleInitiateWithdrawal))
			r.Post("/escrow/withdrawals/complete", s.idempotent(s.handleCompleteWithdrawal))
			r.Post("/escrow/withdrawals/cancel", s.idempotent(s.handleCancelWithdrawal))
			r.Post("/escrow/spends", s.idempotent(s.handleReportSpend))

			r.Get("/bridge/chains", s.handleChains)
			r.Post("/bridge/quotes", s.handleQuote)
			r.Post("/bridge/intents", s.idempotent(s.handleStartBridge))
			r.Get("/bridge/intents/{id}", s.handleGetIntent)

			r.Get("/transactions", s.handleTransactions)
			r.Get("/transactions/breakdown", s.handleBreakdown)

			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/verify-2fa", s.handleVerifyTwoFactor)
			r.Get("/wallet/balance", s.handleBackendBalances)
			r.Post("/wallet/convert", s.idempotent(s.handleConvert))
			r.Post("/wallet/transfer", s.idempotent(s.handleTransfer))
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

type depStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// check runs fn with a short deadline. A nil fn counts as connected.
func check(ctx context.Context, fn func(context.Context) error) depStatus {
	if fn == nil {
		return depStatus{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return depStatus{Error: err.Error()}
	}
	return depStatus{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

type healthResponse struct {
	Status     string    `json:"status"`
	Account    string    `json:"account"`
	RPC        depStatus `json:"rpc"`
	Database   depStatus `json:"database"`
	QueueDepth int       `json:"queue_depth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "healthy",
		RPC:        check(r.Context(), s.rpcHealthFn),
		Database:   check(r.Context(), s.dbHealthFn),
		QueueDepth: s.dlq.Depth(),
	}
	if s.account != nil {
		resp.Account = s.account.Address().Hex()
	}

	code := http.StatusOK
	if !resp.RPC.Connected || !resp.Database.Connected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
