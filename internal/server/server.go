// Package server exposes the escrow API over HTTP: job lifecycle,
// wallet session management, account balances, and operational
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freelanceflow/internal/config"
	"freelanceflow/internal/escrow"
	"freelanceflow/internal/hmacauth"
	"freelanceflow/internal/idempotency"
	"freelanceflow/internal/ledger"
	"freelanceflow/internal/wallet"
)

// Wallet is the slice of the wallet connector the API layer drives.
type Wallet interface {
	IsAvailable(ctx context.Context) bool
	CheckExistingConnection(ctx context.Context) *wallet.State
	Connect(ctx context.Context) (*wallet.State, error)
}

// Ledger is the slice of the network client the API layer drives.
type Ledger interface {
	Ping(ctx context.Context) error
	NativeBalance(ctx context.Context, address string) (string, error)
}

// Payments releases escrowed funds from client to freelancer.
type Payments interface {
	Release(ctx context.Context, source, destination, amount, memo string) (string, error)
}

// Deps carries everything the server needs injected.
type Deps struct {
	Store    escrow.Store
	Replays  idempotency.Store
	Wallet   Wallet
	Ledger   Ledger
	Payments Payments
	Logger   *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	store      escrow.Store
	replays    idempotency.Store
	wallet     Wallet
	ledger     Ledger
	payments   Payments
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *zap.Logger

	storeHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		replays:  deps.Replays,
		wallet:   deps.Wallet,
		ledger:   deps.Ledger,
		payments: deps.Payments,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     log,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.storeHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/jobs", s.hmac.Middleware(http.HandlerFunc(s.handleCreateJob)))
	mux.Handle("GET /api/v1/jobs", s.hmac.Middleware(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("GET /api/v1/jobs/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("POST /api/v1/jobs/{id}/approve", s.hmac.Middleware(http.HandlerFunc(s.handleApproveJob)))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", s.hmac.Middleware(http.HandlerFunc(s.handleCancelJob)))
	mux.HandleFunc("POST /api/v1/wallet/connect", s.handleWalletConnect)
	mux.HandleFunc("GET /api/v1/wallet/status", s.handleWalletStatus)
	mux.HandleFunc("GET /api/v1/accounts/{address}/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("/api/v1/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createJobRequest struct {
	Client      string `json:"client"`
	Freelancer  string `json:"freelancer"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

type releaseResult struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

type approveResponse struct {
	Job     *escrow.Job   `json:"job"`
	Release releaseResult `json:"release"`
}

const releaseMemoPrefix = "FL:"

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}
	caller := hmacauth.CallerFromContext(ctx)
	if caller == "" {
		http.Error(w, "caller address is required", http.StatusUnauthorized)
		return
	}
	// Scoping replays per caller keeps two clients who picked the same
	// key from reading each other's responses.
	replayKey := caller + ":" + key

	if existing, _ := s.replays.Lookup(ctx, replayKey); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Body)
		s.metrics.incJobOp("create", "replayed")
		return
	}

	var payload createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if caller != payload.Client {
		http.Error(w, "client address must match the authenticated caller", http.StatusForbidden)
		return
	}

	id, err := s.store.CreateJob(ctx, escrow.CreateJobRequest{
		Client:      payload.Client,
		Freelancer:  payload.Freelancer,
		Amount:      payload.Amount,
		Description: payload.Description,
	})
	if err != nil {
		s.metrics.incJobOp("create", "failed")
		s.writeStoreError(w, err)
		return
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil || job == nil {
		s.metrics.incJobOp("create", "failed")
		http.Error(w, "job created but could not be read back", http.StatusInternalServerError)
		return
	}

	body, _ := json.Marshal(job)
	_ = s.replays.Remember(ctx, replayKey, idempotency.Record{
		JobID:      id,
		StatusCode: http.StatusCreated,
		Body:       body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
	s.metrics.incJobOp("create", "created")
	s.log.Info("job created", zap.String("job", id), zap.String("client", job.Client))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		address = hmacauth.CallerFromContext(r.Context())
	}
	if address == "" {
		http.Error(w, "address query parameter is required", http.StatusBadRequest)
		return
	}

	jobs, err := s.store.GetUserJobs(r.Context(), address)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []escrow.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := hmacauth.CallerFromContext(ctx)
	if caller == "" {
		http.Error(w, "caller address is required", http.StatusUnauthorized)
		return
	}

	jobID := r.PathValue("id")
	job, err := s.store.ApproveJob(ctx, jobID, caller)
	if err != nil {
		s.metrics.incJobOp("approve", "failed")
		s.writeStoreError(w, err)
		return
	}
	s.metrics.incJobOp("approve", "completed")

	// The approval is committed; a failed release never rolls it back.
	// Failures land in the DLQ for operator replay.
	release := releaseResult{Status: "released"}
	memo := releaseMemoPrefix + job.ID
	hash, err := s.payments.Release(ctx, job.Client, job.Freelancer, job.Amount, memo)
	if err != nil {
		s.log.Error("fund release failed, queued for replay",
			zap.String("job", job.ID), zap.Error(err))
		s.writeReleaseDLQ(job, memo, err)
		s.metrics.incRelease("queued")
		release = releaseResult{Status: "queued", Error: err.Error()}
	} else {
		s.metrics.incRelease("released")
		release.Hash = hash
	}

	writeJSON(w, http.StatusOK, approveResponse{Job: job, Release: release})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := hmacauth.CallerFromContext(ctx)
	if caller == "" {
		http.Error(w, "caller address is required", http.StatusUnauthorized)
		return
	}

	job, err := s.store.CancelJob(ctx, r.PathValue("id"), caller)
	if err != nil {
		s.metrics.incJobOp("cancel", "failed")
		s.writeStoreError(w, err)
		return
	}
	s.metrics.incJobOp("cancel", "cancelled")
	writeJSON(w, http.StatusOK, job)
}

type walletConnectResponse struct {
	Connected bool          `json:"connected"`
	State     *wallet.State `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      string        `json:"kind,omitempty"`
}

func (s *Server) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	state, err := s.wallet.Connect(r.Context())
	if err != nil {
		status, kind := connectFailureStatus(err)
		s.metrics.incConnect(kind)
		writeJSON(w, status, walletConnectResponse{
			Error: err.Error(),
			Kind:  kind,
		})
		return
	}
	s.metrics.incConnect("connected")
	writeJSON(w, http.StatusOK, walletConnectResponse{Connected: true, State: state})
}

func connectFailureStatus(err error) (int, string) {
	var werr *wallet.Error
	kind := wallet.KindUnknown
	if errors.As(err, &werr) {
		kind = werr.Kind
	}
	switch kind {
	case wallet.KindUnreachable:
		return http.StatusServiceUnavailable, kind.String()
	case wallet.KindUserDeclined:
		return http.StatusForbidden, kind.String()
	case wallet.KindWrongNetwork:
		return http.StatusConflict, kind.String()
	case wallet.KindContextInvalidated:
		return http.StatusConflict, kind.String()
	default:
		return http.StatusBadGateway, kind.String()
	}
}

func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.wallet.IsAvailable(ctx) {
		writeJSON(w, http.StatusOK, map[string]any{"available": false, "connected": false})
		return
	}
	state := s.wallet.CheckExistingConnection(ctx)
	resp := map[string]any{"available": true, "connected": state != nil}
	if state != nil {
		resp["state"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	balance, err := s.ledger.NativeBalance(r.Context(), address)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"asset":   "native",
		"balance": balance,
	})
}

func (s *Server) writeReleaseDLQ(job *escrow.Job, memo string, releaseErr error) {
	dir := s.cfg.Service.ReleaseDLQPath
	if dir == "" {
		return
	}

	entry := struct {
		Timestamp time.Time   `json:"timestamp"`
		Job       *escrow.Job `json:"job"`
		Memo      string      `json:"memo"`
		Error     string      `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		Job:       job,
		Memo:      memo,
		Error:     releaseErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error("dlq marshal", zap.Error(err))
		return
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("dlq mkdir", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), job.ID)
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o600); err != nil {
		s.log.Error("dlq write", zap.Error(err))
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	dir := s.cfg.Service.ReleaseDLQPath
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	ledgerInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	start := time.Now()
	ledgerCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ledgerCtx); err != nil {
		ledgerInfo.Error = err.Error()
		overallHealthy = false
	} else {
		ledgerInfo.Connected = true
		ledgerInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	}

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.storeHealthFn != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.storeHealthFn(storeCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	walletInfo := struct {
		Available bool `json:"available"`
	}{Available: s.wallet.IsAvailable(ctx)}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		Ledger     any    `json:"ledger"`
		Store      any    `json:"store"`
		Wallet     any    `json:"wallet"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		Ledger:     ledgerInfo,
		Store:      storeInfo,
		Wallet:     walletInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, escrow.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDescription),
		errors.Is(err, ledger.ErrInvalidAddress):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
