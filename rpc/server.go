// Package rpc exposes the worker to clients over JSON-RPC 2.0, a websocket
// stream of finalized snapshots and a small gRPC service.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability"
	"github.com/Polkadex-Substrate/Polkadex-sub004/recovery"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/worker"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20
	maxClients      = 4096
	shutdownTimeout = 5 * time.Second
)

// Backend is the worker surface the server needs.
type Backend interface {
	Submit(ctx context.Context, a *types.OrderedAction) error
	Status() worker.Status
	LatestSummary() snapshot.Summary
	Subscribe(buffer int) (<-chan snapshot.Summary, func())
}

// RecoveryProvider answers ob_getRecoveryState.
type RecoveryProvider interface {
	GetRecoveryState(ctx context.Context) (*recovery.RecoveryState, error)
}

type Config struct {
	ListenAddress  string
	MaxConnections int
	// RateLimit is the sustained requests per second allowed per client;
	// zero disables limiting.
	RateLimit float64
	RateBurst int
	// JWTSecret enables bearer authentication of ob_submitAction.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration
	ReadTimeout time.Duration
}

type Server struct {
	cfg      Config
	backend  Backend
	recovery RecoveryProvider
	limiters *lru.Cache
	logger   *slog.Logger
	handler  http.Handler
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SubmitResult is returned by ob_submitAction once the action is applied.
type SubmitResult struct {
	Accepted bool `json:"accepted"`
}

func NewServer(backend Backend, rec RecoveryProvider, cfg Config) (*Server, error) {
	if backend == nil {
		return nil, errors.New("rpc: backend required")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	limiters, err := lru.New(maxClients)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		recovery: rec,
		limiters: limiters,
		logger:   slog.Default().With(slog.String("component", "rpc")),
	}
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/snapshots", s.handleSnapshotsWS)
	s.handler = otelhttp.NewHandler(r, "obsync.rpc")
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("RPC server listening", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rpc: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds cfg.ListenAddress and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

var knownMethods = map[string]bool{
	"ob_submitAction":     true,
	"ob_getRecoveryState": true,
	"ob_syncStatus":       true,
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
	method := "invalid"
	defer func() {
		observability.RPCMetrics().ObserveStatus("http", method, w.status, time.Since(start))
	}()

	w.Header().Set("Content-Type", "application/json")
	if !s.allow(clientSource(r)) {
		observability.RPCMetrics().RecordThrottle("http")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to parse request", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid JSON-RPC request", nil)
		return
	}
	method = "unknown"
	if knownMethods[req.Method] {
		method = req.Method
	}

	switch req.Method {
	case "ob_submitAction":
		if rpcErr := s.requireAuth(r); rpcErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		s.handleSubmitAction(w, r, req)
	case "ob_getRecoveryState":
		s.handleGetRecoveryState(w, r, req)
	case "ob_syncStatus":
		writeResult(w, req.ID, s.backend.Status())
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single ordered action", nil)
		return
	}
	var action types.OrderedAction
	if err := json.Unmarshal(req.Params[0], &action); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid ordered action", err.Error())
		return
	}
	if err := s.backend.Submit(r.Context(), &action); err != nil {
		s.writeMappedError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SubmitResult{Accepted: true})
}

func (s *Server) handleGetRecoveryState(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.recovery == nil {
		s.writeMappedError(w, req.ID, worker.ErrEndpointNotReady)
		return
	}
	state, err := s.recovery.GetRecoveryState(r.Context())
	if err != nil {
		s.writeMappedError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := s.backend.Status()
	if status.State != worker.StateLive.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) writeMappedError(w http.ResponseWriter, id interface{}, err error) {
	m := mapError(err)
	if m.code == codeServerError {
		s.logger.Error("RPC request failed", slog.Any("error", err))
	}
	writeError(w, m.status, id, m.code, m.message, errorKind{Kind: m.kind})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.JWTSecret == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if err := s.parseToken(raw); err != nil {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) parseToken(raw string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.cfg.JWTLeeway),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.JWTIssuer))
	}
	if s.cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.JWTAudience))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	return nil
}

func (s *Server) allow(source string) bool {
	if s.cfg.RateLimit <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	if v, ok := s.limiters.Get(source); ok {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	// Another request may have raced us; keep whichever landed first.
	if ok, _ := s.limiters.ContainsOrAdd(source, limiter); ok {
		if v, found := s.limiters.Get(source); found {
			limiter = v.(*rate.Limiter)
		}
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
