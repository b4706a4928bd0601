package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/asset"
	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/events"
	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/metrics"
	"github.com/moltbunker/stakeledger/internal/util"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// Server is the external HTTP API server
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	addr       string

	ledger  *ledger.Ledger
	custody ledger.CustodyBalancer // optional, enables reconciliation in /readyz

	// Mock-mode token helpers; nil in chain mode.
	token          *asset.Token
	custodyAccount common.Address

	feed    *events.Feed
	metrics *metrics.PrometheusCollector

	walletAuth *WalletAuthManager
	wsHub      *WebSocketHub

	// Per-IP rate limiters
	rateLimiters sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	HTTPAddr string
	Mode     string // ledger asset backend, reported by /v1/status

	// Rate limiting: RateLimit requests per RateWindow per client IP. Zero disables it.
	RateLimit      int
	RateWindow     time.Duration
	RateLimitBurst int

	MaxRequestSize int64

	// MaxConnections caps open connections; 0 means unlimited.
	MaxConnections int

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration // bounds authenticated operations
	IdleTimeout       time.Duration

	AuthMaxSkew time.Duration
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return FromAPIConfig(config.DefaultAPIConfig())
}

// FromAPIConfig converts the YAML API section.
func FromAPIConfig(c config.APIConfig) *ServerConfig {
	burst := c.RateLimitRequests / 5
	if burst < 1 {
		burst = 1
	}
	return &ServerConfig{
		HTTPAddr:          c.HTTPAddr,
		Mode:              config.ModeMock,
		RateLimit:         c.RateLimitRequests,
		RateWindow:        time.Duration(c.RateLimitWindowSecs) * time.Second,
		RateLimitBurst:    burst,
		MaxRequestSize:    int64(c.MaxRequestSize),
		MaxConnections:    c.MaxConnections,
		AllowedOrigins:    c.CORSOrigins,
		ReadHeaderTimeout: time.Duration(c.ReadTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(c.WriteTimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(c.IdleTimeoutSecs) * time.Second,
		AuthMaxSkew:       time.Duration(c.AuthMaxSkewSecs) * time.Second,
	}
}

// NewServer creates a new HTTP API server over l.
func NewServer(cfg *ServerConfig, l *ledger.Ledger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 1 << 20
	}

	return &Server{
		config:     cfg,
		ledger:     l,
		walletAuth: NewWalletAuthManager(cfg.AuthMaxSkew),
		wsHub:      NewWebSocketHub(),
	}
}

// SetFeed sets the notification feed relayed to /v1/events.
func (s *Server) SetFeed(feed *events.Feed) {
	s.feed = feed
}

// SetMetrics sets the collector served on /metrics.
func (s *Server) SetMetrics(pc *metrics.PrometheusCollector) {
	s.metrics = pc
}

// SetToken enables the mock-mode token helpers. Approvals are granted to custodyAccount.
func (s *Server) SetToken(token *asset.Token, custodyAccount common.Address) {
	s.token = token
	s.custodyAccount = custodyAccount
}

// SetCustody enables custody reconciliation in /readyz.
func (s *Server) SetCustody(b ledger.CustodyBalancer) {
	s.custody = b
}

// GetWalletAuthManager returns the wallet auth manager
func (s *Server) GetWalletAuthManager() *WalletAuthManager {
	return s.walletAuth
}

// GetWebSocketHub returns the WebSocket hub for external use
func (s *Server) GetWebSocketHub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the routed handler. Background workers are only started by Start.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start launches the background workers and the HTTP listener. A listen
// failure is returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.startWorkers(ctx)

	// ReadHeaderTimeout rather than ReadTimeout so /v1/events connections
	// are not cut off.
	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.wg.Add(1)
	util.SafeGoWithName("api-http", func() {
		defer s.wg.Done()
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})

	return nil
}

// startWorkers runs the websocket hub, the feed relay and rate limiter cleanup.
func (s *Server) startWorkers(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	util.SafeGoWithName("ws-hub", func() {
		defer s.wg.Done()
		s.wsHub.Run(ctx)
	})

	if s.feed != nil {
		ch, cancel := s.feed.Subscribe(256)
		s.wg.Add(1)
		util.SafeGoWithName("ws-relay", func() {
			defer s.wg.Done()
			defer cancel()
			s.relay(ctx, ch)
		})
	}

	if s.config.RateLimit > 0 {
		s.wg.Add(1)
		util.SafeGoWithName("rate-limit-cleanup", func() {
			defer s.wg.Done()
			s.rateLimiterCleanupLoop(ctx)
		})
	}
}

// relay forwards feed notifications to the websocket hub.
func (s *Server) relay(ctx context.Context, ch <-chan ledger.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.wsHub.Broadcast(toEvent(n))
		}
	}
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the HTTP API server and waits for its workers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("HTTP server shutdown: %w", shutdownErr)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	logging.Info("API server stopped", logging.Component("api"))
	return err
}

// buildRouter builds the HTTP router with all handlers
func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Ledger operations (wallet auth required)
	mux.HandleFunc("POST /v1/stake", s.withAuth(s.handleStake))
	mux.HandleFunc("POST /v1/unstake", s.withAuth(s.handleUnstake))
	mux.HandleFunc("PUT /v1/lock-time", s.withAuth(s.handleSetLockTime))
	mux.HandleFunc("POST /v1/settle", s.withAuth(s.handleSettle))

	// Reads
	mux.HandleFunc("GET /v1/lock-time", s.withMiddleware(s.handleGetLockTime))
	mux.HandleFunc("GET /v1/stakes", s.withMiddleware(s.handleStakes))
	mux.HandleFunc("GET /v1/stakes/{address}", s.withMiddleware(s.handleStakeByAddress))
	mux.HandleFunc("GET /v1/status", s.withMiddleware(s.handleStatus))
	mux.HandleFunc("GET /v1/events", s.withMiddleware(s.handleWebSocket))

	// Mock token helpers
	if s.token != nil {
		mux.HandleFunc("POST /v1/token/approve", s.withAuth(s.handleApprove))
		mux.HandleFunc("GET /v1/token/balance/{address}", s.withMiddleware(s.handleBalance))
		mux.HandleFunc("POST /v1/token/mint", s.withAdminMiddleware(s.handleMint))
	}

	// Probes and metrics (no rate limit)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.PrometheusHandler())
	}

	return s.instrument(s.globalCORSMiddleware(mux))
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through for the /v1/events upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// instrument counts requests by matched route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(route, rec.code)
	})
}

// globalCORSMiddleware wraps an entire handler tree with CORS headers.
// This ensures preflight OPTIONS and error responses always include CORS.
func (s *Server) globalCORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware applies rate limiting and the request size cap.
func (s *Server) withMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		handler(w, r)
	}
}

// withAuth is withMiddleware plus inline wallet authentication. Rate limiting
// runs first so signature checks cannot be used to burn CPU.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authenticate(r)
		if err != nil {
			logging.Debug("wallet inline auth failed",
				"address", r.Header.Get(types.HeaderWalletAddress),
				logging.Err(err),
				logging.Component("api"))
			s.writeError(w, http.StatusUnauthorized, "unauthorized: "+err.Error(), "unauthenticated")
			return
		}
		ctx := context.WithValue(r.Context(), CtxWalletKey, caller)
		if s.config.WriteTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.WriteTimeout)
			defer cancel()
		}
		handler(w, r.WithContext(ctx))
	})
}

// withAdminMiddleware is withAuth restricted to the ledger administrator.
func (s *Server) withAdminMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdminWallet(callerFrom(r)) {
			s.writeError(w, http.StatusForbidden, "forbidden: admin access required", ledger.ErrorKind(ledger.ErrUnauthorized))
			return
		}
		handler(w, r)
	})
}

// allow enforces the per-IP rate limit, writing 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.config.RateLimit <= 0 {
		return true
	}
	ip := s.extractClientIP(r)
	if s.getRateLimiter(ip).Allow() {
		return true
	}

	logging.Warn("rate limit exceeded",
		"ip", ip,
		"path", r.URL.Path,
		"method", r.Method,
		logging.Component("api"))
	retryAfter := int(s.config.RateWindow / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
	return false
}

// getRateLimiter returns the rate limiter for the given IP address.
// It creates a new limiter if one does not already exist.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen = now
		return entry.limiter
	}

	every := s.config.RateWindow / time.Duration(s.config.RateLimit)
	entry := &rateLimiterEntry{
		limiter:  rate.NewLimiter(rate.Every(every), s.config.RateLimitBurst),
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP extracts the client IP address from the request.
// Proxy headers are only trusted when TrustProxy is enabled.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimiterCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
		}
	}
}

// cleanupRateLimiters removes rate limiter entries not seen since staleBefore.
func (s *Server) cleanupRateLimiters(staleBefore time.Time) {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Before(staleBefore) {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// setCORSHeaders sets CORS headers on the response
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", types.HeaderWalletAddress, types.HeaderWalletSignature, types.HeaderWalletMessage,
	}, ", "))
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Add("Vary", "Origin")
}

// checkOrigin accepts same-host websocket upgrades and configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return s.originAllowed(origin)
}

// ContextKey type for context values
type ContextKey string

// CtxWalletKey is the context key for the authenticated wallet address
const CtxWalletKey ContextKey = "wallet_address"

func callerFrom(r *http.Request) common.Address {
	addr, _ := r.Context().Value(CtxWalletKey).(common.Address)
	return addr
}

// authenticate verifies the inline wallet headers and returns the caller.
func (s *Server) authenticate(r *http.Request) (common.Address, error) {
	walletAddr := r.Header.Get(types.HeaderWalletAddress)
	walletSig := r.Header.Get(types.HeaderWalletSignature)
	walletMsg := r.Header.Get(types.HeaderWalletMessage)
	if walletAddr == "" || walletSig == "" || walletMsg == "" {
		return common.Address{}, fmt.Errorf("missing wallet auth headers")
	}
	return s.walletAuth.VerifyInlineAuth(walletAddr, walletSig, walletMsg)
}

// isAdminWallet compares in constant time so response timing does not reveal
// how much of an address matched.
func (s *Server) isAdminWallet(addr common.Address) bool {
	admin := s.ledger.Administrator()
	return subtle.ConstantTimeCompare(addr.Bytes(), admin.Bytes()) == 1
}
