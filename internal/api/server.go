// Package api provides the HTTP surface of the world gateway: the
// WebSocket front door, the asset endpoint, token validation, the system
// login flow, and operational stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/vircadia/vircadia-world-sub000/internal/acl"
	"github.com/vircadia/vircadia-world-sub000/internal/asset"
	"github.com/vircadia/vircadia-world-sub000/internal/auth"
	"github.com/vircadia/vircadia-world-sub000/internal/config"
	"github.com/vircadia/vircadia-world-sub000/internal/query"
	"github.com/vircadia/vircadia-world-sub000/internal/reflect"
	"github.com/vircadia/vircadia-world-sub000/internal/session"
	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

// Server is the gateway's HTTP API server.
type Server struct {
	store     store.Store
	validator *auth.Validator
	system    *auth.SystemService // nil when no system provider is enabled
	registry  *session.Registry
	acl       *acl.Cache
	proxy     *query.Proxy
	fanout    *reflect.Fanout
	assets    *asset.Manager
	logger    *slog.Logger

	mux           *chi.Mux
	upgrader      websocket.Upgrader
	maxWSMsgBytes int64
	maxBodyBytes  int64
	startTime     time.Time
	metrics       *endpointMetrics

	rl      *rateLimiter
	loginRL *rateLimiter
}

// Deps bundles the components the server fronts.
type Deps struct {
	Store     store.Store
	Validator *auth.Validator
	System    *auth.SystemService
	Registry  *session.Registry
	ACL       *acl.Cache
	Proxy     *query.Proxy
	Fanout    *reflect.Fanout
	Assets    *asset.Manager
}

// NewServer creates the API server and mounts all routes.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         d.Store,
		validator:     d.Validator,
		system:        d.System,
		registry:      d.Registry,
		acl:           d.ACL,
		proxy:         d.Proxy,
		fanout:        d.Fanout,
		assets:        d.Assets,
		logger:        logger.With("component", "api"),
		upgrader:      makeUpgrader(cfg.Server.AllowedOrigins),
		maxWSMsgBytes: cfg.Server.MaxWSMsgBytes,
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		startTime:     time.Now(),
		metrics:       newEndpointMetrics(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
	mux.Use(srv.metrics.middleware)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route (auth handled inside).
	mux.Get("/world/ws", srv.handleWorldWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.With(ipRateLimitMiddleware(srv.rl)).Get("/world/assets/{key}", srv.handleGetAsset)

	mux.Post("/world/auth/validate", srv.handleValidate)

	// System provider routes only exist when one is configured.
	if d.System != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/world/auth/login", srv.handleLogin)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/world/auth/register", srv.handleRegister)
	}

	mux.With(privateOnlyMiddleware).Get("/world/stats", srv.handleStats)

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks launches the rate limiter cleanup loops.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleGetAsset serves one cached asset. Callers authenticate with either
// an already-registered sessionId or a (token, provider) pair; the asset's
// sync group is then checked against the agent's ACL entry.
func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing asset key")
		return
	}

	agentID, ok := s.assetCallerAgent(w, r)
	if !ok {
		return
	}

	meta, err := s.store.GetAssetMeta(r.Context(), key)
	if err != nil {
		s.logger.Warn("asset meta lookup failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "asset lookup failed")
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}

	if !s.acl.Warmed(agentID) {
		_ = s.acl.Warm(r.Context(), agentID)
	}
	if !s.acl.CanRead(agentID, meta.SyncGroup) {
		writeError(w, http.StatusForbidden, "not authorized for asset")
		return
	}

	path, err := s.assets.Resolve(r.Context(), key)
	if err != nil {
		if errors.Is(err, asset.ErrUnknownKey) {
			writeError(w, http.StatusNotFound, "unknown asset")
			return
		}
		if errors.Is(err, asset.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "invalid asset key")
			return
		}
		s.logger.Warn("asset population failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "asset population failed")
		return
	}

	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeFile(w, r, path)
}

// assetCallerAgent resolves the requesting agent for the asset endpoint.
// On failure it writes the 401 itself and returns ok=false.
func (s *Server) assetCallerAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	q := r.URL.Query()

	if sessionID := q.Get("sessionId"); sessionID != "" {
		agentID, ok := s.registry.AgentFor(sessionID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown session")
			return "", false
		}
		return agentID, true
	}

	token := q.Get("token")
	provider := q.Get("provider")
	if token == "" && provider == "" {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return "", false
	}
	res := s.validator.Validate(r.Context(), provider, token)
	if !res.Valid {
		writeError(w, http.StatusUnauthorized, res.Reason)
		return "", false
	}
	return res.AgentID, true
}

// handleValidate lets collaborators without a live connection confirm a
// token out of band.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Token    string `json:"token"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := s.validator.Validate(r.Context(), req.Provider, req.Token)
	if !res.Valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid": false,
			"error": res.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"agentId":   res.AgentID,
		"sessionId": res.SessionID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.system.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Warn("login failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	agent, err := s.system.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAgentExists) {
			writeError(w, http.StatusConflict, "agent already exists")
			return
		}
		s.logger.Warn("registration failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pool := s.store.PoolStats()
	entries, bytes := s.assets.Totals()
	hits, misses := s.assets.HitCounts()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":          time.Since(s.startTime).Truncate(time.Second).String(),
		"active_sessions": s.registry.Count(),
		"db_pool": map[string]any{
			"open_connections": pool.OpenConnections,
			"in_use":           pool.InUse,
			"idle":             pool.Idle,
			"wait_count":       pool.WaitCount,
			"wait_duration_ms": pool.WaitDuration.Milliseconds(),
		},
		"reflect": map[string]any{
			"delivered_total": s.fanout.DeliveredTotal(),
		},
		"asset_cache": map[string]any{
			"entries": entries,
			"bytes":   bytes,
			"hits":    hits,
			"misses":  misses,
		},
		"endpoints": s.metrics.snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
