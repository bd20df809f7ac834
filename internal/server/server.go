// Package server provides the HTTP and WebSocket surface of the bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/studio-bridge/internal/agent"
	"github.com/workspace/studio-bridge/internal/agentrun"
	"github.com/workspace/studio-bridge/internal/auth"
	"github.com/workspace/studio-bridge/internal/bridge"
	"github.com/workspace/studio-bridge/internal/config"
	"github.com/workspace/studio-bridge/internal/hub"
	"github.com/workspace/studio-bridge/internal/logging"
	"github.com/workspace/studio-bridge/internal/persistence"
	"github.com/workspace/studio-bridge/internal/presence"
	"github.com/workspace/studio-bridge/internal/protocol"
	"github.com/workspace/studio-bridge/internal/sidechannel"
	"github.com/workspace/studio-bridge/internal/workspace"
)

// Version is reported in /health and the welcome frame.
const Version = "0.4.0"

// Server is the bridge: one plugin slot, any number of observers, and the
// HTTP API that agents call.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *slog.Logger

	verifier *auth.Verifier
	registry *hub.Registry
	bcast    *hub.Broadcaster
	calls    *bridge.Correlator
	presence *presence.Tracker
	root     *workspace.Root
	store    *persistence.Store
	exec     *sidechannel.Exec
	runs     *agentrun.Manager

	connSeq atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a server with the agent backend named in cfg.
func New(cfg *config.Config) (*Server, error) {
	return newServer(cfg, nil)
}

// newServer wires every component. A nil source selects the configured
// agent backend; tests inject their own.
func newServer(cfg *config.Config, source agent.Source) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		log:    logging.For("server"),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.setup(source); err != nil {
		cancel()
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) setup(source agent.Source) error {
	cfg := s.config

	var jwtValidator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWTValidator(s.ctx, cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return fmt.Errorf("failed to create JWT validator: %w", err)
		}
		jwtValidator = v
	}
	s.verifier = auth.NewVerifier(cfg.BridgeToken, jwtValidator)

	root, err := workspace.Open(cfg.Root)
	if err != nil {
		return fmt.Errorf("open bridge root: %w", err)
	}
	s.root = root

	if cfg.PersistenceDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
			return fmt.Errorf("create persistence directory: %w", err)
		}
		store, err := persistence.Open(cfg.PersistenceDBPath)
		if err != nil {
			return fmt.Errorf("open persistence store: %w", err)
		}
		s.store = store
	}

	s.registry = hub.NewRegistry(s.verifier)
	s.bcast = hub.NewBroadcaster(s.registry)
	s.calls = bridge.NewCorrelator(s.bcast, cfg.CallTimeout, cfg.CallHistorySize)
	s.presence = presence.NewTracker(s.registry.HasPlugin)

	execCfg := sidechannel.Config{
		Root:       root,
		Artifact:   cfg.ExecArtifact,
		ResultFile: cfg.ExecResultFile,
	}
	if s.store != nil {
		execCfg.Recorder = s.store
	}
	s.exec = sidechannel.New(execCfg, s.bcast)

	if source == nil {
		source = newAgentSource(cfg, root)
	}
	s.runs = agentrun.NewManager(agentrun.Config{
		Source:     source,
		WorkDir:    root.Dir(),
		Model:      cfg.AgentModel,
		ResultFile: cfg.ExecResultFile,
		LogSize:    cfg.RunLogSize,
		MaxRuns:    cfg.MaxRuns,
	}, s.bcast, s.exec)

	s.wireHooks()

	s.upgrader = s.createUpgrader()
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      corsMiddleware(s.authMiddleware(mux), cfg.AllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return nil
}

func newAgentSource(cfg *config.Config, root *workspace.Root) agent.Source {
	if cfg.AgentBackend == config.BackendACP {
		return agent.NewACPSource(cfg.AgentCommand, cfg.AgentArgs, root)
	}
	return agent.NewClaudeCLI(cfg.AgentCommand, cfg.AgentArgs)
}

// wireHooks connects plugin presence to session state, pending calls and
// observer status.
func (s *Server) wireHooks() {
	s.registry.OnPluginArrive(func() {
		s.bcast.ToObservers(protocol.Status{Studio: studioState(true)})
	})
	s.registry.OnPluginGone(func() {
		s.presence.Clear()
		if n := s.calls.RejectAll(bridge.ErrPluginDisconnected); n > 0 {
			s.log.Warn("Plugin left with calls in flight", "rejected", n)
		}
		s.bcast.ToObservers(protocol.Status{Studio: studioState(false)})
	})

	s.presence.OnSwitch(func(prev, next presence.Session) {
		s.bcast.ToObservers(protocol.SessionSwitched{
			PreviousKey: prev.SessionKey,
			SessionKey:  next.SessionKey,
			PlaceName:   next.PlaceName,
		})
	})
	if s.store != nil {
		s.presence.OnPush(func(sess presence.Session) {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			defer cancel()
			if err := s.store.RecordSession(ctx, sess); err != nil {
				s.log.Warn("Failed to persist session", "sessionKey", sess.SessionKey, "error", err)
			}
		})
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting studio bridge",
		"addr", s.httpServer.Addr,
		"root", s.root.Dir(),
		"auth", s.verifier.Enabled(),
		"persistence", s.store != nil,
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server: runs are cancelled, sockets closed and
// the store flushed.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if err := s.runs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop agent runs: %w", err))
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}

	// Hijacked WebSocket connections are not closed by Shutdown.
	if plugin := s.registry.Plugin(); plugin != nil {
		plugin.Close()
	}
	for _, c := range s.registry.Observers() {
		c.Close()
	}
	s.calls.RejectAll(bridge.ErrPluginDisconnected)

	s.cancel()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close persistence store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /log", s.handleLog)

	// Plugin and observer sockets.
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /{$}", s.handleWS)

	mux.HandleFunc("POST /devtools/call", s.handleDevtoolsCall)
	mux.HandleFunc("POST /devtools/result", s.handleDevtoolsResult)
	mux.HandleFunc("GET /devtools/history", s.handleDevtoolsHistory)
	mux.HandleFunc("POST /context/gather", s.handleContextGather)

	mux.HandleFunc("POST /session/update", s.handleSessionUpdate)
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("GET /session/history", s.handleSessionHistory)

	mux.HandleFunc("POST /agent/run", s.handleAgentRun)
	mux.HandleFunc("GET /agent/status", s.handleAgentStatus)
	mux.HandleFunc("GET /agent/logs", s.handleAgentLogs)
	mux.HandleFunc("POST /agent/cancel", s.handleAgentCancel)
	mux.HandleFunc("GET /agent/runs", s.handleAgentRuns)

	mux.HandleFunc("GET /exec/pending", s.handleExecPending)
	mux.HandleFunc("POST /exec/result", s.handleExecResult)
	mux.HandleFunc("GET /exec/result", s.handleGetExecResult)
	mux.HandleFunc("GET /exec/history", s.handleExecHistory)
}

// authMiddleware requires a credential on every HTTP route except /health
// when a token or JWKS is configured. WebSocket routes authenticate through
// the identify frame instead.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Enabled() || r.Method == http.MethodOptions || r.URL.Path == "/health" || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.verifier.Authenticate(r.Context(), auth.CredentialFromRequest(r)); err != nil {
			if errors.Is(err, auth.ErrMissingCredential) {
				writeError(w, http.StatusUnauthorized, "Missing auth token")
			} else {
				writeError(w, http.StatusUnauthorized, "Invalid auth token")
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Bridge-Token")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against the allowed list. Supports "*" and
// wildcard subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	// The subdomain part must not contain "/".
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
