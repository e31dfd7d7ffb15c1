// Package server exposes the bridge over its three protocol surfaces: the
// REST task API, the agent-to-agent JSON-RPC API, and the streaming
// WebSocket. All three normalize into one admission pipeline.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbridge/bridge/internal/auth"
	"github.com/agentbridge/bridge/internal/config"
	"github.com/agentbridge/bridge/internal/directory"
	"github.com/agentbridge/bridge/internal/dispatch"
	"github.com/agentbridge/bridge/internal/executor"
	"github.com/agentbridge/bridge/internal/quota"
	"github.com/agentbridge/bridge/internal/task"
	"github.com/agentbridge/bridge/internal/trust"
)

// maxBodyBytes bounds every request body before JSON decoding.
const maxBodyBytes = 1 << 20 // 1 MiB

// Sandbox trial limits are hardcoded on purpose: the endpoint is public.
const (
	sandboxMaxChars   = 500
	sandboxPerHour    = 3
	sandboxTimeoutSec = 30
)

// Server wires the protocol surfaces to the admission pipeline.
type Server struct {
	cfg        *config.Config
	registry   *task.Registry
	dispatcher *dispatch.Dispatcher
	resolver   *auth.Resolver
	limiter    *quota.Limiter
	trust      *trust.Store
	directory  *directory.Client // nil when node_url is absent
	exec       executor.Executor // direct access for the public sandbox

	hub            *Hub
	sandboxLimiter *quota.WindowLimiter
	syncWait       time.Duration
	startedAt      time.Time
	logger         *slog.Logger
}

// Deps carries the collaborators main assembles.
type Deps struct {
	Config     *config.Config
	Registry   *task.Registry
	Dispatcher *dispatch.Dispatcher
	Resolver   *auth.Resolver
	Limiter    *quota.Limiter
	Trust      *trust.Store
	Directory  *directory.Client
	Executor   executor.Executor
}

// New builds the server and its WebSocket hub. The hub's broadcast is
// registered as the registry completion hook.
func New(deps Deps) *Server {
	s := &Server{
		cfg:            deps.Config,
		registry:       deps.Registry,
		dispatcher:     deps.Dispatcher,
		resolver:       deps.Resolver,
		limiter:        deps.Limiter,
		trust:          deps.Trust,
		directory:      deps.Directory,
		exec:           deps.Executor,
		sandboxLimiter: quota.NewWindowLimiter(sandboxPerHour, time.Hour),
		syncWait:       time.Duration(deps.Config.SyncWaitSeconds) * time.Second,
		startedAt:      time.Now(),
		logger:         slog.Default().With("component", "server"),
	}
	s.hub = newHub(s, deps.Config.WSAuthToken, deps.Config.AllowedOrigins)
	s.registry.SetOnComplete(s.hub.Broadcast)
	return s
}

// Router assembles the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	for _, alias := range []string{"/.well-known/agent.json", "/.well-known/agent-card.json", "/.well-known/a2a.json"} {
		r.HandleFunc(alias, s.handleAgentCard).Methods(http.MethodGet)
	}
	r.HandleFunc("/llms.txt", s.handleLLMSTxt).Methods(http.MethodGet)

	r.HandleFunc("/task", s.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/task/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/task/{id}", s.handleCancelTask).Methods(http.MethodDelete)
	r.HandleFunc("/sandbox", s.handleSandbox).Methods(http.MethodPost)

	r.HandleFunc("/a2a", s.handleJSONRPC).Methods(http.MethodPost)

	r.HandleFunc("/discovery/agents", s.handleDiscoveryAgents).Methods(http.MethodGet)
	r.HandleFunc("/discovery/agents/{did}", s.handleDiscoveryAgent).Methods(http.MethodGet)
	r.HandleFunc("/discovery/search", s.handleDiscoverySearch).Methods(http.MethodPost)
	r.HandleFunc("/trust/{did}", s.handleTrustLookup).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// The root path serves both the JSON-RPC surface and the WebSocket
	// upgrade; frames and envelopes are told apart by the Upgrade header.
	r.HandleFunc("/", s.handleRoot)

	r.Use(s.loggingMiddleware)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.hub.HandleUpgrade(w, r)
		return
	}
	if r.Method == http.MethodPost {
		s.handleJSONRPC(w, r)
		return
	}
	writeError(w, errNotFound())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
