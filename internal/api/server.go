// Package api implements the REST + WebSocket control plane the
// orchestrator exports under /v1.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/agent"
	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/store"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// Environment variables configuring the listener and auth.
const (
	EnvBind     = "PONDERER_BACKEND_BIND"
	EnvToken    = "PONDERER_BACKEND_TOKEN"
	EnvAuthMode = "PONDERER_BACKEND_AUTH_MODE"

	DefaultBind = "127.0.0.1:8787"
)

// AuthMode selects bearer-token enforcement.
type AuthMode string

const (
	AuthRequired AuthMode = "required"
	AuthDisabled AuthMode = "disabled"
)

// AuthConfig is the resolved auth settings.
type AuthConfig struct {
	Mode  AuthMode
	Token string
}

// LoadAuthConfig resolves auth from the environment. Deny-by-default:
// mode is required unless explicitly disabled, and required mode demands
// a token.
func LoadAuthConfig() (AuthConfig, error) {
	mode := AuthRequired
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvAuthMode))) {
	case "", "required":
	case "disabled":
		mode = AuthDisabled
	default:
		return AuthConfig{}, fmt.Errorf("invalid %s %q (expected required or disabled)",
			EnvAuthMode, os.Getenv(EnvAuthMode))
	}

	token := strings.TrimSpace(os.Getenv(EnvToken))
	if mode == AuthRequired && token == "" {
		return AuthConfig{}, fmt.Errorf("%s is required when auth mode is required", EnvToken)
	}
	return AuthConfig{Mode: mode, Token: token}, nil
}

// BackendPluginManifest describes a tool/skill provider.
type BackendPluginManifest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Description    string   `json:"description"`
	ProvidedTools  []string `json:"provided_tools"`
	ProvidedSkills []string `json:"provided_skills"`
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg       *config.Config
	agent     *agent.Agent
	store     *store.Store
	registry  *tools.Registry
	bus       *events.Bus
	auth      AuthConfig
	manifests []BackendPluginManifest
	logger    *slog.Logger

	broadcaster *Broadcaster
	httpServer  *http.Server
}

// NewServer wires the server. manifests must include builtin.core.
func NewServer(cfg *config.Config, ag *agent.Agent, s *store.Store, registry *tools.Registry, bus *events.Bus, auth AuthConfig, manifests []BackendPluginManifest, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		agent:       ag,
		store:       s,
		registry:    registry,
		bus:         bus,
		auth:        auth,
		manifests:   manifests,
		logger:      logger,
		broadcaster: NewBroadcaster(bus, logger),
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown.
func (s *Server) Start(ctx context.Context) error {
	bind := strings.TrimSpace(os.Getenv(EnvBind))
	if bind == "" {
		bind = DefaultBind
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	mux.HandleFunc("PUT /v1/config", s.handlePutConfig)
	mux.HandleFunc("GET /v1/plugins", s.handlePlugins)

	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/summary", s.handleConversationSummary)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/turns", s.handleListTurns)
	mux.HandleFunc("GET /v1/turns/{id}/tool-calls", s.handleTurnToolCalls)
	mux.HandleFunc("GET /v1/turns/{id}/prompt", s.handleTurnPrompt)

	mux.HandleFunc("GET /v1/agent/status", s.handleStatus)
	mux.HandleFunc("PUT /v1/agent/pause", s.handlePause)
	mux.HandleFunc("POST /v1/agent/toggle-pause", s.handleTogglePause)
	mux.HandleFunc("POST /v1/agent/stop", s.handleStop)
	mux.HandleFunc("POST /v1/agent/tools/{name}/approve", s.handleApproveTool)

	mux.HandleFunc("GET /v1/ws/events", s.broadcaster.HandleWS(s.authorize))

	s.broadcaster.Start(ctx)

	s.httpServer = &http.Server{
		Addr:         bind,
		Handler:      s.withAuth(s.withLogging(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "bind", bind, "auth_mode", s.auth.Mode)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// authorize checks the bearer token with a constant-time compare.
func (s *Server) authorize(r *http.Request) bool {
	if s.auth.Mode == AuthDisabled {
		return true
	}
	header := r.Header.Get("Authorization")
	expected := "Bearer " + s.auth.Token
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header)), []byte(expected)) == 1
}

// withAuth enforces deny-by-default bearer auth on every route,
// /v1/health included. The WS route authorizes inside its handler so the
// upgrade can also accept the token as a query parameter.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorize(r) {
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "code": code},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var incoming config.Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid config body")
		return
	}
	*s.cfg = incoming
	s.bus.Emit(events.TypeObservation, map[string]any{"text": "Configuration updated via API"})
	s.writeJSON(w, s.cfg)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.manifests)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(parseIntParam(r, "limit", 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"conversations": convs, "count": len(convs)})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	conv, err := s.store.CreateConversation(req.Title)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, conv)
}

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.ConversationSummarySnapshot(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	// null when no summary exists yet.
	s.writeJSON(w, summary)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(r.PathValue("id"), parseIntParam(r, "limit", 100))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	msgID, err := s.store.AddMessage(r.PathValue("id"), "operator", req.Content, "")
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Fire the wake signal so the scheduler picks the message up now.
	s.agent.Wake()
	s.writeJSON(w, map[string]any{"status": "queued", "message_id": msgID})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.store.ListTurns(r.PathValue("id"), parseIntParam(r, "limit", 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"turns": turns, "count": len(turns)})
}

func (s *Server) handleTurnToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.store.TurnToolCalls(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"tool_calls": calls, "count": len(calls)})
}

func (s *Server) handleTurnPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, systemPrompt, err := s.store.TurnPrompt(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}
	s.writeJSON(w, map[string]any{
		"prompt_text":        prompt,
		"system_prompt_text": systemPrompt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"visual_state":      s.agent.VisualState(),
		"paused":            s.agent.Paused(),
		"session_approvals": s.registry.SessionApprovals(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.agent.SetPaused(req.Paused)
	s.writeJSON(w, map[string]any{"paused": req.Paused})
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"paused": s.agent.TogglePause()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.agent.Stop()
	s.writeJSON(w, map[string]any{"status": "stopping"})
}

func (s *Server) handleApproveTool(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		s.errorResponse(w, http.StatusBadRequest, "tool name is required")
		return
	}
	s.registry.GrantSessionApproval(name)
	s.logger.Info("session approval granted", "tool", name)
	// Wake the loop so an awaiting_approval turn resumes promptly.
	s.agent.Wake()
	s.writeJSON(w, map[string]any{"status": "approved", "tool": name})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
