// Package server exposes the relay HTTP surface: conversational turns over
// SSE, model listing, diagram rendering, and session lifecycle.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"drawbridge/internal/config"
	"drawbridge/internal/dispatch"
	"drawbridge/internal/errinfo"
	"drawbridge/internal/gateway"
	"drawbridge/internal/llm"
	"drawbridge/internal/logging"
	"drawbridge/internal/render"
	"drawbridge/internal/secrets"
	"drawbridge/internal/session"
	"drawbridge/internal/settings"
)

// Server wires the gateway, stores, and renderer behind a chi router.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	gateway  *gateway.Gateway
	settings *settings.Store
	secrets  *secrets.Store
	renderer *render.Client
	router   *chi.Mux

	sessionsDir string

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// sessionEntry owns one diagram session: its document store, the tool-call
// dispatcher bound to it, and the conversation transcript.
type sessionEntry struct {
	id     string
	family gateway.Family
	store  *session.Store
	disp   *dispatch.Dispatcher

	mu      sync.Mutex
	history []llm.ChatMessage
}

// Options configures a Server.
type Options struct {
	Config      *config.Config
	Settings    *settings.Store
	Secrets     *secrets.Store
	Gateway     *gateway.Gateway
	Renderer    *render.Client
	SessionsDir string
	Logger      *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Renderer == nil {
		renderer, err := render.NewClient(opts.Config.RendererURL)
		if err != nil {
			return nil, fmt.Errorf("renderer client: %w", err)
		}
		opts.Renderer = renderer
	}
	s := &Server{
		cfg:         opts.Config,
		logger:      opts.Logger,
		gateway:     opts.Gateway,
		settings:    opts.Settings,
		secrets:     opts.Secrets,
		renderer:    opts.Renderer,
		sessionsDir: opts.SessionsDir,
		sessions:    make(map[string]*sessionEntry),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/models", s.handleModels)
		r.Post("/render", s.handleRender)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleSessionCreate)
			r.Post("/{id}/reset", s.handleSessionReset)
			r.Put("/{id}/document", s.handleSessionDocument)
			r.Get("/{id}/history", s.handleSessionHistory)
			r.Post("/{id}/rollback", s.handleSessionRollback)
		})
	})
	s.router = r
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the API on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server.listen", "addr", s.cfg.Listen)
	return http.ListenAndServe(s.cfg.Listen, s.router)
}

// newSession registers a session. A non-empty id resumes a previously
// persisted session; an empty id mints a fresh one.
func (s *Server) newSession(family gateway.Family, id string) *sessionEntry {
	resume := id != ""
	if id == "" {
		id = uuid.NewString()
	}
	entry := &sessionEntry{
		id:     id,
		family: family,
		store:  session.New(gateway.DefaultDocument(family), gateway.Canonicalizer(family), s.logger),
	}
	entry.disp = dispatch.New(entry.store, s.logger)
	if resume && s.sessionsDir != "" {
		if err := entry.store.Load(s.sessionPath(id)); err != nil {
			s.logger.Warn("server.session_load_failed", "session_id", id, "error", err)
		}
	}
	s.mu.Lock()
	s.sessions[id] = entry
	s.mu.Unlock()
	return entry
}

func (s *Server) lookupSession(id string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".json")
}

func (s *Server) persistSession(entry *sessionEntry) {
	if s.sessionsDir == "" {
		return
	}
	if err := os.MkdirAll(s.sessionsDir, 0o700); err != nil {
		s.logger.Warn("server.session_persist_failed", "session_id", entry.id, "error", err)
		return
	}
	if err := entry.store.Save(s.sessionPath(entry.id)); err != nil {
		s.logger.Warn("server.session_persist_failed", "session_id", entry.id, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeErrorInfo emits the structured error surface alongside the plain
// "error" string clients key on.
func writeErrorInfo(w http.ResponseWriter, status int, info *errinfo.ErrorInfo) {
	message := info.Detail
	if message == "" {
		message = info.ErrorCode
	}
	writeJSON(w, status, map[string]any{"error": message, "error_info": info})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
