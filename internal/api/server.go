package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Directory is the read side of the chat directory the API reports on.
type Directory interface {
	Groups() []types.Chat
	ChatsFor(user string) []types.Chat
	Count() (groups, private int)
}

// ConnectionStats reports transport-level counters.
type ConnectionStats interface {
	GetStats() map[string]int
}

// Options carries the settings the server needs from configuration.
type Options struct {
	Version        string
	AllowedOrigins []string
	HistoryLimit   int
	DefaultHistory int
}

// Server exposes read-only status endpoints and mounts the websocket
// endpoint. It holds no chat state of its own.
type Server struct {
	sessions    interfaces.SessionRegistry
	directory   Directory
	router      interfaces.MessageRouter
	activity    interfaces.ActivityLog
	connections ConnectionStats
	opts        Options
	logger      zerolog.Logger
	startedAt   time.Time
	mux         chi.Router
}

// NewServer builds the HTTP routes. activity may be nil when the activity
// log is disabled.
func NewServer(
	sessions interfaces.SessionRegistry,
	directory Directory,
	router interfaces.MessageRouter,
	activity interfaces.ActivityLog,
	connections ConnectionStats,
	ws http.Handler,
	opts Options,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		sessions:    sessions,
		directory:   directory,
		router:      router,
		activity:    activity,
		connections: connections,
		opts:        opts,
		logger:      logger,
		startedAt:   time.Now(),
		mux:         chi.NewRouter(),
	}
	s.setupRoutes(ws)
	return s
}

func (s *Server) setupRoutes(ws http.Handler) {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/", s.banner)
		r.Get("/health", s.healthCheck)
		r.Route("/api", func(r chi.Router) {
			r.Get("/users", s.listUsers)
			r.Get("/users/{name}/chats", s.listUserChats)
			r.Get("/groups", s.listGroups)
			r.Get("/chats/{id}/messages", s.listMessages)
			r.Get("/activity", s.listActivity)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type BannerResponse struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Users       int            `json:"users"`
	Groups      int            `json:"groups"`
	PrivateChat int            `json:"privateChats"`
	Connections map[string]int `json:"connections"`
	Activity    string         `json:"activity"`
}

type UsersResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type ChatsResponse struct {
	Chats []types.Chat `json:"chats"`
}

type MessagesResponse struct {
	ChatID   string          `json:"chatId"`
	Messages []types.Message `json:"messages"`
}

type ActivityResponse struct {
	Activity []interfaces.Activity `json:"activity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) banner(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, BannerResponse{
		Name:    "parley",
		Version: s.opts.Version,
		Features: []string{
			"group chats",
			"private chats",
			"live presence",
			"websocket events",
		},
	})
}

// healthCheck answers 503 only when the activity store is enabled and failing.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, activity := "healthy", "disabled"
	if s.activity != nil {
		activity = "healthy"
		if err := s.activity.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			activity = "error: " + err.Error()
		}
	}

	groups, private := s.directory.Count()
	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Users:       s.sessions.Count(),
		Groups:      groups,
		PrivateChat: private,
		Connections: s.connections.GetStats(),
		Activity:    activity,
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	names := s.sessions.ActiveNames()
	s.sendJSON(w, http.StatusOK, UsersResponse{Users: names, Count: len(names)})
}

func (s *Server) listUserChats(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.sessions.FindByName(name); !ok {
		s.sendError(w, types.ErrUserNotFound.Error(), http.StatusNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, ChatsResponse{Chats: s.directory.ChatsFor(name)})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, ChatsResponse{Chats: s.directory.Groups()})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := s.parseLimit(r, s.opts.DefaultHistory, s.opts.HistoryLimit)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	chatID, err := pathParam(r, "id")
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages, err := s.router.RecentMessages(chatID, limit)
	if err != nil {
		if errors.Is(err, types.ErrChatNotFound) {
			s.sendError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to read messages")
		s.sendError(w, "failed to read messages", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, MessagesResponse{ChatID: chatID, Messages: messages})
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		s.sendError(w, "activity log is disabled", http.StatusNotFound)
		return
	}
	limit, err := s.parseLimit(r, s.opts.DefaultHistory, s.opts.HistoryLimit)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.activity.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read activity")
		s.sendError(w, "failed to read activity", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []interfaces.Activity{}
	}
	s.sendJSON(w, http.StatusOK, ActivityResponse{Activity: rows})
}

// pathParam returns a decoded route parameter. chi matches on the escaped
// path when one is present, so group names holding '/' arrive encoded.
func pathParam(r *http.Request, key string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, key))
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// parseLimit reads ?limit=, applying def when absent and clamping to ceiling.
func (s *Server) parseLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
