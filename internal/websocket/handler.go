package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Options tunes connection handling.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     100,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// EventHandler consumes frames read from connections.
type EventHandler interface {
	// Handle processes one text frame and reports whether the client asked
	// to end the connection.
	Handle(connID string, raw []byte) bool
	// Disconnect runs once when a connection ends, however it ended.
	Disconnect(connID string)
}

// Handler upgrades HTTP requests and pumps frames into an EventHandler.
type Handler struct {
	registry *Registry
	events   EventHandler
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a websocket endpoint.
func NewHandler(registry *Registry, events EventHandler, opts Options, logger zerolog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		events:   events,
		opts:     opts,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 || lo.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request, registers the connection and starts its
// read loop. The connection starts anonymous; identity comes from join_chat.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn := NewConnection(ws, h.opts, h.logger)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error().Err(err).Str("conn_id", conn.ID()).Msg("register failed")
		_ = conn.Close()
		return
	}
	h.logger.Debug().Str("conn_id", conn.ID()).Str("remote", r.RemoteAddr).Msg("connection opened")

	go h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.events.Disconnect(conn.ID())
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Debug().Str("conn_id", conn.ID()).Msg("connection closed")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("read failed")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if h.events.Handle(conn.ID(), data) {
			return
		}
	}
}
