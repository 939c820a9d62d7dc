package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay/internal/gate"
	"relay/internal/metrics"
	"relay/internal/router"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Admitter decides whether a handshake may proceed.
type Admitter interface {
	Admit(ctx context.Context, addr, token string) (*types.IdentityClaim, error)
	Throttled(addr string) bool
}

// RoomManager subscribes admitted connections and releases them on close.
type RoomManager interface {
	Admit(ctx context.Context, conn interfaces.Connection) []string
	Disconnect(ctx context.Context, conn interfaces.Connection, held []string) bool
}

// EventRouter handles decoded inbound events.
type EventRouter interface {
	Route(ctx context.Context, conn interfaces.Connection, ev *types.InboundEvent) error
}

// Options configures the socket behaviour of a Handler.
type Options struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	MaxMessageSize   int64
	MaxContentLength int
	AllowedOrigins   []string
}

// Handler upgrades HTTP requests, runs admission and then serves the
// connection until it closes.
type Handler struct {
	registry *Registry
	gate     Admitter
	rooms    RoomManager
	router   EventRouter
	metrics  *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, admitter Admitter, rooms RoomManager, events EventRouter, m *metrics.Metrics, opts Options) *Handler {
	h := &Handler{
		registry: registry,
		gate:     admitter,
		rooms:    rooms,
		router:   events,
		metrics:  m,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// tokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(auth)
	}
	return r.URL.Query().Get("token")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWebSocket upgrades the request and admits the connection. A
// refused connection receives one unauthorized event and a policy
// violation close frame. An address that has already been told it is rate
// limited gets a plain 429 without an upgrade until its window passes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r)
	token := tokenFromRequest(r)

	if h.gate.Throttled(addr) {
		zap.S().Debugw("connection throttled before upgrade",
			"remote_addr", addr,
		)
		h.metrics.ConnectionRejected(gate.CodeRateLimited)
		http.Error(w, gate.CodeRateLimited, http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Debugw("websocket upgrade failed",
			"remote_addr", addr,
			"error", err,
		)
		return
	}

	claim, err := h.gate.Admit(r.Context(), addr, token)
	if err != nil {
		h.reject(conn, addr, err)
		return
	}

	wsConn := NewConnection(conn, addr, h.opts.BufferSize, h.opts.WriteTimeout)
	wsConn.setClaim(claim)

	if err := h.registry.Add(wsConn); err != nil {
		zap.S().Errorw("failed to register connection",
			"user_id", claim.Subject,
			"error", err,
		)
		_ = wsConn.Close()
		return
	}

	h.metrics.ConnectionAccepted()
	h.rooms.Admit(context.Background(), wsConn)

	zap.S().Debugw("connection admitted",
		"connection_id", wsConn.ID(),
		"user_id", claim.Subject,
		"remote_addr", addr,
	)

	go h.handleConnection(wsConn)
}

func (h *Handler) reject(conn *websocket.Conn, addr string, err error) {
	code, detail := gate.CodeAuthFailed, ""
	var admissionErr *gate.AdmissionError
	if errors.As(err, &admissionErr) {
		code, detail = admissionErr.Code, admissionErr.Detail
	}

	zap.S().Warnw("connection rejected",
		"remote_addr", addr,
		"code", code,
		"error", err,
	)
	h.metrics.ConnectionRejected(code)

	frame, encErr := types.OutboundEvent{
		Event: types.EventUnauthorized,
		Data:  types.UnauthorizedPayload{Message: code, Detail: detail},
	}.Encode()

	deadline := time.Now().Add(h.opts.WriteTimeout)
	if encErr == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	_ = conn.Close()
}

// handleConnection runs the read loop and the heartbeat, and releases the
// connection's rooms and presence when either side closes.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		held := h.registry.Remove(conn)
		h.rooms.Disconnect(context.Background(), conn, held)
		_ = conn.Close()

		zap.S().Debugw("connection closed",
			"connection_id", conn.ID(),
			"user_id", conn.UserID(),
		)
	}()

	ws := conn.conn
	if h.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				zap.S().Debugw("websocket read failed",
					"connection_id", conn.ID(),
					"error", err,
				)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.dispatch(conn, data)
	}
}

func (h *Handler) dispatch(conn *Connection, frame []byte) {
	ev, err := types.DecodeInbound(frame, h.opts.MaxContentLength)
	if err == nil {
		err = h.router.Route(conn.ctx, conn, ev)
	}
	if err == nil {
		return
	}

	if err := conn.Send(types.OutboundEvent{
		Event: types.EventError,
		Data:  types.ErrorPayload{Message: router.ClientMessage(err)},
	}); err != nil {
		zap.S().Debugw("failed to send error event",
			"connection_id", conn.ID(),
			"error", err,
		)
	}
}

func (h *Handler) heartbeat(conn *Connection) {
	if h.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
