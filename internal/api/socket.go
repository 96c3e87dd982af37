package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/cpf-advisor/internal/advisor"
)

const (
	socketReadLimit    = 64 << 10
	socketWriteTimeout = 10 * time.Second
)

// SocketManager tracks the one open chat WebSocket per session.
type SocketManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn // session key -> conn
}

// NewSocketManager creates a new socket manager.
func NewSocketManager() *SocketManager {
	return &SocketManager{active: make(map[string]*websocket.Conn)}
}

// GetActive returns the open connection for a session key.
func (m *SocketManager) GetActive(key string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

// Register records conn for key, closing any connection it replaces.
func (m *SocketManager) Register(key string, conn *websocket.Conn) {
	m.mu.Lock()
	existing, ok := m.active[key]
	m.active[key] = conn
	m.mu.Unlock()

	if ok && existing != conn {
		go closeConn(existing, websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	slog.Info("Chat socket registered", "session_key", key)
}

// Unregister removes conn if it is still the registered connection for key.
func (m *SocketManager) Unregister(key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[key]; ok && current == conn {
		delete(m.active, key)
		slog.Info("Chat socket unregistered", "session_key", key)
	}
}

// CloseSession closes the open connection for key, if any.
func (m *SocketManager) CloseSession(key string) {
	m.mu.Lock()
	conn, ok := m.active[key]
	delete(m.active, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	go closeConn(conn, websocket.StatusNormalClosure, "session expired")
	slog.Info("Chat socket closed", "session_key", key)
}

// closeConn runs the close handshake, which waits for the peer and must not hold the manager lock.
func closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if err := conn.Close(code, reason); err != nil {
		slog.Debug("Failed to close chat socket", "error", err)
	}
}

// socketMessage is the client frame format. Frames that are not JSON are treated as chat text.
type socketMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type socketReply struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// ChatSocket handles GET /ws/chat. Each text frame is one chat turn; replies are
// written in the order the turns were received.
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelWebSocket)
	slog.Info("WebSocket connection request", "user_id", ref.UserID, "session_id", ref.SessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !h.gate.Authorized(r, ref.UserID) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", ref.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", ref.UserID)
		}
	}()
	ws.SetReadLimit(socketReadLimit)

	key := ref.Key()
	h.sockets.Register(key, ws)
	defer h.sockets.Unregister(key, ws)

	h.chatLoop(r.Context(), ws, ref)
	slog.Info("Chat socket ended", "user_id", ref.UserID, "session_id", ref.SessionID)
}

func (h *Handler) chatLoop(ctx context.Context, ws *websocket.Conn, ref advisor.Ref) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", ref.UserID)
			} else {
				slog.Debug("WebSocket read ended", "error", err, "user_id", ref.UserID)
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = socketMessage{Type: "chat", Content: string(data)}
		}

		var reply socketReply
		switch msg.Type {
		case "ping":
			reply = socketReply{Type: "pong"}
		case "chat":
			answer, err := h.svc.Ask(ctx, ref, msg.Content)
			if err != nil {
				status, text := errorStatus(err)
				if status >= http.StatusInternalServerError {
					slog.Error("Chat turn failed", "error", err, "user_id", ref.UserID, "session_id", ref.SessionID)
				}
				reply = socketReply{Type: "error", Error: text, Status: status}
			} else {
				reply = socketReply{Type: "reply", Role: string(answer.Role), Content: answer.Content}
			}
		default:
			reply = socketReply{Type: "error", Error: "unknown message type", Status: http.StatusBadRequest}
		}

		if err := writeSocketJSON(ctx, ws, reply); err != nil {
			slog.Debug("Failed to write chat reply", "error", err, "user_id", ref.UserID)
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func writeSocketJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), socketWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
