package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/msg-gateway/internal/protocol"
)

// createUpgrader builds a websocket upgrader with origin validation.
func createUpgrader(cfg wsUpgradeConfig) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  cfg.readBufferSize,
		WriteBufferSize: cfg.writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin header.
				return true
			}
			if originAllowed(origin, cfg.allowedOrigins) {
				return true
			}
			slog.Warn("Rejected WebSocket origin", "origin", origin)
			return false
		},
	}
}

type wsUpgradeConfig struct {
	readBufferSize  int
	writeBufferSize int
	allowedOrigins  []string
}

// wsConn wraps a websocket connection behind the registry's Conn interface.
// Writes are serialized because gorilla connections allow only one
// concurrent writer.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env protocol.Outbound) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *wsConn) IsOpen() bool { return !c.closed.Load() }

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// handleWS upgrades the request and runs the read loop until the client
// disconnects. Session operations run on a background context so an
// in-flight creation is not cancelled by the socket closing.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.validator != nil {
		if err := s.authorize(r); err != nil {
			slog.Warn("Rejected WebSocket auth", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	upgrader := createUpgrader(wsUpgradeConfig{
		readBufferSize:  s.config.WSReadBufferSize,
		writeBufferSize: s.config.WSWriteBufferSize,
		allowedOrigins:  s.config.AllowedOrigins,
	})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	wc := newWSConn(conn)
	slog.Info("WebSocket connected", "connId", wc.ID(), "remote", r.RemoteAddr)

	boundID := s.readLoop(wc)

	wc.Close()
	s.manager.HandleDisconnect(wc, boundID)
	slog.Info("WebSocket disconnected", "connId", wc.ID(), "sessionId", boundID)
}

// readLoop dispatches inbound envelopes until the connection errors out.
// It returns the session id the connection was bound to, if any.
func (s *Server) readLoop(wc *wsConn) string {
	ctx := context.Background()
	boundID := ""

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "connId", wc.ID(), "error", err)
			}
			return boundID
		}

		env, perr := protocol.ParseInbound(data)
		if perr != nil {
			wc.Send(protocol.ErrorMessage(perr.Error()))
			continue
		}

		switch msg := env.(type) {
		case protocol.Init:
			if id := s.manager.Attach(ctx, wc, msg.Fingerprint); id != "" {
				boundID = id
			}
		case protocol.Send:
			if boundID == "" {
				wc.Send(protocol.ErrorMessage("not initialized, send init first"))
				continue
			}
			s.manager.Send(ctx, wc, boundID, msg.Target, msg.Body)
		case protocol.Logout:
			if boundID == "" {
				wc.Send(protocol.ErrorMessage("not initialized, send init first"))
				continue
			}
			s.manager.Logout(ctx, wc, boundID)
			boundID = ""
		}
	}
}

// authorize checks the bearer token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the "token" query
// parameter.
func (s *Server) authorize(r *http.Request) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	_, err := s.validator.Validate(token)
	return err
}
