package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/studio-bridge/internal/bridge"
	"github.com/workspace/studio-bridge/internal/hub"
	"github.com/workspace/studio-bridge/internal/presence"
	"github.com/workspace/studio-bridge/internal/protocol"
)

const (
	// identifyTimeout bounds how long a socket may stay unidentified.
	identifyTimeout = 10 * time.Second
	// closeFlushTimeout bounds how long a rejected socket waits for its
	// error frame to be written.
	closeFlushTimeout = time.Second
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header: the plugin and CLI clients never send one.
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.log.Warn("WebSocket origin rejected", "origin", origin)
			return false
		},
	}
}

// handleWS upgrades the connection, waits for the identify frame and then
// routes frames according to the admitted role.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if s.config.WSMaxMessageSize > 0 {
		ws.SetReadLimit(s.config.WSMaxMessageSize)
	}

	conn := hub.NewConn(fmt.Sprintf("conn-%d", s.connSeq.Add(1)), ws, s.config.WSSendBuffer)
	go conn.Run()
	defer func() {
		s.registry.Remove(conn)
		conn.Close()
	}()

	role, ok := s.awaitIdentify(r.Context(), ws, conn)
	if !ok {
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch role {
	case hub.RolePlugin:
		s.readLoop(ws, conn, s.handlePluginFrame)
	case hub.RoleObserver:
		s.readLoop(ws, conn, s.handleObserverFrame)
	}
}

// awaitIdentify reads frames until one identifies the connection. Frames
// sent before identification are answered with not_authenticated.
func (s *Server) awaitIdentify(ctx context.Context, ws *websocket.Conn, conn *hub.Conn) (hub.Role, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(identifyTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.log.Debug("Socket closed before identifying", "connID", conn.ID, "error", err)
			return hub.RoleNone, false
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.bcast.SendTo(conn, protocol.Error{Error: protocol.ErrCodeBadMessage})
			continue
		}
		id, ok := msg.(protocol.Identify)
		if !ok {
			s.bcast.SendTo(conn, protocol.Error{Error: protocol.ErrCodeNotAuthenticated})
			continue
		}

		role, err := hub.ParseRole(id.Role)
		if err == nil {
			err = s.registry.Identify(ctx, conn, role, id.Token)
		}
		if err != nil {
			s.reject(conn, err)
			return hub.RoleNone, false
		}

		welcome := protocol.Welcome{Role: string(role), Version: Version}
		if role == hub.RoleObserver {
			welcome.Studio = studioState(s.registry.HasPlugin())
		}
		s.bcast.SendTo(conn, welcome)
		return role, true
	}
}

// reject sends the error frame for a failed identification and waits for
// the write pump to flush it before the socket is torn down.
func (s *Server) reject(conn *hub.Conn, err error) {
	code := protocol.ErrCodeBadMessage
	switch {
	case errors.Is(err, hub.ErrUnauthorized):
		code = protocol.ErrCodeUnauthorized
	case errors.Is(err, hub.ErrRoleConflict):
		code = protocol.ErrCodeRoleConflict
		s.log.Warn("Another plugin tried to connect, rejecting", "connID", conn.ID)
	case errors.Is(err, hub.ErrUnknownRole):
		code = protocol.ErrCodeUnknownRole
	}
	s.log.Info("Identification rejected", "connID", conn.ID, "reason", code, "error", err)

	s.bcast.SendAndClose(conn, protocol.Error{Error: code})
	select {
	case <-conn.Done():
	case <-time.After(closeFlushTimeout):
	}
}

func (s *Server) readLoop(ws *websocket.Conn, conn *hub.Conn, handle func(*hub.Conn, protocol.Inbound)) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read error", "connID", conn.ID, "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Debug("Dropping undecodable frame", "connID", conn.ID, "error", err)
			s.bcast.SendTo(conn, protocol.Error{Error: protocol.ErrCodeBadMessage})
			continue
		}
		handle(conn, msg)
	}
}

// handlePluginFrame routes a frame from the plugin. Call results and
// session updates are consumed; everything else is relayed to observers.
func (s *Server) handlePluginFrame(conn *hub.Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.CallResult:
		s.calls.Resolve(m.CallID, bridge.Outcome{Success: m.Success, Result: m.Result, Error: m.Error})
	case protocol.SessionUpdate:
		if _, err := s.presence.Push(sessionFromUpdate(m)); err != nil {
			s.log.Debug("Dropping session update", "connID", conn.ID, "error", err)
		}
	case protocol.Ping:
		s.bcast.SendTo(conn, protocol.Pong{})
	case protocol.Command:
		s.bcast.ToObservers(protocol.Raw{Type: protocol.TypeCmd, Data: m.Raw})
	case protocol.PluginEvent:
		if m.Type.ServerOwned() {
			s.log.Warn("Dropping plugin frame with a bridge-owned type", "connID", conn.ID, "type", string(m.Type))
			return
		}
		s.bcast.ToObservers(protocol.Raw{Type: m.Type, Data: m.Raw})
	case protocol.Identify:
		s.bcast.SendTo(conn, protocol.Error{Error: protocol.ErrCodeBadMessage})
	}
}

// handleObserverFrame routes a frame from an observer. Only commands and
// pings are meaningful; commands go to the plugin verbatim.
func (s *Server) handleObserverFrame(conn *hub.Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Command:
		s.log.Debug("Relaying command to plugin", "connID", conn.ID, "cmd", m.Cmd)
		if !s.bcast.ToPlugin(protocol.Raw{Type: protocol.TypeCmd, Data: m.Raw}) {
			s.bcast.SendTo(conn, protocol.Error{Error: protocol.ErrCodeStudioNotConnected, Cmd: m.Cmd})
		}
	case protocol.Ping:
		s.bcast.SendTo(conn, protocol.Pong{})
	default:
		s.log.Debug("Ignoring observer frame", "connID", conn.ID, "type", fmt.Sprintf("%T", msg))
	}
}

func sessionFromUpdate(m protocol.SessionUpdate) presence.Session {
	return presence.Session{
		PlaceID:     m.PlaceID,
		GameID:      m.GameID,
		PlaceName:   m.PlaceName,
		IsPublished: m.IsPublished,
		SessionKey:  m.SessionKey,
	}
}

func studioState(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}
