package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vircadia/vircadia-world-sub000/internal/query"
	"github.com/vircadia/vircadia-world-sub000/internal/session"
	"github.com/vircadia/vircadia-world-sub000/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsConn wraps one client WebSocket behind a write mutex so the registry's
// broadcast path and the read loop's responses never interleave frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Push(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) send(msgType, requestID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(protocol.Envelope{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now(),
		Payload:   body,
	})
	if err != nil {
		return
	}
	_ = c.Push(data)
}

// handleWorldWS is the world connection front door. Token and provider
// arrive as query parameters because browsers cannot set headers during
// the WebSocket handshake; access logs must be configured to exclude
// query strings.
func (s *Server) handleWorldWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	provider := r.URL.Query().Get("provider")

	res := s.validator.Validate(r.Context(), provider, token)
	if !res.Valid {
		writeError(w, http.StatusUnauthorized, res.Reason)
		return
	}

	// The token names a session; the backing record decides whether that
	// session may still connect. Agent mismatch means a token minted for a
	// different identity, which gets the same opaque rejection.
	rec, err := s.store.GetSessionRecord(r.Context(), res.SessionID)
	if err != nil {
		s.logger.Warn("session record lookup failed", "session_id", res.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil || rec.Expired(time.Now()) || rec.AgentID != res.AgentID {
		writeError(w, http.StatusUnauthorized, "Session expired or invalid")
		return
	}

	// Pre-check before the upgrade so the duplicate seat gets a clean HTTP
	// conflict. The authoritative check is the Register below; this one
	// only improves the error for the common case.
	if s.registry.Connected(res.SessionID) {
		writeError(w, http.StatusConflict, "Session already connected")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxWSMsgBytes)

	wc := &wsConn{conn: conn}
	if err := s.registry.Register(res.SessionID, res.AgentID, wc); err != nil {
		// Lost the race against a concurrent upgrade for the same session.
		_ = wc.Close("Session already connected")
		return
	}

	s.logger.Info("session connected", "session_id", res.SessionID, "agent_id", res.AgentID)

	defer func() {
		s.registry.Unregister(res.SessionID)
		if s.registry.AgentSessionCount(res.AgentID) == 0 {
			s.acl.Forget(res.AgentID)
		}
		_ = conn.Close()
		s.logger.Info("session disconnected", "session_id", res.SessionID, "agent_id", res.AgentID)
	}()

	// Recipient checks are fail-closed, so a session that only listens needs
	// its entry warmed here or it would never receive a delivery. A warm
	// failure keeps any previous entry and the connection proceeds.
	if err := s.acl.Warm(r.Context(), res.AgentID); err != nil {
		s.logger.Warn("acl warm on connect failed", "agent_id", res.AgentID, "error", err)
	}

	wc.send(protocol.TypeSessionInfo, "", protocol.SessionInfo{
		AgentID:   res.AgentID,
		SessionID: res.SessionID,
	})

	// Messages from one connection are handled strictly in arrival order:
	// the read loop does not hand off to workers.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			wc.send(protocol.TypeGeneralError, "", protocol.GeneralError{Error: "Malformed message"})
			continue
		}

		s.handleSessionMessage(r, wc, res.SessionID, res.AgentID, env)
	}
}

func (s *Server) handleSessionMessage(r *http.Request, wc *wsConn, sessionID, agentID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeQueryRequest:
		var req protocol.QueryRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			wc.send(protocol.TypeGeneralError, env.RequestID, protocol.GeneralError{Error: "Malformed message"})
			return
		}

		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		result, err := s.proxy.Execute(r.Context(), agentID, req.Query, req.Parameters, timeout)
		if err != nil {
			wc.send(protocol.TypeQueryResponse, env.RequestID, protocol.QueryResponse{
				Error: query.ClientMessage(err),
			})
			return
		}
		wc.send(protocol.TypeQueryResponse, env.RequestID, protocol.QueryResponse{Result: result})

	case protocol.TypeReflectPublish:
		var pub protocol.ReflectPublish
		if err := json.Unmarshal(env.Payload, &pub); err != nil {
			wc.send(protocol.TypeGeneralError, env.RequestID, protocol.GeneralError{Error: "Malformed message"})
			return
		}

		delivered, reason := s.fanout.Publish(r.Context(), sessionID, agentID, pub.SyncGroup, pub.Channel, pub.Payload)
		wc.send(protocol.TypeReflectAck, env.RequestID, protocol.ReflectAck{
			SyncGroup: pub.SyncGroup,
			Channel:   pub.Channel,
			Delivered: delivered,
			Error:     reason,
		})

	default:
		wc.send(protocol.TypeGeneralError, env.RequestID, protocol.GeneralError{Error: "Unknown message type"})
	}
}

var _ session.Conn = (*wsConn)(nil)
