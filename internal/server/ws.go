package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"go.uber.org/zap"
)

// session is the hub side of one websocket. A socket may act as the agent of
// one instance and as a viewer of one instance; subscribing or registering
// again moves it.
type session struct {
	h        *Handler
	conn     *wsConn
	logger   *zap.Logger
	agentOf  string
	viewerOf string
}

// ServeWS upgrades the request and serves the websocket protocol until the peer goes away
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	cfg := h.opts.Websocket
	conn := newWSConn(ws, cfg.SendQueue, cfg.WriteWait, cfg.PingInterval, h.logger)
	go conn.writePump()

	s := &session{
		h:      h,
		conn:   conn,
		logger: h.logger.With(zap.String("remote_addr", ws.RemoteAddr().String())),
	}
	if !h.track(s) {
		conn.Close()
		return
	}
	defer h.untrack(s)
	defer s.close()

	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	s.logger.Debug("Websocket client connected")
	conn.Send(protocol.Connected())

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && conn.IsOpen() {
				s.logger.Debug("Websocket read failed", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		s.handle(ctx, data)
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("Malformed websocket message", zap.Error(err))
		s.conn.Send(protocol.Error(err.Error()))
		return
	}

	h := s.h
	switch msg.Type {
	case protocol.TypePing:
		s.conn.Send(protocol.Pong())

	case protocol.TypeAgentRegister:
		if s.agentOf != "" && s.agentOf != msg.InstanceID {
			h.hub.RemoveAgent(s.agentOf, s.conn)
		}
		s.agentOf = msg.InstanceID
		h.hub.RegisterAgent(msg.InstanceID, s.conn)

	case protocol.TypeSubscribe:
		if s.viewerOf != "" && s.viewerOf != msg.InstanceID {
			h.hub.RemoveViewer(s.viewerOf, s.conn)
		}
		s.viewerOf = msg.InstanceID
		h.hub.AddViewer(msg.InstanceID, s.conn)

	case protocol.TypeLogLine:
		if !h.opts.RateLimiter.Allow(msg.InstanceID) {
			s.conn.Send(protocol.Error("rate limit exceeded"))
			return
		}
		if _, err := h.pipeline.Ingest(ctx, msg.InstanceID, msg.Text); err != nil {
			s.conn.Send(protocol.Error(err.Error()))
		}

	case protocol.TypeFixStarted:
		h.fixes.Started(msg.InstanceID, msg)

	case protocol.TypeFixResult:
		h.fixes.Reconcile(msg.InstanceID, msg)

	case protocol.TypeFixSkipped:
		h.fixes.Skipped(msg.InstanceID, msg)
	}
}

func (s *session) close() {
	s.conn.Close()
	if s.agentOf != "" {
		s.h.hub.RemoveAgent(s.agentOf, s.conn)
	}
	if s.viewerOf != "" {
		s.h.hub.RemoveViewer(s.viewerOf, s.conn)
	}
	s.logger.Debug("Websocket client disconnected")
}

func (h *Handler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// CloseSessions sends a close frame to every open websocket and refuses new
// ones. Register it with http.Server.RegisterOnShutdown, which leaves hijacked
// connections alone.
func (h *Handler) CloseSessions() {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsConn, 0, len(h.sessions))
	for s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		h.logger.Info("Closed websocket sessions", zap.Int("count", len(conns)))
	}
}
