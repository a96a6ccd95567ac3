package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/engine"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024

	// badFrameTolerance is how many structurally unparsable frames a peer
	// may send before the socket is closed.
	badFrameTolerance = 3
)

// Session is one authenticated socket and its execution engine. Output from
// one session's executions is only ever delivered on this session's socket.
type Session struct {
	ID          string
	RemoteAddr  string
	Platform    string
	Version     string
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	server    *Server
	engine    *engine.Engine
	closeOnce sync.Once
	badFrames int
}

// Send marshals and queues a message for the session's socket. It reports
// false when the socket is gone or its send queue is saturated.
func (s *Session) Send(msg wire.Message) bool {
	raw, err := msg.Encode()
	if err != nil {
		logger.Errorf("session %s: encode %s: %v", s.ID, msg.Type, err)
		return false
	}
	select {
	case s.send <- raw:
		return true
	default:
		logger.Warnf("session %s: send queue full, closing", s.ID)
		s.close()
		return false
	}
}

// close tears the session down exactly once: the socket is closed, the
// running execution (if any) is cancelled without emitting, and the registry
// entry is removed.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.engine.Cancel()
		s.conn.Close()
		s.server.unregister(s)
	})
}

// readPump drives the session: it owns all reads on the socket and hands
// messages to the dispatcher. Execution output is produced concurrently by
// the engine and never blocks this loop.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("session %s: read: %v", s.ID, err)
			}
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			s.badFrames++
			logger.Warnf("session %s: dropping unparsable frame (%d/%d): %v",
				s.ID, s.badFrames, badFrameTolerance, err)
			if s.badFrames >= badFrameTolerance {
				logger.Warnf("session %s: too many unparsable frames, closing", s.ID)
				return
			}
			continue
		}
		s.badFrames = 0

		s.dispatch(msg)
	}
}

// writePump owns all writes on the socket and keeps the connection alive with
// protocol pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded message. Unknown types are logged and ignored
// so newer clients keep working against this server.
func (s *Session) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeAssistantExecute:
		var req wire.AssistantExecute
		if err := msg.DecodeData(&req); err != nil {
			logger.Warnf("session %s: bad assistant_execute payload: %v", s.ID, err)
			s.Send(s.server.errorMsg(s.ID, "invalid assistant_execute payload"))
			return
		}
		if err := s.engine.ExecuteAssistant(req); err != nil {
			s.Send(s.server.errorMsg(s.ID, err.Error()))
		}

	case wire.TypeGitOperation:
		var req wire.GitOperation
		if err := msg.DecodeData(&req); err != nil {
			logger.Warnf("session %s: bad git_operation payload: %v", s.ID, err)
			s.Send(s.server.errorMsg(s.ID, "invalid git_operation payload"))
			return
		}
		if err := s.engine.ExecuteGit(req); err != nil {
			s.Send(s.server.errorMsg(s.ID, err.Error()))
		}

	case wire.TypePing:
		pong, _ := wire.New(wire.TypePong, wire.Ping{Timestamp: time.Now().UTC()})
		pong.SessionID = s.ID
		s.Send(pong)

	case wire.TypePong:
		// Liveness only.

	case wire.TypeAuth:
		// Already authenticated; a repeated auth has no effect.
		logger.Debugf("session %s: ignoring repeated auth", s.ID)

	default:
		logger.Infof("session %s: ignoring unknown message type %q", s.ID, msg.Type)
	}
}
