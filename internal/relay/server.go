// Package relay hosts the server side of the command relay protocol: the
// websocket endpoint, the per-socket authentication gate, and the registry of
// live sessions.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/auth"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/config"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/database"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/engine"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Pairing happens on trusted local/VPN networks; the session token
		// is the authentication boundary, not the Origin header.
		return true
	},
}

// authWait bounds how long an unauthenticated socket may sit before sending
// its auth message.
const authWait = 10 * time.Second

// Server accepts websocket connections and tracks one Session per socket.
type Server struct {
	cfg  *config.Config
	auth *auth.Manager
	db   *database.DB

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates the relay server. db may be nil (no audit persistence).
func NewServer(cfg *config.Config, authMgr *auth.Manager, db *database.DB) *Server {
	return &Server{
		cfg:      cfg,
		auth:     authMgr,
		db:       db,
		sessions: make(map[string]*Session),
	}
}

// HandleWebSocket upgrades an HTTP request on /ws and runs the session until
// the socket closes. No relay happens before authentication succeeds.
func (srv *Server) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	session, ok := srv.authenticate(conn, c.Request.RemoteAddr)
	if !ok {
		conn.Close()
		return
	}

	srv.register(session)

	go session.writePump()
	session.readPump()
}

// authenticate enforces the auth-first contract: the first frame must be an
// auth message with a valid credential. Anything else is answered and the
// socket is reported unusable.
func (srv *Server) authenticate(conn *websocket.Conn, remoteAddr string) (*Session, bool) {
	conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		logger.Warnf("auth read from %s failed: %v", remoteAddr, err)
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := wire.Decode(raw)
	if err != nil {
		logger.Warnf("unparsable auth frame from %s: %v", remoteAddr, err)
		srv.writeDirect(conn, srv.errorMsg("", "expected auth message"))
		return nil, false
	}

	if msg.Type != wire.TypeAuth {
		// Any relay attempt on an unauthenticated socket is a protocol
		// error; answer and drop the connection.
		logger.Warnf("%s sent %q before auth", remoteAddr, msg.Type)
		srv.writeDirect(conn, srv.errorMsg("", "authentication required"))
		return nil, false
	}

	var req wire.AuthRequest
	if err := msg.DecodeData(&req); err != nil || !srv.auth.Authenticate(req.Token) {
		logger.Warnf("auth from %s rejected", remoteAddr)
		srv.writeDirect(conn, srv.authResultMsg("", "", "invalid token", wire.StatusError))
		return nil, false
	}

	sessionID := auth.NewSessionID()
	token, err := srv.auth.IssueToken(sessionID, remoteAddr, req.ClientInfo.Platform)
	if err != nil {
		logger.Errorf("issue token for %s: %v", remoteAddr, err)
		srv.writeDirect(conn, srv.authResultMsg("", "", "failed to issue session token", wire.StatusError))
		return nil, false
	}

	session := &Session{
		ID:          sessionID,
		RemoteAddr:  remoteAddr,
		Platform:    req.ClientInfo.Platform,
		Version:     req.ClientInfo.Version,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, 256),
		server:      srv,
	}
	session.engine = engine.New(engine.Config{
		SessionID:      sessionID,
		AssistantBin:   srv.cfg.AssistantBin,
		WorkDir:        srv.cfg.WorkDir,
		DefaultTimeout: srv.cfg.DefaultTimeout,
		MaxTimeout:     srv.cfg.MaxTimeout,
	}, session, srv.recorder())

	if !srv.writeDirect(conn, srv.authResultMsg(sessionID, token, "", wire.StatusSuccess)) {
		return nil, false
	}

	logger.Infof("session %s authenticated from %s (%s %s)",
		sessionID, remoteAddr, req.ClientInfo.Platform, req.ClientInfo.Version)
	return session, true
}

// writeDirect writes a message synchronously, used only before the write
// pump exists.
func (srv *Server) writeDirect(conn *websocket.Conn, msg wire.Message) bool {
	raw, err := msg.Encode()
	if err != nil {
		logger.Errorf("encode %s: %v", msg.Type, err)
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Warnf("write %s: %v", msg.Type, err)
		return false
	}
	return true
}

func (srv *Server) register(s *Session) {
	srv.mu.Lock()
	srv.sessions[s.ID] = s
	srv.mu.Unlock()

	if srv.db != nil {
		if err := srv.db.RecordSessionConnect(s.ID, s.RemoteAddr, s.Platform, s.ConnectedAt); err != nil {
			logger.Warnf("session %s: audit connect failed: %v", s.ID, err)
		}
	}
}

func (srv *Server) unregister(s *Session) {
	srv.mu.Lock()
	_, present := srv.sessions[s.ID]
	delete(srv.sessions, s.ID)
	srv.mu.Unlock()
	if !present {
		return
	}

	if srv.db != nil {
		if err := srv.db.RecordSessionDisconnect(s.ID, time.Now()); err != nil {
			logger.Warnf("session %s: audit disconnect failed: %v", s.ID, err)
		}
	}
	logger.Infof("session %s disconnected", s.ID)
}

func (srv *Server) recorder() engine.Recorder {
	if srv.db == nil {
		return nil
	}
	return srv.db
}

// SessionInfo is the per-session metadata exposed to the status surface.
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Executing   bool      `json:"executing"`
}

// Sessions enumerates the live sessions.
func (srv *Server) Sessions() []SessionInfo {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	out := make([]SessionInfo, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, SessionInfo{
			ID:          s.ID,
			RemoteAddr:  s.RemoteAddr,
			Platform:    s.Platform,
			Version:     s.Version,
			ConnectedAt: s.ConnectedAt,
			Executing:   s.engine.Busy(),
		})
	}
	return out
}

// SessionCount returns the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// Close disconnects every live session.
func (srv *Server) Close() {
	srv.mu.RLock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.RUnlock()

	for _, s := range sessions {
		s.close()
	}
}

func (srv *Server) errorMsg(sessionID, reason string) wire.Message {
	msg, _ := wire.New(wire.TypeError, wire.ErrorPayload{Message: reason})
	msg.SessionID = sessionID
	msg.Status = wire.StatusError
	return msg
}

func (srv *Server) authResultMsg(sessionID, token, reason, status string) wire.Message {
	msg, _ := wire.New(wire.TypeAuthResult, wire.AuthResult{
		SessionID: sessionID,
		Token:     token,
		Message:   reason,
	})
	msg.SessionID = sessionID
	msg.Status = status
	return msg
}
