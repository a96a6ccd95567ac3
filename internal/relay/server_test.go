package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/auth"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/config"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
)

const testToken = "abc123"

func newTestServer(t *testing.T, assistantBin string) (*Server, string) {
	t.Helper()

	cfg := &config.Config{
		AssistantBin:   assistantBin,
		WorkDir:        t.TempDir(),
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     60 * time.Second,
	}
	authMgr, err := auth.NewManager(testToken)
	require.NoError(t, err)

	srv := NewServer(cfg, authMgr, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", srv.HandleWebSocket)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := wire.New(msgType, payload)
	require.NoError(t, err)
	raw, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func recv(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(raw)
	require.NoError(t, err)
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, wire.TypeAuth, wire.AuthRequest{
		Token:      testToken,
		ClientInfo: wire.ClientInfo{Platform: "test", Version: "1.0"},
	})
	msg := recv(t, conn)
	require.Equal(t, wire.TypeAuthResult, msg.Type)
	require.Equal(t, wire.StatusSuccess, msg.Status)

	var result wire.AuthResult
	require.NoError(t, msg.DecodeData(&result))
	require.NotEmpty(t, result.SessionID)
	require.NotEmpty(t, result.Token)
	return result.SessionID
}

func TestHappyPathExecute(t *testing.T) {
	srv, wsURL := newTestServer(t, "echo")
	conn := dial(t, wsURL)

	sessionID := authenticate(t, conn)
	require.Equal(t, 1, srv.SessionCount())

	send(t, conn, wire.TypeAssistantExecute, wire.AssistantExecute{Command: "echo hi"})

	for {
		msg := recv(t, conn)
		require.Equal(t, wire.TypeAssistantOutput, msg.Type)
		require.Equal(t, sessionID, msg.SessionID)

		var out wire.AssistantOutput
		require.NoError(t, msg.DecodeData(&out))
		if out.Status == wire.OutputRunning {
			continue
		}
		require.Equal(t, wire.OutputCompleted, out.Status)
		require.Equal(t, "hi\n", out.Output)
		break
	}
}

func TestInvalidTokenClosesSocket(t *testing.T) {
	srv, wsURL := newTestServer(t, "echo")
	conn := dial(t, wsURL)

	send(t, conn, wire.TypeAuth, wire.AuthRequest{Token: "bad"})

	msg := recv(t, conn)
	require.Equal(t, wire.TypeAuthResult, msg.Type)
	require.Equal(t, wire.StatusError, msg.Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "socket must be closed after failed auth")
	require.Equal(t, 0, srv.SessionCount())
}

func TestRelayBeforeAuthIsRejected(t *testing.T) {
	srv, wsURL := newTestServer(t, "echo")
	conn := dial(t, wsURL)

	send(t, conn, wire.TypeAssistantExecute, wire.AssistantExecute{Command: "echo hi"})

	msg := recv(t, conn)
	require.Equal(t, wire.TypeError, msg.Type)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "socket must be closed after pre-auth relay attempt")
	require.Equal(t, 0, srv.SessionCount())
}

func TestUnknownTypeIgnored(t *testing.T) {
	_, wsURL := newTestServer(t, "echo")
	conn := dial(t, wsURL)
	authenticate(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"unsupported_future_type","timestamp":"2025-01-02T03:04:05Z"}`)))

	// The connection stays open and subsequent messages are processed.
	send(t, conn, wire.TypePing, wire.Ping{Timestamp: time.Now()})
	msg := recv(t, conn)
	require.Equal(t, wire.TypePong, msg.Type)
}

func TestSecondExecuteRejectedWithError(t *testing.T) {
	_, wsURL := newTestServer(t, "sleep")
	conn := dial(t, wsURL)
	authenticate(t, conn)

	send(t, conn, wire.TypeAssistantExecute, wire.AssistantExecute{Command: "sleep 2"})
	send(t, conn, wire.TypeAssistantExecute, wire.AssistantExecute{Command: "sleep 2"})

	msg := recv(t, conn)
	require.Equal(t, wire.TypeError, msg.Type)

	var payload wire.ErrorPayload
	require.NoError(t, msg.DecodeData(&payload))
	require.Contains(t, payload.Message, "already running")
}

func TestUnparsableFramesCloseAfterTolerance(t *testing.T) {
	_, wsURL := newTestServer(t, "echo")
	conn := dial(t, wsURL)
	authenticate(t, conn)

	for i := 0; i < badFrameTolerance; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "socket must be closed after repeated unparsable frames")
}

func TestSessionsAreIsolated(t *testing.T) {
	srv, wsURL := newTestServer(t, "echo")

	connA := dial(t, wsURL)
	idA := authenticate(t, connA)
	connB := dial(t, wsURL)
	idB := authenticate(t, connB)

	require.NotEqual(t, idA, idB)
	require.Equal(t, 2, srv.SessionCount())

	// A's output goes only to A; B sees nothing.
	send(t, connA, wire.TypeAssistantExecute, wire.AssistantExecute{Command: "echo ours"})
	for {
		msg := recv(t, connA)
		require.Equal(t, idA, msg.SessionID)
		var out wire.AssistantOutput
		require.NoError(t, msg.DecodeData(&out))
		if out.Status == wire.OutputCompleted {
			break
		}
	}

	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := connB.ReadMessage()
	require.Error(t, err, "B must not receive A's output")

	connA.Close()
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	info := srv.Sessions()
	require.Len(t, info, 1)
	require.Equal(t, idB, info[0].ID)
}
