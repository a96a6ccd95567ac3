// Package client implements the operator side of the relay protocol: the
// transport session owning one physical socket, the connection state machine
// layered on top of it, and the known-host store.
package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/pairing"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// EventKind discriminates transport events.
type EventKind int

const (
	// EventOpened fires once when the socket reaches the open state.
	EventOpened EventKind = iota
	// EventMessage carries one decoded inbound message.
	EventMessage
	// EventDecodeError reports an inbound frame that failed to parse; the
	// session remains open.
	EventDecodeError
	// EventError reports a transport fault.
	EventError
	// EventClosed fires once when the socket is gone, normally or not.
	EventClosed
)

// Event is one transport-session event.
type Event struct {
	Kind    EventKind
	Message wire.Message
	Err     error
	Code    int
	Reason  string
}

// DefaultConnectTimeout bounds connection establishment. This is the only
// place a timer governs connect.
const DefaultConnectTimeout = 10 * time.Second

// Transport owns one physical socket. Side effects are observed only through
// the subscribed event stream.
type Transport struct {
	connectTimeout time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// NewTransport creates a Transport with the default connect timeout.
func NewTransport() *Transport {
	return &Transport{
		connectTimeout: DefaultConnectTimeout,
		observers:      make(map[int]func(Event)),
	}
}

// SetConnectTimeout overrides the connect timeout. Zero restores the default.
func (t *Transport) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultConnectTimeout
	}
	t.connectTimeout = d
}

// Subscribe attaches an observer and returns its detach function. Observers
// may attach and detach at any point of a connection's lifecycle.
func (t *Transport) Subscribe(fn func(Event)) func() {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

func (t *Transport) emit(ev Event) {
	t.obsMu.Lock()
	fns := make([]func(Event), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Connect opens one socket to the descriptor's address. It fails fast when a
// connect is already in flight or a socket is already open, and resolves
// false for any failure to reach the open state within the connect timeout.
func (t *Transport) Connect(d pairing.Descriptor) bool {
	t.mu.Lock()
	if t.connecting || t.conn != nil {
		t.mu.Unlock()
		return false
	}
	t.connecting = true
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.connectTimeout}
	conn, _, err := dialer.Dial(d.URL(), nil)

	t.mu.Lock()
	t.connecting = false
	if err != nil {
		t.mu.Unlock()
		logger.Debugf("transport: connect to %s failed: %v", d.Host, err)
		t.emit(Event{Kind: EventError, Err: err})
		return false
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	t.emit(Event{Kind: EventOpened})
	return true
}

// IsOpen reports whether the socket is in the open state.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send serializes and transmits one message. It is a no-op returning false
// when the socket is not open.
func (t *Transport) Send(msg wire.Message) bool {
	raw, err := msg.Encode()
	if err != nil {
		logger.Errorf("transport: encode %s: %v", msg.Type, err)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return false
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Debugf("transport: write %s: %v", msg.Type, err)
		return false
	}
	return true
}

// Disconnect issues a normal closure if open and clears the socket. It is
// idempotent and safe to call from any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}

// readLoop delivers inbound messages in arrival order until the socket dies.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}

			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()

			t.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			// A malformed payload must not kill the session.
			t.emit(Event{Kind: EventDecodeError, Err: err})
			continue
		}
		t.emit(Event{Kind: EventMessage, Message: msg})
	}
}
