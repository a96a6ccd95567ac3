package client

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/pairing"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// Version reported in the auth client_info.
const Version = "1.0.0"

// State is the connection state machine's public state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Line kinds for output events, mirroring the terminal display model.
const (
	LineCommand = "command"
	LineOutput  = "output"
	LineError   = "error"
	LineSystem  = "system"
)

// Line is one client-visible output event. Lines are delivered in the order
// their originating messages were received.
type Line struct {
	Kind string
	Text string
	Time time.Time
}

// State machine rejections.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrBusy             = errors.New("a command is already in flight")
	ErrConnectFailed    = errors.New("connect failed")
	ErrAuthFailed       = errors.New("authentication failed")
)

// authResultWait bounds how long Connect waits for the server's auth_result
// after the socket opens.
const authResultWait = 10 * time.Second

// Conn is the client connection state machine. It wraps one Transport with
// application semantics and enforces the single-outstanding-command rule
// locally. Construct one per active connection and pass it by handle; there
// is deliberately no process-wide instance.
type Conn struct {
	transport *Transport

	mu        sync.Mutex
	state     State
	executing bool
	streamed  bool
	sessionID string
	token     string
	host      string
	desc      pairing.Descriptor
	paired    bool
	authCh    chan wire.Message

	obsMu    sync.Mutex
	stateObs map[int]func(State)
	lineObs  map[int]func(Line)
	nextObs  int

	detach func()
}

// NewConn creates a connection state machine over the given transport.
func NewConn(transport *Transport) *Conn {
	c := &Conn{
		transport: transport,
		state:     StateDisconnected,
		stateObs:  make(map[int]func(State)),
		lineObs:   make(map[int]func(Line)),
	}
	c.detach = transport.Subscribe(c.handleEvent)
	return c
}

// Close detaches from the transport and disconnects.
func (c *Conn) Close() {
	c.Disconnect()
	if c.detach != nil {
		c.detach()
	}
}

// OnStateChange attaches a state observer; the returned function detaches it.
func (c *Conn) OnStateChange(fn func(State)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.stateObs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.stateObs, id)
		c.obsMu.Unlock()
	}
}

// OnLine attaches an output observer; the returned function detaches it.
func (c *Conn) OnLine(fn func(Line)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.lineObs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.lineObs, id)
		c.obsMu.Unlock()
	}
}

// CurrentState returns the connection state.
func (c *Conn) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Executing reports whether a command is outstanding.
func (c *Conn) Executing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// SessionID returns the server-assigned session id, if authenticated.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SessionToken returns the reconnect credential issued by the server.
func (c *Conn) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Host returns the last known host identity.
func (c *Conn) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Connect pairs with the host described by the descriptor: it opens the
// transport, authenticates with the pairing token, and settles in Connected
// or an error state.
func (c *Conn) Connect(d pairing.Descriptor) error {
	return c.connect(d, d.Token)
}

// Resume re-establishes a session with a previously paired host. It has the
// same contract as a fresh connect and is always caller-invoked; nothing
// reconnects implicitly. The stored session token is presented when one
// exists, falling back to the pairing token.
func (c *Conn) Resume() error {
	c.mu.Lock()
	if !c.paired {
		c.mu.Unlock()
		return fmt.Errorf("no paired host to resume")
	}
	d := c.desc
	credential := c.token
	c.mu.Unlock()

	if credential == "" {
		credential = d.Token
	}
	return c.connect(d, credential)
}

func (c *Conn) connect(d pairing.Descriptor, credential string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.desc = d
	c.paired = true
	c.host = d.Host
	authCh := make(chan wire.Message, 1)
	c.authCh = authCh
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	if !c.transport.Connect(d) {
		c.settle(StateDisconnected)
		c.emitLine(LineError, fmt.Sprintf("failed to connect to %s", d.Host))
		return ErrConnectFailed
	}

	authMsg, err := wire.New(wire.TypeAuth, wire.AuthRequest{
		Token: credential,
		ClientInfo: wire.ClientInfo{
			Platform: runtime.GOOS,
			Version:  Version,
		},
	})
	if err != nil || !c.transport.Send(authMsg) {
		c.transport.Disconnect()
		c.settle(StateDisconnected)
		return ErrConnectFailed
	}

	select {
	case result := <-authCh:
		if result.Type == "" {
			// The wait was aborted. An explicit disconnect already settled
			// Disconnected; anything else was the socket dying under us.
			if c.CurrentState() == StateDisconnected {
				return ErrConnectFailed
			}
			c.settle(StateError)
			c.emitLine(LineError, "connection closed during authentication")
			return ErrAuthFailed
		}
		if result.Type != wire.TypeAuthResult || result.Status != wire.StatusSuccess {
			c.transport.Disconnect()
			c.settle(StateError)
			c.emitLine(LineError, "authentication rejected by host")
			return ErrAuthFailed
		}
		var payload wire.AuthResult
		if err := result.DecodeData(&payload); err != nil {
			c.transport.Disconnect()
			c.settle(StateError)
			return ErrAuthFailed
		}
		c.mu.Lock()
		c.state = StateConnected
		c.sessionID = payload.SessionID
		c.token = payload.Token
		c.authCh = nil
		c.mu.Unlock()
		c.notifyState(StateConnected)
		c.emitLine(LineSystem, fmt.Sprintf("connected to %s (session %s)", d.Host, payload.SessionID))
		return nil

	case <-time.After(authResultWait):
		c.transport.Disconnect()
		c.settle(StateError)
		c.emitLine(LineError, "timed out waiting for authentication result")
		return ErrAuthFailed
	}
}

// Disconnect is the explicit teardown; valid from any state. A connect
// blocked on the auth result is aborted immediately and settles Disconnected.
func (c *Conn) Disconnect() {
	c.transport.Disconnect()
	c.mu.Lock()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.executing = false
	c.streamed = false
	authCh := c.authCh
	c.authCh = nil
	c.mu.Unlock()

	if authCh != nil {
		select {
		case authCh <- wire.Message{}:
		default:
		}
	}
	if changed {
		c.notifyState(StateDisconnected)
	}
}

// SubmitCommand relays an assistant command. It is rejected locally, with no
// network effect, unless the state machine is Connected and idle.
func (c *Conn) SubmitCommand(command string, opts wire.ExecuteOptions) error {
	payload := wire.AssistantExecute{Command: command, Options: opts}
	if err := c.beginExecution(); err != nil {
		return err
	}
	msg, err := wire.New(wire.TypeAssistantExecute, payload)
	if err != nil {
		c.clearExecution()
		return err
	}
	msg.SessionID = c.SessionID()
	if !c.transport.Send(msg) {
		c.clearExecution()
		return ErrNotConnected
	}
	c.emitLine(LineCommand, command)
	return nil
}

// SubmitGit relays a git operation under the same single-outstanding rule.
func (c *Conn) SubmitGit(operation string, options map[string]string) error {
	if err := c.beginExecution(); err != nil {
		return err
	}
	msg, err := wire.New(wire.TypeGitOperation, wire.GitOperation{
		Operation: operation,
		Options:   options,
	})
	if err != nil {
		c.clearExecution()
		return err
	}
	msg.SessionID = c.SessionID()
	if !c.transport.Send(msg) {
		c.clearExecution()
		return ErrNotConnected
	}
	c.emitLine(LineCommand, "git "+operation)
	return nil
}

// Ping sends a protocol-level liveness probe.
func (c *Conn) Ping() error {
	if c.CurrentState() != StateConnected {
		return ErrNotConnected
	}
	msg, err := wire.New(wire.TypePing, wire.Ping{Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	if !c.transport.Send(msg) {
		return ErrNotConnected
	}
	return nil
}

func (c *Conn) beginExecution() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if c.executing {
		return ErrBusy
	}
	c.executing = true
	c.streamed = false
	return nil
}

func (c *Conn) clearExecution() {
	c.mu.Lock()
	c.executing = false
	c.streamed = false
	c.mu.Unlock()
}

// markStreamed records that running output arrived for the outstanding
// command.
func (c *Conn) markStreamed() {
	c.mu.Lock()
	c.streamed = true
	c.mu.Unlock()
}

func (c *Conn) hasStreamed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamed
}

// settle moves to a terminal connect-attempt state and drops the auth waiter.
func (c *Conn) settle(s State) {
	c.mu.Lock()
	c.state = s
	c.authCh = nil
	c.mu.Unlock()
	c.notifyState(s)
}

// handleEvent consumes the transport event stream.
func (c *Conn) handleEvent(ev Event) {
	switch ev.Kind {
	case EventOpened:
		// Connect drives the post-open handshake.

	case EventMessage:
		c.handleMessage(ev.Message)

	case EventDecodeError:
		logger.Warnf("dropping malformed message from host: %v", ev.Err)
		c.emitLine(LineError, "received a malformed message from host")

	case EventError:
		logger.Debugf("transport error: %v", ev.Err)

	case EventClosed:
		c.mu.Lock()
		wasConnected := c.state == StateConnected
		if wasConnected {
			// Unexpected closure; explicit disconnects already settled.
			c.state = StateDisconnected
		}
		c.executing = false
		authCh := c.authCh
		c.authCh = nil
		c.mu.Unlock()

		if authCh != nil {
			// Abort a pending auth wait; the zero message fails it.
			select {
			case authCh <- wire.Message{}:
			default:
			}
		}
		if wasConnected {
			c.notifyState(StateDisconnected)
			c.emitLine(LineSystem, fmt.Sprintf("disconnected from host (%d %s)", ev.Code, ev.Reason))
		}
	}
}

func (c *Conn) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeAuthResult:
		c.mu.Lock()
		authCh := c.authCh
		c.mu.Unlock()
		if authCh != nil {
			select {
			case authCh <- msg:
			default:
			}
		}

	case wire.TypeAssistantOutput:
		var out wire.AssistantOutput
		if err := msg.DecodeData(&out); err != nil {
			logger.Warnf("bad assistant_output payload: %v", err)
			return
		}
		if out.Status == wire.OutputCompleted {
			// The completed message restates the accumulated output; only
			// display it when no running chunks were streamed, so the
			// transcript is shown exactly once.
			if out.Output != "" && !c.hasStreamed() {
				c.emitLine(LineOutput, out.Output)
			}
			c.clearExecution()
			return
		}
		if out.Output != "" {
			c.markStreamed()
			c.emitLine(LineOutput, out.Output)
		}

	case wire.TypeAssistantError:
		var payload wire.AssistantError
		if err := msg.DecodeData(&payload); err != nil {
			logger.Warnf("bad assistant_error payload: %v", err)
			payload.Error = "assistant execution failed"
		}
		c.emitLine(LineError, payload.Error)
		c.clearExecution()

	case wire.TypeGitResponse:
		var resp wire.GitResponse
		if err := msg.DecodeData(&resp); err != nil {
			logger.Warnf("bad git_response payload: %v", err)
			return
		}
		if resp.Status == wire.StatusError {
			c.emitLine(LineError, resp.Data)
		} else {
			c.emitLine(LineOutput, resp.Data)
		}
		c.clearExecution()

	case wire.TypeError:
		var payload wire.ErrorPayload
		if err := msg.DecodeData(&payload); err != nil {
			payload.Message = "host reported a protocol error"
		}
		c.emitLine(LineError, payload.Message)
		c.clearExecution()

	case wire.TypePing:
		pong, err := wire.New(wire.TypePong, wire.Ping{Timestamp: time.Now().UTC()})
		if err == nil {
			c.transport.Send(pong)
		}

	case wire.TypePong:
		logger.Tracef("pong from host")

	default:
		// Forward compatibility: never fatal.
		logger.Infof("ignoring unknown message type %q", msg.Type)
	}
}

func (c *Conn) notifyState(s State) {
	c.obsMu.Lock()
	fns := make([]func(State), 0, len(c.stateObs))
	for _, fn := range c.stateObs {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Conn) emitLine(kind, text string) {
	line := Line{Kind: kind, Text: text, Time: time.Now()}
	c.obsMu.Lock()
	fns := make([]func(Line), 0, len(c.lineObs))
	for _, fn := range c.lineObs {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}
