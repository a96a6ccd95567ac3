// Package engine turns relayed command requests into supervised subprocesses
// with bounded lifetime and streamed output.
//
// Each authenticated session owns one Engine. An Engine runs at most one
// execution at a time and guarantees exactly one terminal response per
// execution, even under racing timeout, process-exit, and socket-close
// signals: the first terminal event wins and no output follows it.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// ErrBusy is returned when a request arrives while an execution is running.
var ErrBusy = errors.New("an execution is already running")

// Terminal execution statuses as recorded in the audit store.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// Sink delivers protocol messages back to the session's socket. Send reports
// whether the message was accepted; a false return means the peer is gone.
type Sink interface {
	Send(msg wire.Message) bool
}

// Recorder persists execution audit rows. Implemented by *database.DB.
type Recorder interface {
	RecordExecutionStart(requestID, sessionID, kind, command string, at time.Time) error
	RecordExecutionFinish(requestID, status string, at time.Time) error
}

// Config tunes one session's engine.
type Config struct {
	// SessionID identifies the owning session in logs and audit rows.
	SessionID string
	// AssistantBin is the assistant CLI binary; relayed assistant commands
	// must start with it.
	AssistantBin string
	// WorkDir is the working directory for spawned processes.
	WorkDir string
	// DefaultTimeout bounds executions that do not request a timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps client-requested timeouts.
	MaxTimeout time.Duration
}

// Engine supervises command executions for one session.
type Engine struct {
	cfg   Config
	sink  Sink
	audit Recorder

	mu      sync.Mutex
	current *execution
}

// New creates an Engine. audit may be nil.
func New(cfg Config, sink Sink, audit Recorder) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 1800 * time.Second
	}
	return &Engine{cfg: cfg, sink: sink, audit: audit}
}

// Busy reports whether an execution is currently running.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Cancel terminates the running execution, if any, without emitting anything
// to the peer. It is called when the session's socket closes.
func (e *Engine) Cancel() {
	e.mu.Lock()
	x := e.current
	e.mu.Unlock()
	if x == nil {
		return
	}
	if x.silence() {
		e.recordFinish(x, StatusCancelled)
		logger.Infof("session %s: execution %s cancelled", e.cfg.SessionID, x.id)
	}
	x.cancel()
}

// execution is one supervised run. Its mutex serializes every message sent on
// behalf of the run and gates the terminal flag.
type execution struct {
	id     string
	kind   string
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
	combined   []byte
}

// acquire reserves the engine's single execution slot.
func (e *Engine) acquire(kind string, cancel context.CancelFunc) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return nil, ErrBusy
	}
	x := &execution{
		id:     uuid.NewString(),
		kind:   kind,
		cancel: cancel,
	}
	e.current = x
	return x, nil
}

// release frees the slot if x still owns it.
func (e *Engine) release(x *execution) {
	e.mu.Lock()
	if e.current == x {
		e.current = nil
	}
	e.mu.Unlock()
}

// emit sends an intermediate message for x unless a terminal response has
// already been delivered.
func (x *execution) emit(sink Sink, msg wire.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.terminated {
		return false
	}
	return sink.Send(msg)
}

// appendOutput records a streamed chunk for inclusion in the final response.
func (x *execution) appendOutput(chunk []byte) {
	x.mu.Lock()
	x.combined = append(x.combined, chunk...)
	x.mu.Unlock()
}

// output returns the accumulated combined output.
func (x *execution) output() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return string(x.combined)
}

// finish delivers the terminal response for x. The first caller wins; later
// callers get false and nothing is sent.
func (x *execution) finish(sink Sink, msg wire.Message) bool {
	x.mu.Lock()
	if x.terminated {
		x.mu.Unlock()
		return false
	}
	x.terminated = true
	x.mu.Unlock()
	sink.Send(msg)
	return true
}

// silence marks x terminal without sending anything. Used on socket loss.
func (x *execution) silence() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.terminated {
		return false
	}
	x.terminated = true
	return true
}

func (e *Engine) recordStart(x *execution, command string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordExecutionStart(x.id, e.cfg.SessionID, x.kind, command, time.Now()); err != nil {
		logger.Warnf("session %s: audit start failed: %v", e.cfg.SessionID, err)
	}
}

func (e *Engine) recordFinish(x *execution, status string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordExecutionFinish(x.id, status, time.Now()); err != nil {
		logger.Warnf("session %s: audit finish failed: %v", e.cfg.SessionID, err)
	}
}

// timeoutFor clamps a requested timeout to the configured bounds.
func (e *Engine) timeoutFor(requestedSeconds int) time.Duration {
	timeout := e.cfg.DefaultTimeout
	if requestedSeconds > 0 {
		requested := time.Duration(requestedSeconds) * time.Second
		if requested <= e.cfg.MaxTimeout {
			timeout = requested
		}
	}
	return timeout
}
