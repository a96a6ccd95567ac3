package engine

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
)

// captureSink records every message the engine emits.
type captureSink struct {
	mu   sync.Mutex
	msgs []wire.Message
	ch   chan wire.Message
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan wire.Message, 64)}
}

func (s *captureSink) Send(m wire.Message) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	select {
	case s.ch <- m:
	default:
	}
	return true
}

func (s *captureSink) all() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// waitFor blocks until a message satisfying pred arrives or the timeout hits.
func (s *captureSink) waitFor(t *testing.T, timeout time.Duration, pred func(wire.Message) bool) wire.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m := <-s.ch:
			if pred(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message; got %d messages", len(s.all()))
			return wire.Message{}
		}
	}
}

func isTerminal(m wire.Message) bool {
	switch m.Type {
	case wire.TypeAssistantError, wire.TypeGitResponse:
		return true
	case wire.TypeAssistantOutput:
		var out wire.AssistantOutput
		if err := m.DecodeData(&out); err != nil {
			return false
		}
		return out.Status == wire.OutputCompleted
	}
	return false
}

func countTerminals(msgs []wire.Message) int {
	n := 0
	for _, m := range msgs {
		if isTerminal(m) {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, bin string) (*Engine, *captureSink) {
	t.Helper()
	sink := newCaptureSink()
	e := New(Config{
		SessionID:      "s1",
		AssistantBin:   bin,
		WorkDir:        t.TempDir(),
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     60 * time.Second,
	}, sink, nil)
	return e, sink
}

func TestAssistantExecuteCompletes(t *testing.T) {
	e, sink := newTestEngine(t, "echo")

	require.NoError(t, e.ExecuteAssistant(wire.AssistantExecute{Command: "echo hi"}))

	final := sink.waitFor(t, 5*time.Second, isTerminal)
	require.Equal(t, wire.TypeAssistantOutput, final.Type)

	var out wire.AssistantOutput
	require.NoError(t, final.DecodeData(&out))
	require.Equal(t, wire.OutputCompleted, out.Status)
	require.Equal(t, "hi\n", out.Output)

	require.Eventually(t, func() bool { return !e.Busy() }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, countTerminals(sink.all()))
}

func TestAssistantExecuteRejectsForeignCommand(t *testing.T) {
	e, sink := newTestEngine(t, "claude")

	require.NoError(t, e.ExecuteAssistant(wire.AssistantExecute{Command: "rm -rf /"}))

	final := sink.waitFor(t, time.Second, isTerminal)
	require.Equal(t, wire.TypeAssistantError, final.Type)
	require.False(t, e.Busy())
}

func TestSecondRequestWhileRunningIsRejected(t *testing.T) {
	e, sink := newTestEngine(t, "sleep")

	require.NoError(t, e.ExecuteAssistant(wire.AssistantExecute{Command: "sleep 2"}))
	require.Eventually(t, func() bool { return e.Busy() }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, e.ExecuteAssistant(wire.AssistantExecute{Command: "sleep 2"}), ErrBusy)
	require.ErrorIs(t, e.ExecuteGit(wire.GitOperation{Operation: GitStatus}), ErrBusy)

	e.Cancel()
	_ = sink
}

func TestAssistantExecuteTimeout(t *testing.T) {
	e, sink := newTestEngine(t, "sleep")

	start := time.Now()
	require.NoError(t, e.ExecuteAssistant(wire.AssistantExecute{
		Command: "sleep 5",
		Options: wire.ExecuteOptions{TimeoutSeconds: 1},
	}))

	final := sink.waitFor(t, 4*time.Second, isTerminal)
	require.Equal(t, wire.TypeAssistantError, final.Type)
	require.Less(t, time.Since(start), 3*time.Second)

	var errPayload wire.AssistantError
	require.NoError(t, final.DecodeData(&errPayload))
	require.Contains(t, errPayload.Error, "timed out")

	require.Eventually(t, func() bool { return !e.Busy() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, countTerminals(sink.all()))
}

func TestCancelEmitsNothing(t *testing.T) {
	e, sink := newTestEngine(t, "sleep")

	require.NoError(t, e.ExecuteAssistant(wire.AssistantExecute{Command: "sleep 5"}))
	require.Eventually(t, func() bool { return e.Busy() }, time.Second, 5*time.Millisecond)

	e.Cancel()

	require.Eventually(t, func() bool { return !e.Busy() }, 2*time.Second, 10*time.Millisecond)
	// The peer is gone; nothing may be emitted after cancellation.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, countTerminals(sink.all()))
}

func TestGitUnsupportedOperation(t *testing.T) {
	e, sink := newTestEngine(t, "echo")

	require.NoError(t, e.ExecuteGit(wire.GitOperation{Operation: "rebase"}))

	final := sink.waitFor(t, time.Second, isTerminal)
	require.Equal(t, wire.TypeGitResponse, final.Type)

	var resp wire.GitResponse
	require.NoError(t, final.DecodeData(&resp))
	require.Equal(t, "rebase", resp.Operation)
	require.Equal(t, wire.StatusError, resp.Status)
	require.Contains(t, resp.Data, "rebase")
	require.False(t, e.Busy())
}

func TestGitCommitNothingToCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "relay@test"},
		{"config", "user.name", "relay"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	sink := newCaptureSink()
	e := New(Config{
		SessionID:      "s1",
		AssistantBin:   "echo",
		WorkDir:        dir,
		DefaultTimeout: 30 * time.Second,
	}, sink, nil)

	require.NoError(t, e.ExecuteGit(wire.GitOperation{
		Operation: GitCommit,
		Options:   map[string]string{"message": "x"},
	}))

	final := sink.waitFor(t, 5*time.Second, isTerminal)
	var resp wire.GitResponse
	require.NoError(t, final.DecodeData(&resp))
	require.Equal(t, GitCommit, resp.Operation)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, "No changes to commit", resp.Data)
}

func TestGitCommitRequiresMessage(t *testing.T) {
	e, sink := newTestEngine(t, "echo")

	require.NoError(t, e.ExecuteGit(wire.GitOperation{Operation: GitCommit}))

	final := sink.waitFor(t, time.Second, isTerminal)
	var resp wire.GitResponse
	require.NoError(t, final.DecodeData(&resp))
	require.Equal(t, wire.StatusError, resp.Status)
	require.Contains(t, resp.Data, "message")
}
