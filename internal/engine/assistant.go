package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// ModeInteractive runs the assistant under a pty with combined output;
// anything else gets separate stdout/stderr pipes.
const ModeInteractive = "interactive"

// ExecuteAssistant accepts an assistant_execute request. It returns ErrBusy
// if an execution is already running; every other failure is reported to the
// peer as a terminal assistant_error and nil is returned.
func (e *Engine) ExecuteAssistant(req wire.AssistantExecute) error {
	parts := strings.Fields(req.Command)
	if len(parts) == 0 {
		e.sink.Send(e.assistantErrorMsg("empty command"))
		return nil
	}
	if parts[0] != e.cfg.AssistantBin {
		e.sink.Send(e.assistantErrorMsg(fmt.Sprintf("invalid command: must start with %q", e.cfg.AssistantBin)))
		return nil
	}

	timeout := e.timeoutFor(req.Options.TimeoutSeconds)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	x, err := e.acquire(wire.TypeAssistantExecute, cancel)
	if err != nil {
		cancel()
		return err
	}
	e.recordStart(x, req.Command)

	go e.runAssistant(ctx, cancel, x, parts, req.Options.Mode)
	return nil
}

func (e *Engine) runAssistant(ctx context.Context, cancel context.CancelFunc, x *execution, argv []string, mode string) {
	defer cancel()
	defer e.release(x)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.cfg.WorkDir

	var runErr error
	if mode == ModeInteractive {
		runErr = e.runUnderPty(x, cmd)
	} else {
		runErr = e.runWithPipes(x, cmd)
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		if x.finish(e.sink, e.assistantErrorMsg("execution timed out")) {
			e.recordFinish(x, StatusTimedOut)
			logger.Warnf("session %s: execution %s timed out", e.cfg.SessionID, x.id)
		}
	case runErr != nil:
		if x.finish(e.sink, e.assistantErrorMsg(fmt.Sprintf("command failed: %v", runErr))) {
			e.recordFinish(x, StatusFailed)
		}
	default:
		msg := e.assistantOutputMsg(x.output(), wire.OutputCompleted)
		if x.finish(e.sink, msg) {
			e.recordFinish(x, StatusCompleted)
			logger.Debugf("session %s: execution %s completed", e.cfg.SessionID, x.id)
		}
	}
}

// runWithPipes streams stdout and stderr line by line.
func (e *Engine) runWithPipes(x *execution, cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.streamLines(x, stdout)
	}()
	go func() {
		defer wg.Done()
		e.streamLines(x, stderr)
	}()

	wg.Wait()
	return cmd.Wait()
}

// runUnderPty runs the process on a pseudo-terminal, streaming the combined
// output as it arrives.
func (e *Engine) runUnderPty(x *execution, cmd *exec.Cmd) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			x.appendOutput(chunk)
			x.emit(e.sink, e.assistantOutputMsg(string(chunk), wire.OutputRunning))
		}
		if readErr != nil {
			// The pty returns EIO when the child exits; that is normal.
			break
		}
	}
	return cmd.Wait()
}

// streamLines forwards subprocess output lines in the order they arrive.
func (e *Engine) streamLines(x *execution, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		x.appendOutput([]byte(line + "\n"))
		x.emit(e.sink, e.assistantOutputMsg(line, wire.OutputRunning))
	}
	if err := scanner.Err(); err != nil {
		logger.Debugf("session %s: output stream ended: %v", e.cfg.SessionID, err)
	}
}

func (e *Engine) assistantOutputMsg(output, status string) wire.Message {
	msg, _ := wire.New(wire.TypeAssistantOutput, wire.AssistantOutput{
		Output: output,
		Status: status,
	})
	msg.SessionID = e.cfg.SessionID
	if status == wire.OutputCompleted {
		msg.Status = wire.StatusSuccess
	}
	return msg
}

func (e *Engine) assistantErrorMsg(reason string) wire.Message {
	msg, _ := wire.New(wire.TypeAssistantError, wire.AssistantError{Error: reason})
	msg.SessionID = e.cfg.SessionID
	msg.Status = wire.StatusError
	return msg
}
