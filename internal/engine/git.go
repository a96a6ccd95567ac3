package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

// Supported git operations.
const (
	GitStatus = "status"
	GitDiff   = "diff"
	GitLog    = "log"
	GitBranch = "branch"
	GitCommit = "commit"
)

// ExecuteGit accepts a git_operation request. It returns ErrBusy if an
// execution is already running. An unsupported operation is answered with an
// error git_response without occupying the execution slot and never drops the
// connection.
func (e *Engine) ExecuteGit(req wire.GitOperation) error {
	switch req.Operation {
	case GitStatus, GitDiff, GitLog, GitBranch, GitCommit:
	default:
		e.sink.Send(e.gitResponseMsg(req.Operation,
			fmt.Sprintf("Unsupported git operation: %s", req.Operation), wire.StatusError))
		return nil
	}

	if req.Operation == GitCommit && strings.TrimSpace(req.Options["message"]) == "" {
		e.sink.Send(e.gitResponseMsg(req.Operation, "Commit message is required", wire.StatusError))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DefaultTimeout)

	x, err := e.acquire(wire.TypeGitOperation, cancel)
	if err != nil {
		cancel()
		return err
	}
	e.recordStart(x, "git "+req.Operation)

	go e.runGit(ctx, cancel, x, req)
	return nil
}

func (e *Engine) runGit(ctx context.Context, cancel context.CancelFunc, x *execution, req wire.GitOperation) {
	defer cancel()
	defer e.release(x)

	data, status := e.gitOperation(ctx, req)

	if ctx.Err() == context.DeadlineExceeded {
		if x.finish(e.sink, e.gitResponseMsg(req.Operation, "git operation timed out", wire.StatusError)) {
			e.recordFinish(x, StatusTimedOut)
			logger.Warnf("session %s: git %s timed out", e.cfg.SessionID, req.Operation)
		}
		return
	}

	if x.finish(e.sink, e.gitResponseMsg(req.Operation, data, status)) {
		if status == wire.StatusSuccess {
			e.recordFinish(x, StatusCompleted)
		} else {
			e.recordFinish(x, StatusFailed)
		}
	}
}

// gitOperation runs the requested git subcommand and returns the response
// body plus success/error status.
func (e *Engine) gitOperation(ctx context.Context, req wire.GitOperation) (string, string) {
	switch req.Operation {
	case GitStatus:
		return e.git(ctx, "status", "--porcelain")

	case GitDiff:
		args := []string{"diff"}
		if req.Options["staged"] == "true" {
			args = append(args, "--staged")
		}
		if file := req.Options["file"]; file != "" {
			args = append(args, file)
		}
		return e.git(ctx, args...)

	case GitLog:
		limit := req.Options["limit"]
		if limit == "" {
			limit = "10"
		}
		return e.git(ctx, "log", "--oneline", "-n", limit)

	case GitBranch:
		return e.git(ctx, "branch", "-v")

	case GitCommit:
		if req.Options["add_all"] == "true" {
			if out, status := e.git(ctx, "add", "."); status == wire.StatusError {
				return out, status
			}
		}
		out, err := e.gitRaw(ctx, "commit", "-m", req.Options["message"])
		if err != nil {
			// A clean tree is informational, not a failure.
			if strings.Contains(out, "nothing to commit") {
				return "No changes to commit", wire.StatusSuccess
			}
			return fmt.Sprintf("Failed to commit: %v\n%s", err, out), wire.StatusError
		}
		return out, wire.StatusSuccess
	}
	return "", wire.StatusError
}

// git runs one git subcommand and folds the exit error into the status.
func (e *Engine) git(ctx context.Context, args ...string) (string, string) {
	out, err := e.gitRaw(ctx, args...)
	if err != nil {
		return fmt.Sprintf("Failed to execute git %s: %v\n%s", args[0], err, out), wire.StatusError
	}
	return out, wire.StatusSuccess
}

func (e *Engine) gitRaw(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = e.cfg.WorkDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (e *Engine) gitResponseMsg(operation, data, status string) wire.Message {
	msg, _ := wire.New(wire.TypeGitResponse, wire.GitResponse{
		Operation: operation,
		Data:      data,
		Status:    status,
	})
	msg.SessionID = e.cfg.SessionID
	msg.Status = status
	return msg
}
