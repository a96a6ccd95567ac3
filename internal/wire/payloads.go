package wire

import "time"

// ClientInfo describes the connecting client platform.
type ClientInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// AuthRequest is the client -> server "auth" payload. Token carries the
// pairing token from the bootstrap URI, or a previously issued session JWT.
type AuthRequest struct {
	Token      string     `json:"token"`
	ClientInfo ClientInfo `json:"client_info"`
}

// AuthResult is the server -> client "auth_result" payload. On success the
// server returns the minted session id and a signed token the client may
// present on reconnect. Message carries a human-readable reason on failure.
type AuthResult struct {
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ExecuteOptions tunes one assistant execution.
type ExecuteOptions struct {
	// Mode selects "batch" (separate stdout/stderr pipes) or "interactive"
	// (combined output under a pty).
	Mode string `json:"mode,omitempty"`
	// TimeoutSeconds bounds the execution; zero means the server default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// AssistantExecute is the client -> server "assistant_execute" payload.
type AssistantExecute struct {
	Command string         `json:"command"`
	Options ExecuteOptions `json:"options"`
}

// AssistantOutput is the server -> client "assistant_output" payload.
// Status is "running" for intermediate chunks and "completed" exactly once.
type AssistantOutput struct {
	Output string `json:"output"`
	Status string `json:"status"`
}

// AssistantError is the server -> client "assistant_error" payload. It is a
// terminal response for the execution it refers to.
type AssistantError struct {
	Error string `json:"error"`
}

// GitOperation is the client -> server "git_operation" payload. Operation is
// one of status, diff, commit, log, branch.
type GitOperation struct {
	Operation string            `json:"operation"`
	Options   map[string]string `json:"options,omitempty"`
}

// GitResponse is the server -> client "git_response" payload.
type GitResponse struct {
	Operation string `json:"operation"`
	Data      string `json:"data"`
	Status    string `json:"status"`
}

// Ping is the payload for "ping"/"pong" liveness messages.
type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the server -> client "error" payload for protocol-level
// failures not tied to one command.
type ErrorPayload struct {
	Message string `json:"message"`
}
