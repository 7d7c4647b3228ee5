// Package sandbox is the thin client contract over the remote execution
// service. Each sandbox is an isolated environment exposing file and
// command primitives; one sandbox is exclusively owned by one render pass.
package sandbox

import (
	"context"
	"time"
)

// Entry is one directory listing item.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// CommandResult is the outcome of one shell command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Handle is one connected sandbox.
type Handle interface {
	ID() string
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListDir(ctx context.Context, path string) ([]Entry, error)
	// RunCommand executes a shell command. A zero timeout disables the
	// transport-level deadline; long commands are expected to carry their
	// own in-command wall-clock cap instead, so the two never race.
	RunCommand(ctx context.Context, command string, timeout time.Duration) (CommandResult, error)
	Kill(ctx context.Context) error
}

// Client creates and reconnects sandboxes.
type Client interface {
	Create(ctx context.Context, templateID string, timeout time.Duration) (Handle, error)
	Connect(ctx context.Context, sandboxID string, timeout time.Duration) (Handle, error)
}
