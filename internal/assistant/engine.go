// Package assistant drives runs on the hosted conversation engine and
// answers the tool calls the main agent makes while a run is in progress.
package assistant

import (
	"context"
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of a run as reported by the engine.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
	StatusCompleted      RunStatus = "completed"
	StatusIncomplete     RunStatus = "incomplete"
	StatusExpired        RunStatus = "expired"

	// StatusTimedOut is assigned locally when polling gives up.
	StatusTimedOut RunStatus = "timed_out"
)

// Active reports whether a run still blocks new messages on its thread.
func (s RunStatus) Active() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction, StatusCancelling:
		return true
	}
	return false
}

// ActionSubmitToolOutputs is the only required action the runner handles.
const ActionSubmitToolOutputs = "submit_tool_outputs"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Run is the engine's view of one assistant execution on a thread.
type Run struct {
	ID             string
	Status         RunStatus
	RequiredAction string
	ToolCalls      []ToolCall
	LastError      string
}

// ToolCall is a function invocation requested by the main agent.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers exactly one ToolCall.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

// Message is a thread message reduced to its text.
type Message struct {
	ID   string
	Role string
	Text string
}

// Tool declares a function the main agent may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Engine is the port to the hosted conversation engine. Implementations
// must be safe for concurrent use.
type Engine interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, role, content string) error

	// ListRuns returns the most recent runs on a thread.
	ListRuns(ctx context.Context, threadID string) ([]Run, error)
	CreateRun(ctx context.Context, threadID string, tools []Tool) (Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)

	// LatestMessages returns up to limit messages, newest first.
	LatestMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

var (
	// ErrRunTimeout means the run did not settle within the polling cap.
	ErrRunTimeout = errors.New("run timed out")

	// ErrUnexpectedAction means the run required something other than tool outputs.
	ErrUnexpectedAction = errors.New("run requires an unsupported action")

	// ErrTooManyToolRounds means the run kept asking for tool outputs.
	ErrTooManyToolRounds = errors.New("run exceeded tool round limit")

	// ErrNoAssistantReply means the run completed without a usable assistant message.
	ErrNoAssistantReply = errors.New("no assistant reply on thread")
)

// RunTerminalError reports a run that ended in failed, cancelled, expired
// or incomplete.
type RunTerminalError struct {
	RunID  string
	Status RunStatus
	Reason string
}

func (e *RunTerminalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s ended with status %s: %s", e.RunID, e.Status, e.Reason)
	}
	return fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
}
