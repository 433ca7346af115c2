// Package dispatch routes work from the processor to agent workers. It is
// the only path to a worker: security pre-check, registry selection, task
// send, and bridge consumption all live behind DispatchToAgent.
package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrSecurityBlocked means the prompt matched a forbidden pattern. The
	// task was never sent.
	ErrSecurityBlocked = errors.New("dispatch blocked by security check")

	// ErrAgentUnavailable means no idle worker of the requested role
	// appeared within the selection wait. Retryable.
	ErrAgentUnavailable = errors.New("no agent available")

	// ErrCancelled means the owning event was cancelled while the task was
	// outstanding.
	ErrCancelled = errors.New("dispatch cancelled")
)

// AgentError is a task failure reported by (or on behalf of) a worker.
// Retryable errors (rate limits, timeouts) let the caller defer and retry;
// fatal ones (disconnect, non-retryable worker error) go back to the LLM
// to re-plan.
type AgentError struct {
	Message   string
	Retryable bool
}

func (e *AgentError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("agent error (%s): %s", kind, e.Message)
}

// IsRetryable reports whether err is a retryable dispatch failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAgentUnavailable) {
		return true
	}
	var ae *AgentError
	return errors.As(err, &ae) && ae.Retryable
}
