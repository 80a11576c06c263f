// Package scheduler serializes access to a shared LLM inference engine.
// The engine holds the full model in GPU memory, so only a small number of
// generations may run at once; everything else waits in a bounded priority
// queue. Submissions beyond the queue capacity are rejected immediately
// rather than buffered, so overload is visible to callers instead of
// accumulating as latency.
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders queued requests. Higher values dispatch first; equal
// priorities dispatch in submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a wire name into a Priority. The empty string maps
// to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("scheduler: unknown priority %q (valid values: low, normal, high, urgent)", s)
	}
}

// State is the lifecycle state of a request. Transitions are monotonic:
// queued → running → streaming → one terminal state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Params describes one generation request.
type Params struct {
	// Prompt is the full prompt to generate from.
	Prompt string

	// Priority orders the request in the queue. Zero value is PriorityLow;
	// callers normally pass PriorityNormal.
	Priority Priority

	// MaxTokens caps generated tokens. 0 = engine default.
	MaxTokens int

	// Temperature controls randomness. 0 = engine default.
	Temperature float32

	// TopP is the nucleus sampling parameter. 0 = engine default.
	TopP float32

	// Requester identifies the submitting principal, for the audit trail
	// and the history ring. Free-form.
	Requester string
}

// Record is the immutable snapshot of a terminal request kept in the
// history ring.
type Record struct {
	// ID is the request identifier assigned at submission.
	ID string
	// Priority the request was submitted with.
	Priority Priority
	// Requester as given in Params.
	Requester string
	// State is the terminal state.
	State State
	// SubmittedAt is when Submit accepted the request.
	SubmittedAt time.Time
	// StartedAt is when the request left the queue. Zero when it never ran.
	StartedAt time.Time
	// FinishedAt is when the terminal state was reached.
	FinishedAt time.Time
	// Tokens is the number of tokens streamed before the terminal state.
	Tokens int
	// Err is the failure message. Empty on completion.
	Err string
}

// newRequestID returns a fresh request identifier.
func newRequestID() string {
	return uuid.NewString()
}
