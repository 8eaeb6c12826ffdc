package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine failure taxonomy. Callers branch with
// errors.Is; wrapped context travels via fmt.Errorf("...: %w", err).
var (
	// ErrDataMissing is raised when strict data mode sees a gap the feed
	// would otherwise have synthesized.
	ErrDataMissing = errors.New("data missing")

	// ErrInsufficientHistory is raised when feature computation is
	// attempted before warmup is met.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrAllAgentsFailed is fatal: every enabled agent raised on the
	// same bar.
	ErrAllAgentsFailed = errors.New("all agents failed")

	// ErrBrokerTimeout is surfaced after retries on a timed-out broker
	// call are exhausted.
	ErrBrokerTimeout = errors.New("broker timeout")

	// ErrKillSwitch blocks new entries while the kill switch is set.
	ErrKillSwitch = errors.New("kill switch engaged")

	// ErrNotPaperAccount is the live-start pre-flight failure when
	// BROKER_MODE=PAPER resolves to a non-paper account.
	ErrNotPaperAccount = errors.New("broker account is not a paper account")
)

// AgentError wraps a single agent failure with its attribution.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// BrokerRejectedError records a broker rejection; never fatal.
type BrokerRejectedError struct {
	OrderID string
	Reason  string
}

func (e *BrokerRejectedError) Error() string {
	return fmt.Sprintf("broker rejected order %s: %s", e.OrderID, e.Reason)
}
