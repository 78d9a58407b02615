package outbox

import "fmt"

// Status represents an outbox event lifecycle state.
type Status string

const (
	// StatusPending events are awaiting delivery or redelivery.
	StatusPending Status = "pending"
	// StatusSent events were delivered successfully. Terminal.
	StatusSent Status = "sent"
	// StatusDead events exhausted their retry budget or failed permanently.
	// They stay visible for inspection until explicitly replayed.
	StatusDead Status = "dead"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusSent, StatusDead:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// Pending may retry (stay pending), succeed, or dead-letter; dead may only be
// replayed back to pending; sent is terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusPending || next == StatusSent || next == StatusDead
	case StatusDead:
		return next == StatusPending
	case StatusSent:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
