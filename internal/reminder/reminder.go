// Package reminder holds the reminder entity, its status machine and the
// Postgres repository behind the scheduler and the LLM tool surface.
package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status values of a reminder's delivery lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusReceived  Status = "RECEIVED"
	StatusFailed    Status = "FAILED"
)

// rank orders the monotonic statuses. FAILED sits outside the ladder: it
// may be entered from any non-terminal state.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusReceived:
		return 2
	default:
		return -1
	}
}

func (s Status) terminal() bool {
	return s == StatusReceived || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal: strictly
// forward along PENDING → DELIVERED → RECEIVED, or to FAILED from any
// non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if next == StatusFailed {
		return !s.terminal()
	}
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// ParseStatus normalizes tool-surface status strings ("pending",
// "completed") and wire statuses into Status values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending", "PENDING":
		return StatusPending, nil
	case "delivered", "DELIVERED":
		return StatusDelivered, nil
	case "received", "completed", "RECEIVED":
		return StatusReceived, nil
	case "failed", "FAILED":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown reminder status %q", s)
	}
}

// Reminder is one scheduled notification for a device.
type Reminder struct {
	ID         uuid.UUID
	DeviceUUID uuid.UUID
	DeviceMAC  string
	Title      string
	Content    string
	Metadata   map[string]any
	RemindAt   time.Time
	Status     Status
	RetryCount int
	// ReceivedAt is non-nil iff Status is RECEIVED.
	ReceivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transition applies a status change, enforcing monotonicity and the
// ReceivedAt coupling.
func (r *Reminder) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("illegal reminder transition %s -> %s", r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	if next == StatusReceived {
		t := now
		r.ReceivedAt = &t
	} else {
		r.ReceivedAt = nil
	}
	return nil
}
