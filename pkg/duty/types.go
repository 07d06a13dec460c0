// Package duty tracks and enforces data-retention obligations. A duty is
// data about data: it is never deleted by the scheduler itself, only moved
// through its lifecycle and kept for accountability.
package duty

import (
	"errors"
	"time"
)

var (
	// ErrDutyNotFound marks a lookup miss.
	ErrDutyNotFound = errors.New("duty not found")
	// ErrExecutionFailed wraps a deletion-hook error.
	ErrExecutionFailed = errors.New("duty execution failed")
)

// Status is the lifecycle state of a duty.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	// StatusFailed is terminal: the retry budget is exhausted and the duty
	// stays visible for operator inspection.
	StatusFailed Status = "FAILED"
)

// Duty is a scheduled, time-bound deletion obligation derived from a
// Permit decision with a retention obligation.
type Duty struct {
	ID         string    `json:"id"`
	PolicyID   string    `json:"policy_id"`
	DataTarget string    `json:"data_target"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Due reports whether a Tick pass should pick the duty up at now: past
// its expiry and not yet terminal. Passes are serialized and execute
// duties synchronously, so an InProgress duty visible between passes is
// a crash leftover and picking it up again is the recovery path.
func (d Duty) Due(now time.Time) bool {
	if d.ExpiresAt.After(now) {
		return false
	}
	return d.Status == StatusPending || d.Status == StatusInProgress
}

// DeleteRecord is the audit payload written for every duty execution
// outcome, success or failure. Failure is an accountable event too.
type DeleteRecord struct {
	DutyID     string `json:"duty_id"`
	PolicyID   string `json:"policy_id"`
	DataTarget string `json:"data_target"`
	Attempts   int    `json:"attempts"`
	Failed     bool   `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Summary reports one Tick pass.
type Summary struct {
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
}
