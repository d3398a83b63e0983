package model

import "fmt"

type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedPermanent Status = "failed_permanent"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted:       true,
	StatusFailedPermanent: true,
}

// Task status transitions: pending ↔ in_progress → terminal.
// failed is transient: the retry handler moves it back to pending or escalates
// to failed_permanent. pending → failed_permanent covers the pre-dispatch
// check when retries were already exhausted.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress:      true,
		StatusFailedPermanent: true,
	},
	StatusInProgress: {
		StatusPending:   true, // backoff release → back to pending, not a retry
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusPending:         true, // retry
		StatusFailedPermanent: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusFailedPermanent:
		return true
	}
	return false
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
