// Package session abstracts the long-lived interactive process that tasks
// are dispatched to. The scheduler only depends on these four operations plus
// Reset; the production implementation drives a tmux pane.
package session

// Session is the execution target for task commands.
type Session interface {
	// Send delivers a command to the interactive process.
	Send(command string) error
	// RecentOutput returns the most recent output visible in the session.
	RecentOutput() (string, error)
	// IsResponsive reports whether the session is alive and reachable.
	IsResponsive() bool
	// Recover attempts to restore a non-responsive session.
	Recover() error
	// Reset clears the process's working context before a new task.
	Reset() error
}
