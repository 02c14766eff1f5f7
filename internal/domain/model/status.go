package model

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state shared by tasks and jobs.
// Recovery and paused apply to tasks only.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Status string

const (
	// StatusNew indicates a task that has been created but not yet enqueued.
	StatusNew Status = "new"
	// StatusEnqueued indicates a task or job waiting in a queue.
	StatusEnqueued Status = "enqueued"
	// StatusRunning indicates a task or job currently being executed.
	StatusRunning Status = "running"
	// StatusCompleted indicates a task or job that finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a task or job that exhausted its options.
	StatusFailed Status = "failed"
	// StatusCanceled indicates a task or job stopped on user request.
	StatusCanceled Status = "canceled"
	// StatusRecovery indicates a task rerunning from its last checkpoint.
	StatusRecovery Status = "recovery"
	// StatusPaused indicates a task suspended by an operator.
	StatusPaused Status = "paused"
)

// UnmarshalText implements encoding.TextUnmarshaler so statuses parse from
// query parameters and environment values.
func (s *Status) UnmarshalText(text []byte) error {
	v := Status(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid status: %q", string(text))
	}
	*s = v
	return nil
}

// Valid returns true if the Status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusEnqueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusCanceled, StatusRecovery, StatusPaused:
		return true
	}
	return false
}

// ValidForJob reports whether a job may hold this status. Jobs never enter
// the recovery or paused states; those belong to their owning task.
func (s Status) ValidForJob() bool {
	return s.Valid() && s != StatusRecovery && s != StatusPaused
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}
