package state

// Status is the lifecycle state of one (entity, step) execution.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusSkipped    Status = "skipped"
)

// Valid reports whether s is a known status value. Persisted rows with
// an unknown status are treated as corrupt and dropped.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted,
		StatusFailed, StatusExpired, StatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the step is finished for ShouldRun purposes.
// Completed and Skipped steps never re-run without a forced refresh;
// Failed steps become retryable after the cool-down, Expired steps are
// always retryable, and InProgress steps become retryable once stale.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped:
		return true
	default:
		return false
	}
}
