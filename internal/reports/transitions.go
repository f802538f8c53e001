// Package reports handles correction requests filed against listings.
//
// Valid status graph:
//
//	pending ──► in_progress ──► completed
//	   │             │
//	   └─────────────┴──► rejected
//
// completed and rejected are terminal states.
package reports

import "fmt"

// Status values mirror the CHECK constraint on reports.status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusRejected},
	StatusInProgress: {StatusCompleted, StatusRejected},
	// completed and rejected are terminal
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown report status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool { return s == StatusCompleted || s == StatusRejected }
