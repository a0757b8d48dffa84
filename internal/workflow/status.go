// Package workflow implements the durable event store and orchestrator
// loop that coordinate long-running research tasks requiring
// human-in-the-loop input by e-mail correlation.
package workflow

import "sort"

// Status is one of the six lifecycle states an Event can occupy.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusWaitingUser Status = "WAITING_USER"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCanceled    Status = "CANCELED"
)

// terminalStatuses holds the statuses from which no further transition
// is legal, CANCELED excepted (see IsTerminal).
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status Status) bool {
	return terminalStatuses[status]
}

// allowedTransitions maps each status to the set of statuses directly
// reachable from it. CANCELED is reachable from every non-terminal
// status and is added by AllowedFrom rather than listed here.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted:   true,
		StatusWaitingUser: true,
		StatusFailed:      true,
		// PENDING is reachable only through the operator's
		// requeue_stale maintenance job (§9 open question), never
		// from the orchestrator's own claim/dispatch path.
		StatusPending: true,
	},
	StatusWaitingUser: {
		StatusPending:    true,
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// AllowedFrom returns, sorted, the statuses reachable from current —
// always including CANCELED when current is non-terminal.
func AllowedFrom(current Status) []Status {
	set := map[Status]bool{}
	for s := range allowedTransitions[current] {
		set[s] = true
	}
	if !IsTerminal(current) {
		set[StatusCanceled] = true
	}
	out := make([]Status, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateTransition reports whether moving from current to next is
// legal. A no-op transition (current == next) is always legal.
func ValidateTransition(current, next Status) bool {
	if current == next {
		return true
	}
	for _, s := range AllowedFrom(current) {
		if s == next {
			return true
		}
	}
	return false
}
