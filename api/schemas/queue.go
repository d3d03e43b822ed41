package schemas

import "time"

// -- Exploitation Queue Schemas --

// QueueItem is one candidate finding surfaced by an analysis agent. Items are
// machine-readable and gate whether the category's exploitation agent runs.
type QueueItem struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	// Priority is the derived rank; higher values are exploited first.
	Priority       int    `json:"priority"`
	TargetEndpoint string `json:"targetEndpoint"`
	// Strategy carries optional free-form exploitation guidance.
	Strategy string `json:"strategy,omitempty"`
}

// ExploitQueue is the machine-readable queue file an analysis agent writes
// alongside its human-readable report. The two must exist or be absent as a
// pair; asymmetry is always a validation error.
type ExploitQueue struct {
	Category  string      `json:"category"`
	CreatedAt time.Time   `json:"createdAt"`
	Items     []QueueItem `json:"items"`
}

// Actionable returns the number of items whose severity gates exploitation
// (critical, high or medium).
func (q *ExploitQueue) Actionable() int {
	n := 0
	for _, it := range q.Items {
		if it.Severity.Actionable() {
			n++
		}
	}
	return n
}
