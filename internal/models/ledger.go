package models

import "time"

// Outcome is the final result of one processing cycle for an issue.
type Outcome string

const (
	OutcomePullRequestCreated Outcome = "pull_request_created"
	OutcomeFeedbackPosted     Outcome = "feedback_posted"
	OutcomeFailed             Outcome = "failed"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePullRequestCreated, OutcomeFeedbackPosted, OutcomeFailed:
		return true
	}
	return false
}

// LedgerEntry records that an issue was handled at a given fingerprint.
// Entries are written once and never updated.
type LedgerEntry struct {
	ID             string    `json:"id"`
	IssueID        string    `json:"issue_id"`
	Identifier     string    `json:"identifier,omitempty"`
	Fingerprint    string    `json:"fingerprint"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}
