// internal/model/queued_email.go
package model

import "time"

// QueuedEmail is one materialized send task. Recipient, Subject and Body are
// rendered once at enqueue time and never re-rendered.
type QueuedEmail struct {
	ID              string          `db:"id" json:"id"`
	ClientID        string          `db:"client_id" json:"client_id"`
	RuleID          string          `db:"rule_id" json:"rule_id"`
	OccurrenceKey   string          `db:"occurrence_key" json:"occurrence_key"`
	TemplateID      string          `db:"template_id" json:"template_id"`
	Recipient       string          `db:"recipient" json:"recipient"`
	Subject         string          `db:"subject" json:"subject"`
	Body            string          `db:"body" json:"body"`
	State           State           `db:"state" json:"state"`
	Attempts        int             `db:"attempts" json:"attempts"`
	NextAttemptAt   time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	FailureCategory FailureCategory `db:"failure_category" json:"failure_category,omitempty"`
	Version         int64           `db:"version" json:"version"`
	ClaimedAt       *time.Time      `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

func (q *QueuedEmail) Event() EventKey {
	return EventKey{ClientID: q.ClientID, RuleID: q.RuleID, OccurrenceKey: q.OccurrenceKey}
}

// QueueFilter narrows ListQueue. Empty fields match everything.
type QueueFilter struct {
	State    State
	ClientID string
	Limit    int
}
