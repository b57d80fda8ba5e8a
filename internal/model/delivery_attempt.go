package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// DeliveryAttempt is one append-only audit record of a send attempt.
type DeliveryAttempt struct {
	ID            string          `db:"id" json:"id"`
	QueuedEmailID string          `db:"queued_email_id" json:"queued_email_id"`
	ClientID      string          `db:"client_id" json:"client_id"`
	RuleID        string          `db:"rule_id" json:"rule_id"`
	OccurrenceKey string          `db:"occurrence_key" json:"occurrence_key"`
	AttemptNumber int             `db:"attempt_number" json:"attempt_number"`
	AttemptedAt   time.Time       `db:"attempted_at" json:"attempted_at"`
	Outcome       Outcome         `db:"outcome" json:"outcome"`
	Category      FailureCategory `db:"category" json:"category,omitempty"`
	Detail        string          `db:"detail" json:"detail,omitempty"`
}

// AuditFilter selects history by client, by queued email, or by event.
// At least one field must be set.
type AuditFilter struct {
	ClientID      string
	QueuedEmailID string
	Event         *EventKey
}
