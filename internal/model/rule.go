// internal/model/rule.go
package model

import (
	"fmt"
	"time"
)

type Recurrence string

const (
	// RecurrenceOneShot follows up once per client, timed from the latest
	// qualifying interaction.
	RecurrenceOneShot Recurrence = "one_shot"
	// RecurrenceRepeating follows up on every qualifying interaction, catching up
	// on occurrences that came due while the engine was offline.
	RecurrenceRepeating Recurrence = "repeating"
)

func (r Recurrence) Valid() bool {
	return r == RecurrenceOneShot || r == RecurrenceRepeating
}

// FollowUpRule fires Delay after an interaction tagged TriggerTag.
type FollowUpRule struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	TriggerTag   string     `db:"trigger_tag" json:"trigger_tag"`
	Delay        Duration   `db:"delay_ms" json:"delay"`
	TemplateID   string     `db:"template_id" json:"template_id"`
	Recurrence   Recurrence `db:"recurrence" json:"recurrence"`
	SuppressTags []string   `db:"suppress_tags" json:"suppress_tags,omitempty"`
	Active       bool       `db:"active" json:"active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

func (r *FollowUpRule) Suppresses(tag string) bool {
	for _, t := range r.SuppressTags {
		if t == tag {
			return true
		}
	}
	return false
}

// FollowUpEvent identifies one logical due instance of a rule for a client.
// It is the dedup key of the queue.
type FollowUpEvent struct {
	ClientID      string    `json:"client_id"`
	RuleID        string    `json:"rule_id"`
	OccurrenceKey string    `json:"occurrence_key"`
	DueAt         time.Time `json:"due_at"`
}

func (e FollowUpEvent) String() string {
	return fmt.Sprintf("%s/%s/%s", e.ClientID, e.RuleID, e.OccurrenceKey)
}

// EventKey is the (client, rule, occurrence) triple without scheduling data.
type EventKey struct {
	ClientID      string `json:"client_id"`
	RuleID        string `json:"rule_id"`
	OccurrenceKey string `json:"occurrence_key"`
}

func (e FollowUpEvent) Key() EventKey {
	return EventKey{ClientID: e.ClientID, RuleID: e.RuleID, OccurrenceKey: e.OccurrenceKey}
}

// OneShotKey is the occurrence key of every one-shot event, so a one-shot rule
// fires at most once per client however its trigger interactions change.
const OneShotKey = "once"

const occurrenceLayout = "2006-01-02T15:04:05.000Z"

// OccurrenceKeyFor formats the interaction time an occurrence was computed from.
// Millisecond precision matches what the store keeps, so keys survive a round trip.
func OccurrenceKeyFor(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(occurrenceLayout)
}
