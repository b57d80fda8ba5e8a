// Package rules decides which follow-ups are due for a client. Everything here
// is a pure function of its arguments: no clock, no store, no randomness.
package rules

import (
	"sort"
	"time"

	"github.com/unclebandit/followup/internal/model"
)

// DueEvents returns every event of client that is due at asOf, sorted by rule
// id then occurrence key. Archived clients and inactive rules yield nothing.
//
// A one-shot rule considers only the client's latest qualifying interaction and
// always uses model.OneShotKey, so it is consumed once per client. A repeating
// rule yields one event per qualifying interaction, so occurrences that came
// due while nothing was running are still produced.
func DueEvents(client *model.Client, rules []*model.FollowUpRule, asOf time.Time) []model.FollowUpEvent {
	if client == nil || client.Archived {
		return nil
	}
	history := client.History()

	var out []model.FollowUpEvent
	for _, rule := range rules {
		if rule == nil || !rule.Active {
			continue
		}
		for _, at := range occurrences(rule, history, asOf) {
			due := at.Add(rule.Delay.Std())
			if due.After(asOf) || suppressed(rule, history, at, asOf) {
				continue
			}
			out = append(out, model.FollowUpEvent{
				ClientID:      client.ID,
				RuleID:        rule.ID,
				OccurrenceKey: occurrenceKey(rule, at),
				DueAt:         due,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].OccurrenceKey < out[j].OccurrenceKey
	})
	return out
}

// NextDue returns the earliest time after asOf at which one of the client's
// rules becomes due, and false when nothing is pending.
func NextDue(client *model.Client, rules []*model.FollowUpRule, asOf time.Time) (time.Time, bool) {
	if client == nil || client.Archived {
		return time.Time{}, false
	}
	history := client.History()

	var next time.Time
	found := false
	for _, rule := range rules {
		if rule == nil || !rule.Active {
			continue
		}
		for _, at := range occurrences(rule, history, asOf) {
			due := at.Add(rule.Delay.Std())
			if !due.After(asOf) || suppressed(rule, history, at, asOf) {
				continue
			}
			if !found || due.Before(next) {
				next, found = due, true
			}
		}
	}
	return next, found
}

func occurrenceKey(rule *model.FollowUpRule, at time.Time) string {
	if rule.Recurrence == model.RecurrenceOneShot {
		return model.OneShotKey
	}
	return model.OccurrenceKeyFor(at)
}

// occurrences lists the interaction times rule is evaluated against. Only
// interactions at or before asOf count; history must be chronological.
func occurrences(rule *model.FollowUpRule, history []model.Interaction, asOf time.Time) []time.Time {
	var times []time.Time
	for _, in := range history {
		if in.Tag != rule.TriggerTag || in.At.After(asOf) {
			continue
		}
		times = append(times, in.At)
	}
	if rule.Recurrence == model.RecurrenceOneShot && len(times) > 1 {
		return times[len(times)-1:]
	}
	return times
}

// suppressed reports whether a suppressing interaction happened after at and
// no later than asOf.
func suppressed(rule *model.FollowUpRule, history []model.Interaction, at, asOf time.Time) bool {
	if len(rule.SuppressTags) == 0 {
		return false
	}
	for _, in := range history {
		if in.At.After(at) && !in.At.After(asOf) && rule.Suppresses(in.Tag) {
			return true
		}
	}
	return false
}
