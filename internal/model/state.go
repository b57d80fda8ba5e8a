package model

import "fmt"

type State string

const (
	StatePending   State = "pending"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateRetrying  State = "retrying"
	StateAbandoned State = "abandoned"
	StateCancelled State = "cancelled"
)

// AllStates lists every queue state, in lifecycle order.
var AllStates = []State{StatePending, StateSending, StateRetrying, StateSent, StateAbandoned, StateCancelled}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether a worker will never pick the item up again.
// Abandoned is terminal for workers; only an operator retry reopens it.
func (s State) Terminal() bool {
	return s == StateSent || s == StateAbandoned || s == StateCancelled
}

// Claimable states are the ones ClaimNext may move to sending.
var Claimable = []State{StatePending, StateRetrying}

// Cancellable states are the ones an operator cancel is honored in.
var Cancellable = []State{StatePending, StateRetrying, StateAbandoned}

// pending → sending → sent | retrying | abandoned; retrying ↔ sending.
// sending → retrying also covers the startup recovery sweep, and
// abandoned → retrying is the operator "retry now" edge.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateSending:   true,
		StateCancelled: true,
	},
	StateSending: {
		StateSent:      true,
		StateRetrying:  true,
		StateAbandoned: true,
	},
	StateRetrying: {
		StateSending:   true,
		StateAbandoned: true,
		StateCancelled: true,
	},
	StateAbandoned: {
		StateRetrying:  true,
		StateCancelled: true,
	},
}

func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid queue transition %s -> %s", from, to)
	}
	return nil
}

type FailureCategory string

const (
	CategoryNone      FailureCategory = ""
	CategoryTransient FailureCategory = "transient"
	CategoryPermanent FailureCategory = "permanent"
)
