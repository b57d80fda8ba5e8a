// internal/model/client.go
package model

import (
	"sort"
	"time"
)

// TagIntake is the interaction tag implied by a client's intake (creation) time.
const TagIntake = "intake"

type Client struct {
	ID           string        `db:"id" json:"id"`
	FirstName    string        `db:"first_name" json:"first_name"`
	LastName     string        `db:"last_name" json:"last_name"`
	Email        string        `db:"email" json:"email"`
	Phone        string        `db:"phone" json:"phone,omitempty"`
	ServiceType  string        `db:"service_type" json:"service_type,omitempty"`
	Notes        string        `db:"notes" json:"notes,omitempty"`
	Interactions []Interaction `json:"interactions"`
	Archived     bool          `db:"archived" json:"archived"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// Interaction is one dated touch point with a client (visit, call, no-show...).
type Interaction struct {
	At  time.Time `db:"at" json:"at"`
	Tag string    `db:"tag" json:"tag"`
}

func (c *Client) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// History returns the client's interactions in chronological order, with the
// intake time added as an "intake" interaction unless one was recorded explicitly.
func (c *Client) History() []Interaction {
	out := make([]Interaction, 0, len(c.Interactions)+1)
	hasIntake := false
	for _, in := range c.Interactions {
		if in.Tag == TagIntake {
			hasIntake = true
		}
		out = append(out, in)
	}
	if !hasIntake && !c.CreatedAt.IsZero() {
		out = append(out, Interaction{At: c.CreatedAt, Tag: TagIntake})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// ClientFilter narrows ListClients. Zero value lists active clients.
type ClientFilter struct {
	IncludeArchived bool
	OnlyArchived    bool
	Search          string
	ServiceType     string
}
