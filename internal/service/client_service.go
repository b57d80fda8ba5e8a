package service

import (
	"context"
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/mail"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/repository"
	"github.com/unclebandit/followup/internal/rules"
)

type ClientService struct {
	clock
	Store *Store
	Log   *slog.Logger
}

func NewClientService(store *Store, log *slog.Logger) *ClientService {
	return &ClientService{Store: store, Log: logger.OrNope(log)}
}

func (s *ClientService) Get(ctx context.Context, id string) (*model.Client, error) {
	var c *model.Client
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		c, err = r.Clients.GetByID(ctx, id)
		return err
	})
	return c, err
}

func (s *ClientService) List(ctx context.Context, filter model.ClientFilter) ([]*model.Client, error) {
	var out []*model.Client
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		out, err = r.Clients.List(ctx, filter)
		return err
	})
	return out, err
}

// Upsert creates a client when c.ID is empty and updates it otherwise.
// Updating an unknown id is NotFound. Interactions are merged, never replaced.
func (s *ClientService) Upsert(ctx context.Context, c *model.Client) (*model.Client, error) {
	if err := validateClient(c); err != nil {
		return nil, err
	}
	now := s.now()

	var saved *model.Client
	err := s.Store.Tx(ctx, func(ctx context.Context, r Repos) error {
		if c.ID == "" {
			c.ID = repository.NewID()
			c.CreatedAt = now
			c.Archived = false
		} else {
			existing, err := r.Clients.GetByID(ctx, c.ID)
			if err != nil {
				return err
			}
			c.CreatedAt = existing.CreatedAt
			c.Archived = existing.Archived
		}
		c.UpdatedAt = now
		if err := r.Clients.Upsert(ctx, c); err != nil {
			return err
		}
		var err error
		saved, err = r.Clients.GetByID(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Log.InfoContext(ctx, "client saved", slog.String("client_id", saved.ID))
	return saved, nil
}

// Archive soft-deletes the client and cancels its outstanding emails in the
// same transaction. Emails already being sent are left to finish.
func (s *ClientService) Archive(ctx context.Context, id string) error {
	now := s.now()
	var cancelled int64
	err := s.Store.Tx(ctx, func(ctx context.Context, r Repos) error {
		if err := r.Clients.Archive(ctx, id); err != nil {
			return err
		}
		var err error
		cancelled, err = r.Queue.CancelForClient(ctx, id, now)
		return err
	})
	if err != nil {
		return err
	}
	s.Log.InfoContext(ctx, "client archived",
		slog.String("client_id", id), slog.Int64("cancelled_emails", cancelled))
	return nil
}

// NextFollowUp returns when the client's next follow-up becomes due under the
// active rules, and false when none is pending.
func (s *ClientService) NextFollowUp(ctx context.Context, id string) (time.Time, bool, error) {
	var c *model.Client
	var active []*model.FollowUpRule
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		if c, err = r.Clients.GetByID(ctx, id); err != nil {
			return err
		}
		active, err = r.Rules.List(ctx, true)
		return err
	})
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := rules.NextDue(c, active, s.now())
	return next, ok, nil
}

// RecordInteraction appends one interaction; a zero at means now.
func (s *ClientService) RecordInteraction(ctx context.Context, clientID, tag string, at time.Time) (*model.Client, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, appErrors.NewValidation("tag", "is required")
	}
	if at.IsZero() {
		at = s.now()
	}
	if at.After(s.now().Add(time.Minute)) {
		return nil, appErrors.NewValidation("at", "must not be in the future")
	}

	var c *model.Client
	err := s.Store.Tx(ctx, func(ctx context.Context, r Repos) error {
		if _, err := r.Clients.GetByID(ctx, clientID); err != nil {
			return err
		}
		if err := r.Clients.AddInteraction(ctx, clientID, model.Interaction{At: at.UTC(), Tag: tag}); err != nil {
			return err
		}
		var err error
		c, err = r.Clients.GetByID(ctx, clientID)
		return err
	})
	return c, err
}

func validateClient(c *model.Client) error {
	if c == nil {
		return appErrors.NewValidation("", "client is required")
	}
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.TrimSpace(c.Email)

	if c.FirstName == "" && c.LastName == "" {
		return appErrors.NewValidation("first_name", "a first or last name is required")
	}
	if c.Email == "" {
		return appErrors.NewValidation("email", "is required")
	}
	if addr, err := netmail.ParseAddress(c.Email); err != nil || addr.Address != c.Email {
		return appErrors.NewValidation("email", "%q is not a valid email address", c.Email)
	}
	if err := mail.ValidAddress(c.Email); err != nil {
		return appErrors.NewValidation("email", "%q is not deliverable", c.Email)
	}
	for i, in := range c.Interactions {
		if strings.TrimSpace(in.Tag) == "" {
			return appErrors.NewValidation("interactions", "entry %d has no tag", i)
		}
		if in.At.IsZero() {
			return appErrors.NewValidation("interactions", "entry %d has no time", i)
		}
	}
	return nil
}
