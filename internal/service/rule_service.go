package service

import (
	"context"
	"log/slog"
	"strings"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/repository"
)

type RuleService struct {
	clock
	Store *Store
	Log   *slog.Logger
}

func NewRuleService(store *Store, log *slog.Logger) *RuleService {
	return &RuleService{Store: store, Log: logger.OrNope(log)}
}

func (s *RuleService) Get(ctx context.Context, id string) (*model.FollowUpRule, error) {
	var rule *model.FollowUpRule
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		rule, err = r.Rules.GetByID(ctx, id)
		return err
	})
	return rule, err
}

func (s *RuleService) List(ctx context.Context, activeOnly bool) ([]*model.FollowUpRule, error) {
	var out []*model.FollowUpRule
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		out, err = r.Rules.List(ctx, activeOnly)
		return err
	})
	return out, err
}

// Upsert creates (empty ID) or replaces a rule. The referenced template must
// exist; it may be inactive, in which case the rule's events wait until the
// template is reactivated.
func (s *RuleService) Upsert(ctx context.Context, rule *model.FollowUpRule) (*model.FollowUpRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	now := s.now()

	err := s.Store.Tx(ctx, func(ctx context.Context, r Repos) error {
		if _, err := r.Templates.GetByID(ctx, rule.TemplateID); err != nil {
			if appErrors.IsNotFound(err) {
				return appErrors.NewValidation("template_id", "unknown template %q", rule.TemplateID)
			}
			return err
		}
		if rule.ID == "" {
			rule.ID = repository.NewID()
			rule.CreatedAt = now
		} else {
			existing, err := r.Rules.GetByID(ctx, rule.ID)
			if err != nil {
				return err
			}
			rule.CreatedAt = existing.CreatedAt
		}
		rule.UpdatedAt = now
		return r.Rules.Upsert(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	s.Log.InfoContext(ctx, "rule saved",
		slog.String("rule_id", rule.ID),
		slog.String("trigger_tag", rule.TriggerTag),
		slog.String("delay", rule.Delay.String()),
		slog.String("recurrence", string(rule.Recurrence)))
	return rule, nil
}

func (s *RuleService) Archive(ctx context.Context, id string) error {
	return s.Store.Do(ctx, func(ctx context.Context, r Repos) error {
		return r.Rules.Archive(ctx, id)
	})
}

func validateRule(rule *model.FollowUpRule) error {
	if rule == nil {
		return appErrors.NewValidation("", "rule is required")
	}
	rule.Name = strings.TrimSpace(rule.Name)
	rule.TriggerTag = strings.TrimSpace(rule.TriggerTag)
	if rule.Name == "" {
		return appErrors.NewValidation("name", "is required")
	}
	if rule.TriggerTag == "" {
		return appErrors.NewValidation("trigger_tag", "is required")
	}
	if rule.Delay < 0 {
		return appErrors.NewValidation("delay", "must not be negative")
	}
	if rule.TemplateID == "" {
		return appErrors.NewValidation("template_id", "is required")
	}
	if rule.Recurrence == "" {
		rule.Recurrence = model.RecurrenceOneShot
	}
	if !rule.Recurrence.Valid() {
		return appErrors.NewValidation("recurrence", "must be %s or %s, got %q",
			model.RecurrenceOneShot, model.RecurrenceRepeating, rule.Recurrence)
	}
	tags := rule.SuppressTags[:0]
	for _, t := range rule.SuppressTags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, ",") {
			return appErrors.NewValidation("suppress_tags", "tag %q must not contain a comma", t)
		}
		if t == rule.TriggerTag {
			return appErrors.NewValidation("suppress_tags", "cannot suppress the trigger tag %q", t)
		}
		tags = append(tags, t)
	}
	rule.SuppressTags = tags
	return nil
}
