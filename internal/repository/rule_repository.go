package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

type RuleRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.FollowUpRule, error)
	List(ctx context.Context, activeOnly bool) ([]*model.FollowUpRule, error)
	Upsert(ctx context.Context, rule *model.FollowUpRule) error
	Archive(ctx context.Context, id string) error
}

type RuleRepository struct {
	DB db.Querier
}

const ruleColumns = `id, name, trigger_tag, delay_ms, template_id, recurrence, suppress_tags, active, created_at, updated_at`

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*model.FollowUpRule, error) {
	rule, err := scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("rule", id)
		}
		return nil, appErrors.NewStorage("get rule", err)
	}
	return rule, nil
}

func (r *RuleRepository) List(ctx context.Context, activeOnly bool) ([]*model.FollowUpRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	args := []any{}
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage("list rules", err)
	}
	defer rows.Close()

	rules := []*model.FollowUpRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, appErrors.NewStorage("scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("list rules", err)
	}
	return rules, nil
}

func (r *RuleRepository) Upsert(ctx context.Context, rule *model.FollowUpRule) error {
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO rules (`+ruleColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            trigger_tag = excluded.trigger_tag,
            delay_ms = excluded.delay_ms,
            template_id = excluded.template_id,
            recurrence = excluded.recurrence,
            suppress_tags = excluded.suppress_tags,
            active = excluded.active,
            updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.TriggerTag, rule.Delay.Std().Milliseconds(), rule.TemplateID,
		string(rule.Recurrence), strings.Join(rule.SuppressTags, ","), rule.Active,
		toMillis(rule.CreatedAt), toMillis(rule.UpdatedAt),
	)
	if err != nil {
		return appErrors.NewStorage("upsert rule", err)
	}
	return nil
}

func (r *RuleRepository) Archive(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET active = ?, updated_at = ? WHERE id = ?`,
		false, toMillis(nowUTC()), id)
	if err != nil {
		return appErrors.NewStorage("archive rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("rule", id)
	}
	return nil
}

func scanRule(s rowScanner) (*model.FollowUpRule, error) {
	var rule model.FollowUpRule
	var delayMs, created, updated int64
	var recurrence, suppress string
	if err := s.Scan(&rule.ID, &rule.Name, &rule.TriggerTag, &delayMs, &rule.TemplateID,
		&recurrence, &suppress, &rule.Active, &created, &updated); err != nil {
		return nil, err
	}
	rule.Delay = model.Duration(time.Duration(delayMs) * time.Millisecond)
	rule.Recurrence = model.Recurrence(recurrence)
	if suppress != "" {
		rule.SuppressTags = strings.Split(suppress, ",")
	}
	rule.CreatedAt = fromMillis(created)
	rule.UpdatedAt = fromMillis(updated)
	return &rule, nil
}

var _ RuleRepositoryInterface = (*RuleRepository)(nil)
