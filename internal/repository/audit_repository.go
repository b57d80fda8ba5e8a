package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

// AuditRepositoryInterface is append-only: there is no update or delete.
type AuditRepositoryInterface interface {
	Append(ctx context.Context, a *model.DeliveryAttempt) error
	List(ctx context.Context, filter model.AuditFilter) ([]*model.DeliveryAttempt, error)
	HasSent(ctx context.Context, key model.EventKey) (bool, error)
}

type AuditRepository struct {
	DB db.Querier
}

const attemptColumns = `id, queued_email_id, client_id, rule_id, occurrence_key, attempt_number,
    attempted_at, outcome, category, detail`

func (r *AuditRepository) Append(ctx context.Context, a *model.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO delivery_attempts (`+attemptColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QueuedEmailID, a.ClientID, a.RuleID, a.OccurrenceKey, a.AttemptNumber,
		toMillis(a.AttemptedAt), string(a.Outcome), string(a.Category), a.Detail,
	)
	if err != nil {
		return appErrors.NewStorage("append attempt", err)
	}
	return nil
}

// List returns attempts oldest first. Every set field of filter must match.
func (r *AuditRepository) List(ctx context.Context, filter model.AuditFilter) ([]*model.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE 1=1`
	args := []any{}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.QueuedEmailID != "" {
		query += ` AND queued_email_id = ?`
		args = append(args, filter.QueuedEmailID)
	}
	if ev := filter.Event; ev != nil {
		query += ` AND client_id = ? AND rule_id = ? AND occurrence_key = ?`
		args = append(args, ev.ClientID, ev.RuleID, ev.OccurrenceKey)
	}
	query += ` ORDER BY attempted_at, attempt_number, id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage("list attempts", err)
	}
	defer rows.Close()

	out := []*model.DeliveryAttempt{}
	for rows.Next() {
		var a model.DeliveryAttempt
		var at int64
		var outcome, category string
		if err := rows.Scan(&a.ID, &a.QueuedEmailID, &a.ClientID, &a.RuleID, &a.OccurrenceKey,
			&a.AttemptNumber, &at, &outcome, &category, &a.Detail); err != nil {
			return nil, appErrors.NewStorage("scan attempt", err)
		}
		a.AttemptedAt = fromMillis(at)
		a.Outcome = model.Outcome(outcome)
		a.Category = model.FailureCategory(category)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("list attempts", err)
	}
	return out, nil
}

// HasSent reports whether any attempt for the event succeeded.
func (r *AuditRepository) HasSent(ctx context.Context, key model.EventKey) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `
        SELECT 1 FROM delivery_attempts
        WHERE client_id = ? AND rule_id = ? AND occurrence_key = ? AND outcome = ?
        LIMIT 1`,
		key.ClientID, key.RuleID, key.OccurrenceKey, string(model.OutcomeSuccess),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, appErrors.NewStorage("audit has sent", err)
	}
	return true, nil
}

var _ AuditRepositoryInterface = (*AuditRepository)(nil)
