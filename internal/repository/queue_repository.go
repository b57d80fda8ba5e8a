package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

// claimBatch bounds how many due candidates one ClaimNext call races for.
const claimBatch = 8

type QueueRepositoryInterface interface {
	Enqueue(ctx context.Context, e *model.QueuedEmail) (bool, error)
	GetByID(ctx context.Context, id string) (*model.QueuedEmail, error)
	List(ctx context.Context, filter model.QueueFilter) ([]*model.QueuedEmail, error)
	ExistsForEvent(ctx context.Context, key model.EventKey) (bool, error)
	ClaimNext(ctx context.Context, now time.Time) (*model.QueuedEmail, error)
	CompareAndSet(ctx context.Context, e *model.QueuedEmail, from model.State) error
	CancelForClient(ctx context.Context, clientID string, now time.Time) (int64, error)
	RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	CountByState(ctx context.Context) (map[model.State]int, error)
}

type QueueRepository struct {
	DB db.Querier
}

const queueColumns = `id, client_id, rule_id, occurrence_key, template_id, recipient, subject, body,
    state, attempts, next_attempt_at, last_error, failure_category, version, claimed_at, created_at, updated_at`

// Enqueue inserts e unless a row for the same event already exists. The
// unique event key makes this the single write that both queues the email
// and consumes the event; false means a duplicate was ignored.
func (r *QueueRepository) Enqueue(ctx context.Context, e *model.QueuedEmail) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO queued_emails (`+queueColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (client_id, rule_id, occurrence_key) DO NOTHING`,
		e.ID, e.ClientID, e.RuleID, e.OccurrenceKey, e.TemplateID, e.Recipient, e.Subject, e.Body,
		string(e.State), e.Attempts, toMillis(e.NextAttemptAt), e.LastError, string(e.FailureCategory),
		e.Version, nullMillis(e.ClaimedAt), toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
	)
	if err != nil {
		return false, appErrors.NewStorage("enqueue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.NewStorage("enqueue", err)
	}
	return n == 1, nil
}

func (r *QueueRepository) GetByID(ctx context.Context, id string) (*model.QueuedEmail, error) {
	e, err := scanQueued(r.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queued_emails WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("queued email", id)
		}
		return nil, appErrors.NewStorage("get queued email", err)
	}
	return e, nil
}

// List returns queue items in claim order.
func (r *QueueRepository) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueuedEmail, error) {
	query := `SELECT ` + queueColumns + ` FROM queued_emails WHERE 1=1`
	args := []any{}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	query += ` ORDER BY next_attempt_at, created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.query(ctx, "list queue", query, args...)
}

func (r *QueueRepository) ExistsForEvent(ctx context.Context, key model.EventKey) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `
        SELECT 1 FROM queued_emails
        WHERE client_id = ? AND rule_id = ? AND occurrence_key = ?`,
		key.ClientID, key.RuleID, key.OccurrenceKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, appErrors.NewStorage("queue exists", err)
	}
	return true, nil
}

// ClaimNext moves the earliest due pending or retrying item to sending and
// returns it. Ownership is decided by a compare-and-set on version, so two
// callers never receive the same item. It returns nil, nil when nothing is due.
func (r *QueueRepository) ClaimNext(ctx context.Context, now time.Time) (*model.QueuedEmail, error) {
	in, states := stateList(model.Claimable)
	candidates, err := r.query(ctx, "claim candidates", `
        SELECT `+queueColumns+` FROM queued_emails
        WHERE state IN `+in+` AND next_attempt_at <= ?
        ORDER BY next_attempt_at, created_at, id
        LIMIT ?`,
		append(states, toMillis(now), claimBatch)...,
	)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		args := append([]any{string(model.StateSending), toMillis(now), toMillis(now), c.ID, c.Version}, states...)
		res, err := r.DB.ExecContext(ctx, `
            UPDATE queued_emails
            SET state = ?, version = version + 1, claimed_at = ?, updated_at = ?
            WHERE id = ? AND version = ? AND state IN `+in, args...)
		if err != nil {
			return nil, appErrors.NewStorage("claim", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, appErrors.NewStorage("claim", err)
		}
		if n == 0 {
			// another worker won this one
			continue
		}
		claimedAt := now.UTC()
		c.State = model.StateSending
		c.Version++
		c.ClaimedAt = &claimedAt
		c.UpdatedAt = claimedAt
		return c, nil
	}
	return nil, nil
}

// CompareAndSet persists the mutable fields of e, provided the stored row is
// still at e.Version in state from. On success e.Version is advanced. A lost
// race returns a ConflictError and writes nothing.
func (r *QueueRepository) CompareAndSet(ctx context.Context, e *model.QueuedEmail, from model.State) error {
	if err := model.ValidateTransition(from, e.State); err != nil {
		return appErrors.NewConflict("%v", err)
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE queued_emails
        SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?, failure_category = ?,
            claimed_at = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ? AND state = ?`,
		string(e.State), e.Attempts, toMillis(e.NextAttemptAt), e.LastError, string(e.FailureCategory),
		nullMillis(e.ClaimedAt), toMillis(e.UpdatedAt),
		e.ID, e.Version, string(from),
	)
	if err != nil {
		return appErrors.NewStorage("update queued email", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return appErrors.NewStorage("update queued email", err)
	}
	if n == 0 {
		return appErrors.NewConflict("queued email %s changed concurrently", e.ID)
	}
	e.Version++
	return nil
}

// CancelForClient cancels every cancellable item of a client and reports how
// many rows changed. Items in flight are left to finish.
func (r *QueueRepository) CancelForClient(ctx context.Context, clientID string, now time.Time) (int64, error) {
	in, states := stateList(model.Cancellable)
	args := append([]any{string(model.StateCancelled), toMillis(now), clientID}, states...)
	res, err := r.DB.ExecContext(ctx, `
        UPDATE queued_emails
        SET state = ?, version = version + 1, updated_at = ?
        WHERE client_id = ? AND state IN `+in, args...)
	if err != nil {
		return 0, appErrors.NewStorage("cancel client queue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErrors.NewStorage("cancel client queue", err)
	}
	return n, nil
}

// RequeueStale returns items stuck in sending since before claimedBefore to
// retrying, due immediately. Attempts are left unchanged.
func (r *QueueRepository) RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE queued_emails
        SET state = ?, next_attempt_at = ?, claimed_at = NULL, version = version + 1, updated_at = ?
        WHERE state = ? AND claimed_at < ?`,
		string(model.StateRetrying), toMillis(now), toMillis(now),
		string(model.StateSending), toMillis(claimedBefore),
	)
	if err != nil {
		return 0, appErrors.NewStorage("requeue stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErrors.NewStorage("requeue stale", err)
	}
	return n, nil
}

func (r *QueueRepository) CountByState(ctx context.Context) (map[model.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM queued_emails GROUP BY state`)
	if err != nil {
		return nil, appErrors.NewStorage("count queue", err)
	}
	defer rows.Close()

	counts := make(map[model.State]int, len(model.AllStates))
	for _, s := range model.AllStates {
		counts[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, appErrors.NewStorage("count queue", err)
		}
		counts[model.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("count queue", err)
	}
	return counts, nil
}

func (r *QueueRepository) query(ctx context.Context, op, query string, args ...any) ([]*model.QueuedEmail, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage(op, err)
	}
	defer rows.Close()

	out := []*model.QueuedEmail{}
	for rows.Next() {
		e, err := scanQueued(rows)
		if err != nil {
			return nil, appErrors.NewStorage(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage(op, err)
	}
	return out, nil
}

func scanQueued(s rowScanner) (*model.QueuedEmail, error) {
	var e model.QueuedEmail
	var state, category string
	var next, created, updated int64
	var claimed sql.NullInt64
	if err := s.Scan(&e.ID, &e.ClientID, &e.RuleID, &e.OccurrenceKey, &e.TemplateID, &e.Recipient,
		&e.Subject, &e.Body, &state, &e.Attempts, &next, &e.LastError, &category, &e.Version,
		&claimed, &created, &updated); err != nil {
		return nil, err
	}
	e.State = model.State(state)
	e.FailureCategory = model.FailureCategory(category)
	e.NextAttemptAt = fromMillis(next)
	e.ClaimedAt = fromNullMillis(claimed)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

var _ QueueRepositoryInterface = (*QueueRepository)(nil)
