package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

// ClientRepositoryInterface defines methods used by services
type ClientRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Client, error)
	List(ctx context.Context, filter model.ClientFilter) ([]*model.Client, error)
	Upsert(ctx context.Context, c *model.Client) error
	AddInteraction(ctx context.Context, clientID string, in model.Interaction) error
	Archive(ctx context.Context, id string) error
}

// ClientRepository is the concrete implementation
type ClientRepository struct {
	DB db.Querier
}

const clientColumns = `id, first_name, last_name, email, phone, service_type, notes, archived, created_at, updated_at`

// GetByID fetches a client and its interaction history
func (r *ClientRepository) GetByID(ctx context.Context, id string) (*model.Client, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)

	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("client", id)
		}
		return nil, appErrors.NewStorage("get client", err)
	}
	if c.Interactions, err = r.interactions(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// List fetches clients matching filter, oldest first
func (r *ClientRepository) List(ctx context.Context, filter model.ClientFilter) ([]*model.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE 1=1`
	args := []any{}

	switch {
	case filter.OnlyArchived:
		query += ` AND archived = ?`
		args = append(args, true)
	case !filter.IncludeArchived:
		query += ` AND archived = ?`
		args = append(args, false)
	}
	if filter.ServiceType != "" {
		query += ` AND service_type = ?`
		args = append(args, filter.ServiceType)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		query += ` AND LOWER(first_name || ' ' || last_name || ' ' || email) LIKE ?`
		args = append(args, "%"+strings.ToLower(s)+"%")
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage("list clients", err)
	}
	defer rows.Close()

	clients := []*model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, appErrors.NewStorage("scan client", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("list clients", err)
	}
	rows.Close()

	for _, c := range clients {
		if c.Interactions, err = r.interactions(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// Upsert writes the client row and merges its interactions. Existing
// interactions are never removed. created_at and archived are not touched on update.
func (r *ClientRepository) Upsert(ctx context.Context, c *model.Client) error {
	query := `
        INSERT INTO clients (` + clientColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            email = excluded.email,
            phone = excluded.phone,
            service_type = excluded.service_type,
            notes = excluded.notes,
            updated_at = excluded.updated_at
    `
	_, err := r.DB.ExecContext(ctx, query,
		c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.ServiceType, c.Notes,
		c.Archived, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return appErrors.NewStorage("upsert client", err)
	}

	for _, in := range c.Interactions {
		if err := r.AddInteraction(ctx, c.ID, in); err != nil {
			return err
		}
	}
	return nil
}

// AddInteraction appends one interaction; recording the same one twice is a no-op.
func (r *ClientRepository) AddInteraction(ctx context.Context, clientID string, in model.Interaction) error {
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO client_interactions (client_id, occurred_at, tag)
        VALUES (?, ?, ?)
        ON CONFLICT (client_id, occurred_at, tag) DO NOTHING`,
		clientID, toMillis(in.At), in.Tag,
	)
	if err != nil {
		return appErrors.NewStorage("add interaction", err)
	}
	return nil
}

// Archive soft-deletes a client. Clients are never removed.
func (r *ClientRepository) Archive(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE clients SET archived = ?, updated_at = ? WHERE id = ?`,
		true, toMillis(nowUTC()), id)
	if err != nil {
		return appErrors.NewStorage("archive client", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return appErrors.NewStorage("archive client", err)
	}
	if n == 0 {
		return appErrors.NewNotFound("client", id)
	}
	return nil
}

func (r *ClientRepository) interactions(ctx context.Context, clientID string) ([]model.Interaction, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT occurred_at, tag FROM client_interactions
        WHERE client_id = ?
        ORDER BY occurred_at, tag`, clientID)
	if err != nil {
		return nil, appErrors.NewStorage("list interactions", err)
	}
	defer rows.Close()

	out := []model.Interaction{}
	for rows.Next() {
		var at int64
		var in model.Interaction
		if err := rows.Scan(&at, &in.Tag); err != nil {
			return nil, appErrors.NewStorage("scan interaction", err)
		}
		in.At = fromMillis(at)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("list interactions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(s rowScanner) (*model.Client, error) {
	var c model.Client
	var created, updated int64
	if err := s.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.ServiceType,
		&c.Notes, &c.Archived, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

var _ ClientRepositoryInterface = (*ClientRepository)(nil)
