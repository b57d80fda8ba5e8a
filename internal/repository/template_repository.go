package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Template, error)
	GetByName(ctx context.Context, name string) (*model.Template, error)
	List(ctx context.Context, activeOnly bool) ([]*model.Template, error)
	Upsert(ctx context.Context, t *model.Template) error
	Archive(ctx context.Context, id string) error
}

type TemplateRepository struct {
	DB db.Querier
}

const templateColumns = `id, name, subject, body, active, created_at, updated_at`

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*model.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, appErrors.NewStorage("get template", err)
	}
	return t, nil
}

func (r *TemplateRepository) GetByName(ctx context.Context, name string) (*model.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", name)
		}
		return nil, appErrors.NewStorage("get template by name", err)
	}
	return t, nil
}

func (r *TemplateRepository) List(ctx context.Context, activeOnly bool) ([]*model.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	args := []any{}
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorage("list templates", err)
	}
	defer rows.Close()

	templates := []*model.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, appErrors.NewStorage("scan template", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorage("list templates", err)
	}
	return templates, nil
}

func (r *TemplateRepository) Upsert(ctx context.Context, t *model.Template) error {
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO templates (`+templateColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            subject = excluded.subject,
            body = excluded.body,
            active = excluded.active,
            updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Subject, t.Body, t.Active, toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		return appErrors.NewStorage("upsert template", err)
	}
	return nil
}

// Archive deactivates a template. Pending sends keep their frozen content.
func (r *TemplateRepository) Archive(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE templates SET active = ?, updated_at = ? WHERE id = ?`,
		false, toMillis(nowUTC()), id)
	if err != nil {
		return appErrors.NewStorage("archive template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("template", id)
	}
	return nil
}

func scanTemplate(s rowScanner) (*model.Template, error) {
	var t model.Template
	var created, updated int64
	if err := s.Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &t.Active, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
