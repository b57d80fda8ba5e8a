package service

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/repository"
)

// MergeFields are the placeholder names a template may use as {{name}}.
var MergeFields = []string{
	"clientFirstName",
	"clientLastName",
	"clientFullName",
	"clientEmail",
	"clientPhone",
	"clientServiceType",
	"centerName",
	"interactionDate",
	"followUpDate",
	"staffSignature",
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z]+)\s*\}\}`)

// ExtractVariables returns the distinct placeholder names in s, in order of
// first appearance.
func ExtractVariables(s string) []string {
	var out []string
	for _, m := range placeholderRE.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// Renderer fills template placeholders from a client record.
type Renderer struct {
	OrgName  string
	Location *time.Location
}

// Rendered is the frozen content of one email.
type Rendered struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Variables builds the merge values for c. interactionAt is the interaction
// the follow-up answers and dueAt the time it became due.
func (r Renderer) Variables(c *model.Client, interactionAt, dueAt time.Time) map[string]string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	org := r.OrgName
	if org == "" {
		org = "Your Center"
	}
	return map[string]string{
		"clientFirstName":   c.FirstName,
		"clientLastName":    c.LastName,
		"clientFullName":    c.FullName(),
		"clientEmail":       c.Email,
		"clientPhone":       c.Phone,
		"clientServiceType": c.ServiceType,
		"centerName":        org,
		"interactionDate":   formatDate(interactionAt, loc),
		"followUpDate":      formatDate(dueAt, loc),
		"staffSignature":    "Best regards,\n" + org,
	}
}

// Render substitutes every known placeholder and drops unknown ones.
func (r Renderer) Render(t *model.Template, c *model.Client, interactionAt, dueAt time.Time) Rendered {
	vars := r.Variables(c, interactionAt, dueAt)
	return Rendered{
		Recipient: c.Email,
		Subject:   RenderTemplate(t.Subject, vars),
		Body:      RenderTemplate(t.Body, vars),
	}
}

func RenderTemplate(template string, data map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		return data[name]
	})
}

func formatDate(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("Monday, January 2, 2006")
}

type TemplateService struct {
	clock
	Store    *Store
	Renderer Renderer
	Log      *slog.Logger
}

func NewTemplateService(store *Store, renderer Renderer, log *slog.Logger) *TemplateService {
	return &TemplateService{Store: store, Renderer: renderer, Log: logger.OrNope(log)}
}

func (s *TemplateService) Get(ctx context.Context, id string) (*model.Template, error) {
	var t *model.Template
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		t, err = r.Templates.GetByID(ctx, id)
		return err
	})
	return t, err
}

func (s *TemplateService) List(ctx context.Context, activeOnly bool) ([]*model.Template, error) {
	var out []*model.Template
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		out, err = r.Templates.List(ctx, activeOnly)
		return err
	})
	return out, err
}

// Upsert creates (empty ID) or replaces a template. Edits never touch emails
// already queued: their content was frozen at enqueue time.
func (s *TemplateService) Upsert(ctx context.Context, t *model.Template) (*model.Template, error) {
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	now := s.now()

	err := s.Store.Tx(ctx, func(ctx context.Context, r Repos) error {
		if t.ID == "" {
			t.ID = repository.NewID()
			t.CreatedAt = now
		} else {
			existing, err := r.Templates.GetByID(ctx, t.ID)
			if err != nil {
				return err
			}
			t.CreatedAt = existing.CreatedAt
		}
		other, err := r.Templates.GetByName(ctx, t.Name)
		switch {
		case err == nil && other.ID != t.ID:
			return appErrors.NewValidation("name", "template %q already exists", t.Name)
		case err != nil && !appErrors.IsNotFound(err):
			return err
		}
		t.UpdatedAt = now
		return r.Templates.Upsert(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.Log.InfoContext(ctx, "template saved", slog.String("template_id", t.ID), slog.Bool("active", t.Active))
	return t, nil
}

func (s *TemplateService) Archive(ctx context.Context, id string) error {
	return s.Store.Do(ctx, func(ctx context.Context, r Repos) error {
		return r.Templates.Archive(ctx, id)
	})
}

// Preview renders a template for one client as if the follow-up were due now.
func (s *TemplateService) Preview(ctx context.Context, templateID, clientID string) (*Rendered, error) {
	var t *model.Template
	var c *model.Client
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		if t, err = r.Templates.GetByID(ctx, templateID); err != nil {
			return err
		}
		c, err = r.Clients.GetByID(ctx, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	last := c.CreatedAt
	if h := c.History(); len(h) > 0 {
		last = h[len(h)-1].At
	}
	out := s.Renderer.Render(t, c, last, now)
	return &out, nil
}

func validateTemplate(t *model.Template) error {
	if t == nil {
		return appErrors.NewValidation("", "template is required")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return appErrors.NewValidation("name", "is required")
	}
	if strings.TrimSpace(t.Subject) == "" {
		return appErrors.NewValidation("subject", "is required")
	}
	if strings.TrimSpace(t.Body) == "" {
		return appErrors.NewValidation("body", "is required")
	}
	for _, f := range [][2]string{{"subject", t.Subject}, {"body", t.Body}} {
		field, text := f[0], f[1]
		var unknown []string
		for _, v := range ExtractVariables(text) {
			if !slices.Contains(MergeFields, v) {
				unknown = append(unknown, v)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return appErrors.NewValidation(field, "unknown placeholders: %s", strings.Join(unknown, ", "))
		}
	}
	return nil
}
