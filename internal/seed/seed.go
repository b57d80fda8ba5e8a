// Package seed loads templates, rules and clients from a YAML file into the
// store. Applying the same file twice changes nothing.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/service"
)

type File struct {
	Templates []Template `yaml:"templates"`
	Rules     []Rule     `yaml:"rules"`
	Clients   []Client   `yaml:"clients"`
}

type Template struct {
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	Active  *bool  `yaml:"active"`
}

// Rule refers to its template by name.
type Rule struct {
	Name         string         `yaml:"name"`
	TriggerTag   string         `yaml:"trigger_tag"`
	Delay        model.Duration `yaml:"delay"`
	Template     string         `yaml:"template"`
	Recurrence   string         `yaml:"recurrence"`
	SuppressTags []string       `yaml:"suppress_tags"`
	Active       *bool          `yaml:"active"`
}

// Client is matched to an existing record by email.
type Client struct {
	FirstName    string        `yaml:"first_name"`
	LastName     string        `yaml:"last_name"`
	Email        string        `yaml:"email"`
	Phone        string        `yaml:"phone"`
	ServiceType  string        `yaml:"service_type"`
	Notes        string        `yaml:"notes"`
	Interactions []Interaction `yaml:"interactions"`
}

type Interaction struct {
	At  time.Time `yaml:"at"`
	Tag string    `yaml:"tag"`
}

// Load reads path and expands ${VAR} references from the environment before
// parsing.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	return &f, nil
}

// Result counts records created and updated by Apply.
type Result struct {
	Created int
	Updated int
}

// Services are the write paths Apply goes through, so seeded records get
// the same validation as API writes.
type Services struct {
	Clients   *service.ClientService
	Templates *service.TemplateService
	Rules     *service.RuleService
}

// Apply upserts templates by name, then rules by name, then clients by email.
func Apply(ctx context.Context, f *File, s Services, log *slog.Logger) (Result, error) {
	log = logger.OrNope(log)
	var res Result

	existingTemplates, err := s.Templates.List(ctx, false)
	if err != nil {
		return res, err
	}
	templateIDs := map[string]string{}
	for _, t := range existingTemplates {
		templateIDs[t.Name] = t.ID
	}
	for _, st := range f.Templates {
		t := &model.Template{
			ID:      templateIDs[strings.TrimSpace(st.Name)],
			Name:    st.Name,
			Subject: st.Subject,
			Body:    st.Body,
			Active:  st.Active == nil || *st.Active,
		}
		res.count(t.ID)
		saved, err := s.Templates.Upsert(ctx, t)
		if err != nil {
			return res, fmt.Errorf("template %q: %w", st.Name, err)
		}
		templateIDs[saved.Name] = saved.ID
	}

	existingRules, err := s.Rules.List(ctx, false)
	if err != nil {
		return res, err
	}
	ruleIDs := map[string]string{}
	for _, r := range existingRules {
		ruleIDs[r.Name] = r.ID
	}
	for _, sr := range f.Rules {
		tplID, ok := templateIDs[sr.Template]
		if !ok {
			return res, fmt.Errorf("rule %q: %w", sr.Name,
				appErrors.NewValidation("template", "unknown template %q", sr.Template))
		}
		r := &model.FollowUpRule{
			ID:           ruleIDs[strings.TrimSpace(sr.Name)],
			Name:         sr.Name,
			TriggerTag:   sr.TriggerTag,
			Delay:        sr.Delay,
			TemplateID:   tplID,
			Recurrence:   model.Recurrence(sr.Recurrence),
			SuppressTags: sr.SuppressTags,
			Active:       sr.Active == nil || *sr.Active,
		}
		res.count(r.ID)
		if _, err := s.Rules.Upsert(ctx, r); err != nil {
			return res, fmt.Errorf("rule %q: %w", sr.Name, err)
		}
	}

	existingClients, err := s.Clients.List(ctx, model.ClientFilter{IncludeArchived: true})
	if err != nil {
		return res, err
	}
	clientIDs := map[string]string{}
	for _, c := range existingClients {
		clientIDs[strings.ToLower(c.Email)] = c.ID
	}
	for _, sc := range f.Clients {
		c := &model.Client{
			ID:          clientIDs[strings.ToLower(strings.TrimSpace(sc.Email))],
			FirstName:   sc.FirstName,
			LastName:    sc.LastName,
			Email:       sc.Email,
			Phone:       sc.Phone,
			ServiceType: sc.ServiceType,
			Notes:       sc.Notes,
		}
		for _, in := range sc.Interactions {
			c.Interactions = append(c.Interactions, model.Interaction{At: in.At.UTC(), Tag: in.Tag})
		}
		res.count(c.ID)
		if _, err := s.Clients.Upsert(ctx, c); err != nil {
			return res, fmt.Errorf("client %q: %w", sc.Email, err)
		}
	}

	log.InfoContext(ctx, "seed applied", slog.Int("created", res.Created), slog.Int("updated", res.Updated))
	return res, nil
}

func (r *Result) count(existingID string) {
	if existingID == "" {
		r.Created++
	} else {
		r.Updated++
	}
}
