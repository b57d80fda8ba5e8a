package seed_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/seed"
	"github.com/unclebandit/followup/internal/service"
)

const sample = `
templates:
  - name: week check-in
    subject: "How are you, {{clientFirstName}}?"
    body: |
      Hi {{clientFirstName}},
      {{staffSignature}}
rules:
  - name: week after intake
    trigger_tag: intake
    delay: 7d
    template: week check-in
  - name: missed appointment
    trigger_tag: no_show
    delay: 36h
    template: week check-in
    recurrence: repeating
    suppress_tags: [attended]
clients:
  - first_name: Ada
    last_name: Lovelace
    email: ${SEED_TEST_EMAIL}
    interactions:
      - at: 2025-04-01T09:00:00Z
        tag: no_show
`

func newServices(t *testing.T) seed.Services {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, db.Config{Driver: db.SQLite, URL: filepath.Join(t.TempDir(), "seed.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d, nil))

	store := service.NewStore(d, 5*time.Second)
	return seed.Services{
		Clients:   service.NewClientService(store, nil),
		Templates: service.NewTemplateService(store, service.Renderer{}, nil),
		Rules:     service.NewRuleService(store, nil),
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SEED_TEST_EMAIL", "ada@example.org")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := seed.Load(path)
	require.NoError(t, err)
	require.Len(t, f.Clients, 1)
	assert.Equal(t, "ada@example.org", f.Clients[0].Email)
	require.Len(t, f.Rules, 2)
	assert.Equal(t, model.Duration(7*24*time.Hour), f.Rules[0].Delay)
	assert.Equal(t, model.Duration(36*time.Hour), f.Rules[1].Delay)
}

func TestApply_Idempotent(t *testing.T) {
	t.Setenv("SEED_TEST_EMAIL", "ada@example.org")
	f, err := seed.Parse([]byte(os.ExpandEnv(sample)))
	require.NoError(t, err)

	s := newServices(t)
	ctx := context.Background()

	res, err := seed.Apply(ctx, f, s, nil)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{Created: 4}, res)

	res, err = seed.Apply(ctx, f, s, nil)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{Updated: 4}, res)

	rules, err := s.Rules.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	clients, err := s.Clients.List(ctx, model.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Len(t, clients[0].Interactions, 1, "interactions merge, not duplicate")
}

func TestApply_UnknownTemplate(t *testing.T) {
	f, err := seed.Parse([]byte(`
rules:
  - name: orphan
    trigger_tag: intake
    delay: 1d
    template: nowhere
`))
	require.NoError(t, err)

	_, err = seed.Apply(context.Background(), f, newServices(t), nil)
	assert.True(t, appErrors.IsValidation(err))
}
