package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup/internal/app"
	"github.com/unclebandit/followup/internal/config"
	"github.com/unclebandit/followup/internal/lock"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/mail"
	"github.com/unclebandit/followup/internal/queue"
)

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"DB_DRIVER":    "sqlite",
		"DATABASE_URL": filepath.Join(t.TempDir(), "app.db"),
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.FromEnv(base)
	require.NoError(t, err)
	return cfg
}

func TestNew_LocalFallbacks(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t, nil), logger.NewNope())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.IsType(t, &mail.LogTransport{}, a.Transport)
	assert.IsType(t, &queue.InMemoryQueue{}, a.Notices)
	assert.IsType(t, &lock.LocalLocker{}, a.Locker)
	assert.False(t, a.Scheduler.Paused())

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_ResendAndPaused(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"MAIL_PROVIDER":    "resend",
		"RESEND_API_KEY":   "re_test",
		"SCHEDULER_PAUSED": "true",
	})
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &mail.ResendTransport{}, a.Transport)
	assert.True(t, a.Scheduler.Paused())
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := testConfig(t, map[string]string{"REDIS_URL": "not a url"})
	_, err := app.New(context.Background(), cfg, logger.NewNope())
	assert.Error(t, err)
}
