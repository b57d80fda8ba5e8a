package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup/internal/db"
	"github.com/unclebandit/followup/internal/lock"
	"github.com/unclebandit/followup/internal/mail"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/queue"
	"github.com/unclebandit/followup/internal/service"
)

const day = 24 * time.Hour

var intake = time.Date(2025, 4, 7, 14, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(_ context.Context, msg *mail.Message) error {
	args := m.Called(msg.To)
	return args.Error(0)
}

type testEnv struct {
	ctx       context.Context
	store     *service.Store
	clock     *fakeClock
	transport *mockTransport
	notices   *queue.InMemoryQueue
	clients   *service.ClientService
	templates *service.TemplateService
	rules     *service.RuleService
	queue     *service.QueueService
	audit     *service.AuditService
	scheduler *service.Scheduler
	worker    *service.DeliveryWorker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	d, err := db.Open(ctx, db.Config{Driver: db.SQLite, URL: filepath.Join(t.TempDir(), "followup.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d, nil))

	store := service.NewStore(d, 5*time.Second)
	clk := &fakeClock{t: intake}
	tr := &mockTransport{}
	notices := queue.NewInMemoryQueue(nil)
	renderer := service.Renderer{OrgName: "Hope Center", Location: time.UTC}

	e := &testEnv{
		ctx:       ctx,
		store:     store,
		clock:     clk,
		transport: tr,
		notices:   notices,
		clients:   service.NewClientService(store, nil),
		templates: service.NewTemplateService(store, renderer, nil),
		rules:     service.NewRuleService(store, nil),
		queue:     service.NewQueueService(store, notices, nil),
		audit:     service.NewAuditService(store),
		scheduler: service.NewScheduler(service.SchedulerConfig{Interval: time.Minute}, store, renderer, lock.NewLocalLocker(), notices, nil),
		worker: service.NewDeliveryWorker(service.DeliveryConfig{
			PoolSize:        2,
			MaxAttempts:     5,
			Backoff:         service.Backoff{Base: time.Minute, Cap: 10 * time.Minute, Jitter: func(int64) int64 { return 0 }},
			SendTimeout:     time.Second,
			RecoveryTimeout: 10 * time.Minute,
		}, store, tr, notices, nil),
	}
	e.clients.Now = clk.Now
	e.templates.Now = clk.Now
	e.rules.Now = clk.Now
	e.queue.Now = clk.Now
	e.scheduler.Now = clk.Now
	e.worker.Now = clk.Now
	return e
}

// seedWeekAfterIntake creates a client at intake and a rule firing seven days
// after it.
func (e *testEnv) seedWeekAfterIntake(t *testing.T) (*model.Client, *model.FollowUpRule, *model.Template) {
	t.Helper()
	e.clock.Set(intake)

	tpl, err := e.templates.Upsert(e.ctx, &model.Template{
		Name:    "one week check-in",
		Subject: "How are you, {{clientFirstName}}?",
		Body:    "Hi {{clientFirstName}}, it has been a week since {{interactionDate}}.\n{{staffSignature}}",
		Active:  true,
	})
	require.NoError(t, err)

	rule, err := e.rules.Upsert(e.ctx, &model.FollowUpRule{
		Name:       "week after intake",
		TriggerTag: model.TagIntake,
		Delay:      model.Duration(7 * day),
		TemplateID: tpl.ID,
		Recurrence: model.RecurrenceOneShot,
		Active:     true,
	})
	require.NoError(t, err)

	c, err := e.clients.Upsert(e.ctx, &model.Client{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org"})
	require.NoError(t, err)
	return c, rule, tpl
}

func (e *testEnv) queued(t *testing.T, filter model.QueueFilter) []*model.QueuedEmail {
	t.Helper()
	items, err := e.queue.List(e.ctx, filter)
	require.NoError(t, err)
	return items
}
