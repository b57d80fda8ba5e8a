package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, db.Config{Driver: db.SQLite, URL: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d, nil))
	return d
}

// seed creates one client, template and rule and returns their ids.
func seed(t *testing.T, d *db.DB) (clientID, ruleID, templateID string) {
	t.Helper()
	ctx := context.Background()

	c := &model.Client{ID: NewID(), FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, (&ClientRepository{DB: d}).Upsert(ctx, c))

	tpl := &model.Template{ID: NewID(), Name: "check-in", Subject: "Hi", Body: "Hello {{clientFirstName}}", Active: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, (&TemplateRepository{DB: d}).Upsert(ctx, tpl))

	r := &model.FollowUpRule{
		ID: NewID(), Name: "week after intake", TriggerTag: model.TagIntake,
		Delay: model.Duration(7 * 24 * time.Hour), TemplateID: tpl.ID,
		Recurrence: model.RecurrenceOneShot, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, (&RuleRepository{DB: d}).Upsert(ctx, r))
	return c.ID, r.ID, tpl.ID
}

func newQueued(clientID, ruleID, templateID, key string, due time.Time) *model.QueuedEmail {
	return &model.QueuedEmail{
		ID: NewID(), ClientID: clientID, RuleID: ruleID, OccurrenceKey: key, TemplateID: templateID,
		Recipient: "ada@example.org", Subject: "Hi", Body: "Hello Ada",
		State: model.StatePending, NextAttemptAt: due, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestClientRepository_UpsertMergesInteractions(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	repo := &ClientRepository{DB: d}

	c := &model.Client{ID: NewID(), FirstName: "Grace", Email: "grace@example.org", CreatedAt: t0, UpdatedAt: t0,
		Interactions: []model.Interaction{{At: t0.Add(time.Hour), Tag: "visit"}}}
	require.NoError(t, repo.Upsert(ctx, c))

	c.FirstName = "Grace B."
	c.Interactions = []model.Interaction{{At: t0.Add(2 * time.Hour), Tag: "call"}}
	require.NoError(t, repo.Upsert(ctx, c))

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Grace B.", got.FirstName)
	require.Len(t, got.Interactions, 2)
	assert.Equal(t, "visit", got.Interactions[0].Tag)
	assert.Equal(t, "call", got.Interactions[1].Tag)
}

func TestClientRepository_ListFiltersAndArchive(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	repo := &ClientRepository{DB: d}

	a := &model.Client{ID: NewID(), FirstName: "Ann", LastName: "Lee", Email: "ann@example.org", ServiceType: "housing", CreatedAt: t0, UpdatedAt: t0}
	b := &model.Client{ID: NewID(), FirstName: "Bo", LastName: "Kim", Email: "bo@example.org", ServiceType: "food", CreatedAt: t0.Add(time.Minute), UpdatedAt: t0}
	require.NoError(t, repo.Upsert(ctx, a))
	require.NoError(t, repo.Upsert(ctx, b))
	require.NoError(t, repo.Archive(ctx, b.ID))

	active, err := repo.List(ctx, model.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	all, err := repo.List(ctx, model.ClientFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := repo.List(ctx, model.ClientFilter{IncludeArchived: true, Search: "KIM"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Archived)

	housing, err := repo.List(ctx, model.ClientFilter{ServiceType: "housing"})
	require.NoError(t, err)
	assert.Len(t, housing, 1)

	err = repo.Archive(ctx, "missing")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRuleRepository_RoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	_, ruleID, _ := seed(t, d)
	repo := &RuleRepository{DB: d}

	r, err := repo.GetByID(ctx, ruleID)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, r.Delay.Std())
	assert.Empty(t, r.SuppressTags)

	r.SuppressTags = []string{"attended", "closed"}
	require.NoError(t, repo.Upsert(ctx, r))
	require.NoError(t, repo.Archive(ctx, ruleID))

	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"attended", "closed"}, all[0].SuppressTags)
	assert.False(t, all[0].Active)
}

func TestQueueRepository_EnqueueIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}
	key := model.OccurrenceKeyFor(t0)

	inserted, err := repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, key, t0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, key, t0))
	require.NoError(t, err)
	assert.False(t, inserted, "second enqueue of the same event is ignored")

	exists, err := repo.ExistsForEvent(ctx, model.EventKey{ClientID: clientID, RuleID: ruleID, OccurrenceKey: key})
	require.NoError(t, err)
	assert.True(t, exists)

	all, err := repo.List(ctx, model.QueueFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueueRepository_ConcurrentEnqueueSingleRow(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}
	key := model.OccurrenceKeyFor(t0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, key, t0))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestQueueRepository_ClaimOrderAndExclusivity(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}

	late := newQueued(clientID, ruleID, tplID, "b", t0.Add(time.Minute))
	early := newQueued(clientID, ruleID, tplID, "a", t0)
	future := newQueued(clientID, ruleID, tplID, "c", t0.Add(time.Hour))
	for _, e := range []*model.QueuedEmail{late, early, future} {
		_, err := repo.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	now := t0.Add(2 * time.Minute)
	var wg sync.WaitGroup
	claimed := make(chan *model.QueuedEmail, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := repo.ClaimNext(ctx, now)
			assert.NoError(t, err)
			if e != nil {
				claimed <- e
			}
		}()
	}
	wg.Wait()
	close(claimed)

	ids := map[string]bool{}
	for e := range claimed {
		assert.False(t, ids[e.ID], "item %s claimed twice", e.ID)
		ids[e.ID] = true
		assert.Equal(t, model.StateSending, e.State)
		require.NotNil(t, e.ClaimedAt)
	}
	assert.Len(t, ids, 2)
	assert.False(t, ids[future.ID], "future item is not due")

	d2 := newTestDB(t)
	c2, r2, tpl2 := seed(t, d2)
	repo2 := &QueueRepository{DB: d2}
	_, _ = repo2.Enqueue(ctx, newQueued(c2, r2, tpl2, "b", t0.Add(time.Minute)))
	_, _ = repo2.Enqueue(ctx, newQueued(c2, r2, tpl2, "a", t0))
	first, err := repo2.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "a", first.OccurrenceKey, "earliest next_attempt_at wins")

	none, err := repo.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueueRepository_CompareAndSet(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}

	_, err := repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, "a", t0))
	require.NoError(t, err)
	e, err := repo.ClaimNext(ctx, t0)
	require.NoError(t, err)

	stale := *e
	e.State = model.StateSent
	e.Attempts = 1
	require.NoError(t, repo.CompareAndSet(ctx, e, model.StateSending))

	stale.State = model.StateRetrying
	err = repo.CompareAndSet(ctx, &stale, model.StateSending)
	assert.True(t, appErrors.IsConflict(err), "stale version loses")

	e.State = model.StateAbandoned
	err = repo.CompareAndSet(ctx, e, model.StateSent)
	assert.True(t, appErrors.IsConflict(err), "sent is terminal")

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestQueueRepository_CancelForClientSkipsInFlight(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}

	_, err := repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, "a", t0))
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, "b", t0.Add(time.Hour)))
	require.NoError(t, err)
	inFlight, err := repo.ClaimNext(ctx, t0)
	require.NoError(t, err)

	n, err := repo.CancelForClient(ctx, clientID, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.GetByID(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSending, got.State)
}

func TestQueueRepository_RequeueStale(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	repo := &QueueRepository{DB: d}

	_, err := repo.Enqueue(ctx, newQueued(clientID, ruleID, tplID, "a", t0))
	require.NoError(t, err)
	e, err := repo.ClaimNext(ctx, t0)
	require.NoError(t, err)

	// not stale yet
	n, err := repo.RequeueStale(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	later := t0.Add(20 * time.Minute)
	n, err = repo.RequeueStale(ctx, later.Add(-10*time.Minute), later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRetrying, got.State)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, later, got.NextAttemptAt)

	counts, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StateRetrying])
	assert.Equal(t, 0, counts[model.StateSent])
}

func TestAuditRepository_AppendListHasSent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	clientID, ruleID, tplID := seed(t, d)
	q := newQueued(clientID, ruleID, tplID, "a", t0)
	_, err := (&QueueRepository{DB: d}).Enqueue(ctx, q)
	require.NoError(t, err)

	repo := &AuditRepository{DB: d}
	key := q.Event()

	sent, err := repo.HasSent(ctx, key)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, repo.Append(ctx, &model.DeliveryAttempt{
		QueuedEmailID: q.ID, ClientID: clientID, RuleID: ruleID, OccurrenceKey: "a",
		AttemptNumber: 1, AttemptedAt: t0, Outcome: model.OutcomeFailure, Category: model.CategoryTransient, Detail: "timeout",
	}))
	require.NoError(t, repo.Append(ctx, &model.DeliveryAttempt{
		QueuedEmailID: q.ID, ClientID: clientID, RuleID: ruleID, OccurrenceKey: "a",
		AttemptNumber: 2, AttemptedAt: t0.Add(time.Minute), Outcome: model.OutcomeSuccess,
	}))

	sent, err = repo.HasSent(ctx, key)
	require.NoError(t, err)
	assert.True(t, sent)

	byEvent, err := repo.List(ctx, model.AuditFilter{Event: &key})
	require.NoError(t, err)
	require.Len(t, byEvent, 2)
	assert.Equal(t, 1, byEvent[0].AttemptNumber)
	assert.Equal(t, model.CategoryTransient, byEvent[0].Category)

	byClient, err := repo.List(ctx, model.AuditFilter{ClientID: clientID})
	require.NoError(t, err)
	assert.Len(t, byClient, 2)

	byQueued, err := repo.List(ctx, model.AuditFilter{QueuedEmailID: "other"})
	require.NoError(t, err)
	assert.Empty(t, byQueued)
}

func TestStateList(t *testing.T) {
	t.Parallel()

	in, args := stateList(model.Cancellable)
	assert.Equal(t, "(?, ?, ?)", in)
	assert.Equal(t, []any{"pending", "retrying", "abandoned"}, args)
	assert.Equal(t, "", placeholders(0))
}
