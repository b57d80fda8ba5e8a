package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/queue"
	"github.com/unclebandit/followup/internal/service"
)

func TestQueue_CancelPendingIsNotReenqueued(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)

	got, err := e.queue.Cancel(e.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, got.State)

	e.clock.Advance(day)
	res, err := e.scheduler.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 1, res.Duplicates)

	items := e.queued(t, model.QueueFilter{})
	require.Len(t, items, 1)
	assert.Equal(t, model.StateCancelled, items[0].State)

	// a cancelled item is never claimed
	processed, err := e.worker.ProcessNext(e.ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	e.transport.AssertNotCalled(t, "Send", "ada@example.org")
}

func TestQueue_CancelRejectsInFlightAndFinished(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)

	require.NoError(t, e.store.Do(e.ctx, func(ctx context.Context, r service.Repos) error {
		_, err := r.Queue.ClaimNext(ctx, e.clock.Now())
		return err
	}))
	_, err := e.queue.Cancel(e.ctx, q.ID)
	assert.True(t, appErrors.IsConflict(err), "sending: %v", err)

	_, err = e.queue.Cancel(e.ctx, "missing")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestQueue_CancelSentIsConflict(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)
	e.transport.On("Send", "ada@example.org").Return(nil).Once()
	e.processOne(t)

	_, err := e.queue.Cancel(e.ctx, q.ID)
	assert.True(t, appErrors.IsConflict(err))

	got, err := e.queue.Get(e.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, got.State)
}

func TestQueue_RetryNowReopensAbandoned(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)

	_, err := e.queue.RetryNow(e.ctx, q.ID)
	assert.True(t, appErrors.IsConflict(err), "pending items are not retried")

	e.transport.On("Send", "ada@example.org").Return(errors.New("422 validation_error")).Once()
	e.processOne(t)

	notices := make(chan queue.Notice, 1)
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	require.NoError(t, e.notices.Subscribe(ctx, queue.TopicEnqueued, func(n queue.Notice) error {
		notices <- n
		return nil
	}))

	e.clock.Advance(time.Hour)
	got, err := e.queue.RetryNow(e.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRetrying, got.State)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, model.CategoryNone, got.FailureCategory)
	assert.Equal(t, e.clock.Now(), got.NextAttemptAt)

	select {
	case n := <-notices:
		assert.Equal(t, q.ID, n.QueuedEmailID)
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up notice")
	}

	e.transport.On("Send", "ada@example.org").Return(nil).Once()
	e.processOne(t)
	got, err = e.queue.Get(e.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSent, got.State)
	assert.Equal(t, 1, got.Attempts)

	history, err := e.audit.History(e.ctx, model.AuditFilter{QueuedEmailID: q.ID})
	require.NoError(t, err)
	assert.Len(t, history, 2, "history survives the retry")
}

func TestQueue_CancelAbandoned(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)
	e.transport.On("Send", "ada@example.org").Return(errors.New("403 not allowed")).Once()
	e.processOne(t)

	got, err := e.queue.Cancel(e.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, got.State)

	_, err = e.queue.RetryNow(e.ctx, q.ID)
	assert.True(t, appErrors.IsConflict(err))
}

func TestQueue_ListValidatesFilter(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.queue.List(e.ctx, model.QueueFilter{State: "lost"})
	assert.True(t, appErrors.IsValidation(err))

	_, err = e.queue.List(e.ctx, model.QueueFilter{Limit: -1})
	assert.True(t, appErrors.IsValidation(err))
}

func TestQueue_Stats(t *testing.T) {
	e := newTestEnv(t)
	enqueueDue(t, e)

	st, err := e.queue.Stats(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByState[model.StatePending])
	assert.Zero(t, st.Attention)
	assert.Len(t, st.ByState, len(model.AllStates))

	e.transport.On("Send", "ada@example.org").Return(errors.New("422 invalid recipient")).Once()
	e.processOne(t)

	st, err = e.queue.Stats(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Attention)
	assert.Zero(t, st.ByState[model.StatePending])
}

func TestAudit_HistoryFilters(t *testing.T) {
	e := newTestEnv(t)
	q := enqueueDue(t, e)
	e.transport.On("Send", "ada@example.org").Return(nil).Once()
	e.processOne(t)

	_, err := e.audit.History(e.ctx, model.AuditFilter{})
	assert.True(t, appErrors.IsValidation(err))

	_, err = e.audit.History(e.ctx, model.AuditFilter{Event: &model.EventKey{ClientID: q.ClientID}})
	assert.True(t, appErrors.IsValidation(err))

	key := q.Event()
	byEvent, err := e.audit.History(e.ctx, model.AuditFilter{Event: &key})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, model.OutcomeSuccess, byEvent[0].Outcome)

	byClient, err := e.audit.History(e.ctx, model.AuditFilter{ClientID: q.ClientID})
	require.NoError(t, err)
	assert.Equal(t, byEvent, byClient)

	none, err := e.audit.History(e.ctx, model.AuditFilter{ClientID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
