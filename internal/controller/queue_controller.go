package controller

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/service"
)

const defaultQueuePageSize = 100

type QueueController struct {
	QueueService *service.QueueService
	AuditService *service.AuditService
	Log          *slog.Logger
}

// ListQueue serves GET /queue?state=&client_id=&limit=.
func (c *QueueController) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.QueueFilter{
		State:    model.State(q.Get("state")),
		ClientID: q.Get("client_id"),
		Limit:    defaultQueuePageSize,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, c.Log, appErrors.NewValidation("limit", "must be a number"))
			return
		}
		filter.Limit = n
	}

	items, err := c.QueueService.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (c *QueueController) GetQueued(w http.ResponseWriter, r *http.Request) {
	e, err := c.QueueService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (c *QueueController) CancelQueued(w http.ResponseWriter, r *http.Request) {
	e, err := c.QueueService.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (c *QueueController) RetryNow(w http.ResponseWriter, r *http.Request) {
	e, err := c.QueueService.RetryNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (c *QueueController) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := c.QueueService.Stats(r.Context())
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AuditHistory serves GET /audit. rule_id and occurrence_key together with
// client_id select a single event.
func (c *QueueController) AuditHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		ClientID:      q.Get("client_id"),
		QueuedEmailID: q.Get("queued_email_id"),
	}
	if ruleID, occ := q.Get("rule_id"), q.Get("occurrence_key"); ruleID != "" || occ != "" {
		filter.Event = &model.EventKey{ClientID: filter.ClientID, RuleID: ruleID, OccurrenceKey: occ}
		filter.ClientID = ""
	}

	attempts, err := c.AuditService.History(r.Context(), filter)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": attempts})
}
