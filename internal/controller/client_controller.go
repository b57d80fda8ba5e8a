package controller

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/service"
)

type ClientController struct {
	ClientService *service.ClientService
	Log           *slog.Logger
}

// ListClients serves GET /clients?archived=&search=&service_type=.
// archived=true lists only archived clients, archived=all lists everyone.
func (c *ClientController) ListClients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ClientFilter{
		Search:      q.Get("search"),
		ServiceType: q.Get("service_type"),
	}
	switch strings.ToLower(q.Get("archived")) {
	case "", "false":
	case "true":
		filter.OnlyArchived = true
	case "all":
		filter.IncludeArchived = true
	default:
		writeError(w, r, c.Log, appErrors.NewValidation("archived", "must be true, false or all"))
		return
	}

	clients, err := c.ClientService.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": clients})
}

func (c *ClientController) GetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, err := c.ClientService.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	view := clientView{Client: client}
	next, ok, err := c.ClientService.NextFollowUp(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	if ok {
		view.NextFollowUpAt = &next
	}
	writeJSON(w, http.StatusOK, view)
}

// clientView adds the dashboard's next due follow-up to a client.
type clientView struct {
	*model.Client
	NextFollowUpAt *time.Time `json:"next_follow_up_at,omitempty"`
}

// UpsertClient serves POST /clients and PUT /clients/{id}.
func (c *ClientController) UpsertClient(w http.ResponseWriter, r *http.Request) {
	var body model.Client
	if err := decode(r, &body); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	body.ID = chi.URLParam(r, "id")

	status := http.StatusOK
	if body.ID == "" {
		status = http.StatusCreated
	}
	client, err := c.ClientService.Upsert(r.Context(), &body)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, status, client)
}

func (c *ClientController) ArchiveClient(w http.ResponseWriter, r *http.Request) {
	if err := c.ClientService.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ClientController) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string    `json:"tag"`
		At  time.Time `json:"at"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, c.Log, err)
		return
	}

	client, err := c.ClientService.RecordInteraction(r.Context(), chi.URLParam(r, "id"), body.Tag, body.At)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}
