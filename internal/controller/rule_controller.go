package controller

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/service"
)

type RuleController struct {
	RuleService *service.RuleService
	Log         *slog.Logger
}

func (c *RuleController) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := c.RuleService.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rules})
}

func (c *RuleController) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := c.RuleService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (c *RuleController) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var body model.FollowUpRule
	if err := decode(r, &body); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	body.ID = chi.URLParam(r, "id")

	status := http.StatusOK
	if body.ID == "" {
		status = http.StatusCreated
	}
	rule, err := c.RuleService.Upsert(r.Context(), &body)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, status, rule)
}

func (c *RuleController) ArchiveRule(w http.ResponseWriter, r *http.Request) {
	if err := c.RuleService.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
