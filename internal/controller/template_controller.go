package controller

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/service"
)

type TemplateController struct {
	TemplateService *service.TemplateService
	Log             *slog.Logger
}

// ListTemplates serves GET /templates; ?active=true hides archived ones.
func (c *TemplateController) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := c.TemplateService.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":         templates,
		"merge_fields": service.MergeFields,
	})
}

func (c *TemplateController) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := c.TemplateService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *TemplateController) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var body model.Template
	if err := decode(r, &body); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	body.ID = chi.URLParam(r, "id")

	status := http.StatusOK
	if body.ID == "" {
		status = http.StatusCreated
	}
	t, err := c.TemplateService.Upsert(r.Context(), &body)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, status, t)
}

func (c *TemplateController) ArchiveTemplate(w http.ResponseWriter, r *http.Request) {
	if err := c.TemplateService.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PersonalizedPreview renders the template for one client without queueing
// anything.
func (c *TemplateController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	if body.ClientID == "" {
		writeError(w, r, c.Log, appErrors.NewValidation("client_id", "is required"))
		return
	}

	rendered, err := c.TemplateService.Preview(r.Context(), chi.URLParam(r, "id"), body.ClientID)
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rendered)
}
