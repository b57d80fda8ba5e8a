package controller

import (
	"log/slog"
	"net/http"

	"github.com/unclebandit/followup/internal/service"
)

type SchedulerController struct {
	Scheduler *service.Scheduler
	Log       *slog.Logger
}

// RunNow triggers one scheduler pass. It works while periodic runs are
// paused and answers 409 when another pass holds the lock.
func (c *SchedulerController) RunNow(w http.ResponseWriter, r *http.Request) {
	res, err := c.Scheduler.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *SchedulerController) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"paused": c.Scheduler.Paused()})
}

func (c *SchedulerController) Pause(w http.ResponseWriter, r *http.Request) {
	c.Scheduler.SetPaused(true)
	c.Log.InfoContext(r.Context(), "periodic scheduler runs paused")
	c.Status(w, r)
}

func (c *SchedulerController) Resume(w http.ResponseWriter, r *http.Request) {
	c.Scheduler.SetPaused(false)
	c.Log.InfoContext(r.Context(), "periodic scheduler runs resumed")
	c.Status(w, r)
}
