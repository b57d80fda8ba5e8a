package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/followup/internal/controller"
	"github.com/unclebandit/followup/internal/logger"
)

// Controllers bundles everything the router dispatches to.
type Controllers struct {
	Clients   *controller.ClientController
	Templates *controller.TemplateController
	Rules     *controller.RuleController
	Queue     *controller.QueueController
	Scheduler *controller.SchedulerController
	Health    http.Handler
}

func NewRouter(c Controllers, log *slog.Logger) http.Handler {
	log = logger.OrNope(log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	if c.Health != nil {
		r.Method(http.MethodGet, "/healthz", c.Health)
	}

	r.Route("/clients", func(r chi.Router) {
		r.Get("/", c.Clients.ListClients)
		r.Post("/", c.Clients.UpsertClient)
		r.Get("/{id}", c.Clients.GetClient)
		r.Put("/{id}", c.Clients.UpsertClient)
		r.Post("/{id}/archive", c.Clients.ArchiveClient)
		r.Post("/{id}/interactions", c.Clients.RecordInteraction)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", c.Templates.ListTemplates)
		r.Post("/", c.Templates.UpsertTemplate)
		r.Get("/{id}", c.Templates.GetTemplate)
		r.Put("/{id}", c.Templates.UpsertTemplate)
		r.Post("/{id}/archive", c.Templates.ArchiveTemplate)
		r.Post("/{id}/preview", c.Templates.PersonalizedPreview)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", c.Rules.ListRules)
		r.Post("/", c.Rules.UpsertRule)
		r.Get("/{id}", c.Rules.GetRule)
		r.Put("/{id}", c.Rules.UpsertRule)
		r.Post("/{id}/archive", c.Rules.ArchiveRule)
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", c.Scheduler.Status)
		r.Post("/run", c.Scheduler.RunNow)
		r.Post("/pause", c.Scheduler.Pause)
		r.Post("/resume", c.Scheduler.Resume)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", c.Queue.ListQueue)
		r.Get("/{id}", c.Queue.GetQueued)
		r.Post("/{id}/cancel", c.Queue.CancelQueued)
		r.Post("/{id}/retry", c.Queue.RetryNow)
	})

	r.Get("/audit", c.Queue.AuditHistory)
	r.Get("/stats", c.Queue.Stats)

	return r
}

// requestLogger logs one line per request. The request id is attached by the
// logger's context extractor.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)))
		})
	}
}
