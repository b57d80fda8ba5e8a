// Package app assembles the engine from a Config. The server and worker
// commands share it so both processes see the same store, transport and
// wake-up channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/unclebandit/followup/internal/config"
	"github.com/unclebandit/followup/internal/controller"
	"github.com/unclebandit/followup/internal/db"
	"github.com/unclebandit/followup/internal/handler"
	"github.com/unclebandit/followup/internal/lock"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/mail"
	"github.com/unclebandit/followup/internal/queue"
	"github.com/unclebandit/followup/internal/service"
)

// App holds every long-lived component of one process.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	DB     *db.DB
	Store  *service.Store

	Transport mail.Transport
	Notices   queue.Queue
	Locker    lock.Locker

	Clients   *service.ClientService
	Templates *service.TemplateService
	Rules     *service.RuleService
	Queue     *service.QueueService
	Audit     *service.AuditService
	Scheduler *service.Scheduler
	Worker    *service.DeliveryWorker

	checks  map[string]handler.CheckFunc
	closers []func() error
}

// New opens the store, applies migrations and wires the services. The
// caller must Close the result.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	log = logger.OrNope(log)
	a := &App{Config: cfg, Log: log, checks: map[string]handler.CheckFunc{}}

	d, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.DB = d
	a.closers = append(a.closers, d.Close)
	a.checks["database"] = d.PingContext

	if err := db.Migrate(ctx, d, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = service.NewStore(d, cfg.DBTimeout)

	if err := a.connect(cfg, log); err != nil {
		_ = a.Close()
		return nil, err
	}

	renderer := service.Renderer{OrgName: cfg.OrgName, Location: cfg.Window.Location}
	a.Clients = service.NewClientService(a.Store, log)
	a.Templates = service.NewTemplateService(a.Store, renderer, log)
	a.Rules = service.NewRuleService(a.Store, log)
	a.Queue = service.NewQueueService(a.Store, a.Notices, log)
	a.Audit = service.NewAuditService(a.Store)
	a.Scheduler = service.NewScheduler(service.SchedulerConfig{
		Interval: cfg.Scheduler.Interval,
		Cron:     cfg.Scheduler.Cron,
		Paused:   cfg.Scheduler.Paused,
	}, a.Store, renderer, a.Locker, a.Notices, log)
	a.Worker = service.NewDeliveryWorker(service.DeliveryConfig{
		PoolSize:    cfg.Delivery.PoolSize,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff: service.Backoff{
			Base: cfg.Delivery.BackoffBase,
			Cap:  cfg.Delivery.BackoffCap,
		},
		PollInterval:     cfg.Delivery.PollInterval,
		SendTimeout:      cfg.Mail.SendTimeout,
		RecoveryTimeout:  cfg.Delivery.RecoveryTimeout,
		RecoveryInterval: cfg.Delivery.RecoveryInterval,
		Window: service.SendWindow{
			Start:        cfg.Window.Start.Duration(),
			End:          cfg.Window.End.Duration(),
			SkipWeekends: cfg.Window.SkipWeekends,
			Location:     cfg.Window.Location,
		},
	}, a.Store, a.Transport, a.Notices, log)
	return a, nil
}

// connect picks the mail transport, the wake-up channel and the run lock.
// Without AMQP or Redis the process falls back to in-process equivalents.
func (a *App) connect(cfg *config.Config, log *slog.Logger) error {
	sender := mail.Sender{Email: cfg.Mail.FromEmail, Name: cfg.Mail.FromName, ReplyTo: cfg.Mail.ReplyTo}
	switch cfg.Mail.Provider {
	case "resend":
		a.Transport = mail.NewResendTransport(cfg.Mail.ResendAPIKey, sender)
	default:
		a.Transport = &mail.LogTransport{Log: log, Sender: sender}
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, log)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		a.Notices = q
	} else {
		a.Notices = queue.NewInMemoryQueue(log)
	}
	a.closers = append(a.closers, a.Notices.Close)

	if cfg.RedisURL != "" {
		l, err := lock.NewRedisLocker(cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.Locker = l
		a.closers = append(a.closers, l.Close)
		a.checks["redis"] = l.Ping
	} else {
		a.Locker = lock.NewLocalLocker()
	}
	return nil
}

// Router exposes the services over HTTP.
func (a *App) Router() http.Handler {
	return handler.NewRouter(handler.Controllers{
		Clients:   &controller.ClientController{ClientService: a.Clients, Log: a.Log},
		Templates: &controller.TemplateController{TemplateService: a.Templates, Log: a.Log},
		Rules:     &controller.RuleController{RuleService: a.Rules, Log: a.Log},
		Queue:     &controller.QueueController{QueueService: a.Queue, AuditService: a.Audit, Log: a.Log},
		Scheduler: &controller.SchedulerController{Scheduler: a.Scheduler, Log: a.Log},
		Health:    &handler.HealthHandler{Checks: a.checks, Log: a.Log},
	}, a.Log)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
