// Package config loads runtime settings from the environment, reading a .env
// file first when one is present.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/unclebandit/followup/internal/db"
	appErrors "github.com/unclebandit/followup/internal/errors"
)

type Config struct {
	HTTPAddr  string        `env:"HTTP_ADDR" envDefault:":8080"`
	DB        db.Config     `env:"-"`
	DBTimeout time.Duration `env:"DB_TIMEOUT" envDefault:"5s"`

	Mail      MailConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig
	Window    WindowConfig
	Database  DatabaseEnv

	AMQPURL   string `env:"AMQP_URL"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	OrgName   string `env:"ORG_NAME"`
}

type MailConfig struct {
	Provider     string        `env:"MAIL_PROVIDER" envDefault:"log"` // "resend" or "log"
	ResendAPIKey string        `env:"RESEND_API_KEY"`
	FromEmail    string        `env:"MAIL_FROM_EMAIL" envDefault:"followup@localhost.localdomain"`
	FromName     string        `env:"MAIL_FROM_NAME"`
	ReplyTo      string        `env:"MAIL_REPLY_TO"`
	SendTimeout  time.Duration `env:"MAIL_SEND_TIMEOUT" envDefault:"15s"`
}

type SchedulerConfig struct {
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15m"`
	Cron     string        `env:"SCHEDULER_CRON"` // overrides Interval when set
	Paused   bool          `env:"SCHEDULER_PAUSED" envDefault:"false"`
}

type DeliveryConfig struct {
	PoolSize         int           `env:"DELIVERY_POOL_SIZE" envDefault:"2"`
	MaxAttempts      int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase      time.Duration `env:"BACKOFF_BASE" envDefault:"30s"`
	BackoffCap       time.Duration `env:"BACKOFF_CAP" envDefault:"1h"`
	PollInterval     time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"5s"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"10m"`
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m"`
}

// WindowConfig limits dispatch to a daily time range. A zero Start and End
// means always open.
type WindowConfig struct {
	Start        Clock  `env:"SEND_WINDOW_START"`
	End          Clock  `env:"SEND_WINDOW_END"`
	SkipWeekends bool   `env:"SEND_WINDOW_SKIP_WEEKENDS" envDefault:"false"`
	Zone         string `env:"SEND_WINDOW_TZ"`
	// Location is resolved from Zone; empty means time.Local.
	Location *time.Location `env:"-"`
}

// DatabaseEnv is the raw database settings. DATABASE_URL wins over the
// DB_USER/DB_PASSWORD/DB_HOST/DB_PORT/DB_NAME parts for PostgreSQL.
type DatabaseEnv struct {
	Driver        string        `env:"DB_DRIVER" envDefault:"sqlite"`
	URL           string        `env:"DATABASE_URL"`
	User          string        `env:"DB_USER" envDefault:"postgres"`
	Password      string        `env:"DB_PASSWORD"`
	Host          string        `env:"DB_HOST" envDefault:"localhost"`
	Port          string        `env:"DB_PORT" envDefault:"5432"`
	Name          string        `env:"DB_NAME" envDefault:"followup"`
	MaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	RetryAttempts int           `env:"DB_CONNECT_ATTEMPTS" envDefault:"5"`
	RetryInterval time.Duration `env:"DB_CONNECT_INTERVAL" envDefault:"1s"`
}

// Clock is a "HH:MM" time of day stored as the offset from midnight.
type Clock time.Duration

func (c *Clock) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	if v == "" {
		*c = 0
		return nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return fmt.Errorf("not a HH:MM clock time: %q", v)
	}
	*c = Clock(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
	return nil
}

func (c Clock) Duration() time.Duration { return time.Duration(c) }

// Load reads .env (if any) and then the process environment.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromEnv builds a Config from environ alone, ignoring the process
// environment. Every malformed value is reported; the returned error matches
// appErrors.IsValidation.
func FromEnv(environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, parseErrors(err)
	}

	var errs []error
	fail := func(key, format string, args ...any) {
		errs = append(errs, appErrors.NewValidation(key, format, args...))
	}
	cfg.resolve(fail)
	cfg.validate(fail)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// parseErrors turns the library's aggregate error into validation errors,
// one per malformed field.
func parseErrors(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return appErrors.NewValidation("env", "%v", err)
	}
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			errs = append(errs, appErrors.NewValidation(pe.Name, "%v", e))
			continue
		}
		errs = append(errs, appErrors.NewValidation("env", "%v", e))
	}
	return errors.Join(errs...)
}

type failFunc func(key, format string, args ...any)

// resolve derives the values that need more than one variable or a lookup.
func (c *Config) resolve(fail failFunc) {
	c.Mail.Provider = strings.ToLower(strings.TrimSpace(c.Mail.Provider))

	c.Window.Location = time.Local
	if zone := strings.TrimSpace(c.Window.Zone); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			fail("SEND_WINDOW_TZ", "unknown time zone %q", zone)
		} else {
			c.Window.Location = loc
		}
	}

	d := c.Database
	c.DB = db.Config{
		Driver:        db.Dialect(strings.ToLower(strings.TrimSpace(d.Driver))),
		URL:           strings.TrimSpace(d.URL),
		MaxOpenConns:  d.MaxOpenConns,
		RetryAttempts: d.RetryAttempts,
		RetryInterval: d.RetryInterval,
	}
	switch c.DB.Driver {
	case db.SQLite:
		if c.DB.URL == "" {
			c.DB.URL = "data/followup.db"
		}
	case db.Postgres:
		if c.DB.URL == "" {
			c.DB.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				d.User, d.Password, d.Host, d.Port, d.Name)
		}
	default:
		fail("DB_DRIVER", "must be postgres or sqlite, got %q", c.DB.Driver)
	}
}

func (c *Config) validate(fail failFunc) {
	switch c.Mail.Provider {
	case "log":
	case "resend":
		if c.Mail.ResendAPIKey == "" {
			fail("RESEND_API_KEY", "required when MAIL_PROVIDER=resend")
		}
	default:
		fail("MAIL_PROVIDER", "must be resend or log, got %q", c.Mail.Provider)
	}
	if c.Delivery.PoolSize < 1 {
		fail("DELIVERY_POOL_SIZE", "must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		fail("DELIVERY_MAX_ATTEMPTS", "must be at least 1")
	}
	if c.Delivery.BackoffBase <= 0 {
		fail("BACKOFF_BASE", "must be positive")
	}
	if c.Delivery.BackoffCap < c.Delivery.BackoffBase {
		fail("BACKOFF_CAP", "must not be less than BACKOFF_BASE")
	}
	for key, d := range map[string]time.Duration{
		"SCHEDULER_INTERVAL":     c.Scheduler.Interval,
		"DELIVERY_POLL_INTERVAL": c.Delivery.PollInterval,
		"RECOVERY_TIMEOUT":       c.Delivery.RecoveryTimeout,
		"RECOVERY_INTERVAL":      c.Delivery.RecoveryInterval,
		"MAIL_SEND_TIMEOUT":      c.Mail.SendTimeout,
		"DB_TIMEOUT":             c.DBTimeout,
	} {
		if d <= 0 {
			fail(key, "must be positive")
		}
	}
	if c.Delivery.RecoveryTimeout <= c.Mail.SendTimeout {
		fail("RECOVERY_TIMEOUT", "must exceed MAIL_SEND_TIMEOUT")
	}
	if w := c.Window; (w.Start != 0 || w.End != 0) && w.End <= w.Start {
		fail("SEND_WINDOW_END", "must be after SEND_WINDOW_START")
	}
}
