package service

import (
	"context"
	"time"

	"github.com/unclebandit/followup/internal/db"
	"github.com/unclebandit/followup/internal/repository"
)

const defaultStoreTimeout = 5 * time.Second

// Repos groups the repositories bound to one Querier, either the pool or a
// single transaction.
type Repos struct {
	Clients   *repository.ClientRepository
	Templates *repository.TemplateRepository
	Rules     *repository.RuleRepository
	Queue     *repository.QueueRepository
	Audit     *repository.AuditRepository
}

func reposFor(q db.Querier) Repos {
	return Repos{
		Clients:   &repository.ClientRepository{DB: q},
		Templates: &repository.TemplateRepository{DB: q},
		Rules:     &repository.RuleRepository{DB: q},
		Queue:     &repository.QueueRepository{DB: q},
		Audit:     &repository.AuditRepository{DB: q},
	}
}

// Store is the durable state shared by every service. Each unit of work runs
// under Timeout.
type Store struct {
	DB      *db.DB
	Timeout time.Duration
}

func NewStore(d *db.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Store{DB: d, Timeout: timeout}
}

func (s *Store) Repos() Repos {
	return reposFor(s.DB)
}

// Do runs fn against the pool under the store timeout.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return fn(ctx, s.Repos())
}

// Tx runs fn in one transaction under the store timeout. fn must only use the
// Repos it is given.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return s.DB.WithTx(ctx, func(q db.Querier) error {
		return fn(ctx, reposFor(q))
	})
}

// clock is embedded by services that read the current time.
type clock struct {
	Now func() time.Time
}

func (c clock) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}
