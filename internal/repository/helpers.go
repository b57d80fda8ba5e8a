package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/followup/internal/model"
)

// NewID returns a time-ordered UUIDv7, so ids sort in creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Timestamps are stored as UTC unix milliseconds in BIGINT columns.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 3*n)
	for i := range n {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(b)
}

// stateList renders "(?, ?...)" for an IN clause over states with its args.
func stateList(states []model.State) (string, []any) {
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return "(" + placeholders(len(states)) + ")", args
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
