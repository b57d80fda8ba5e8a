package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/unclebandit/followup/internal/logger"
)

const defaultHealthTimeout = 5 * time.Second

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler runs every check in parallel and answers 503 when any fails.
type HealthHandler struct {
	Checks  map[string]CheckFunc
	Timeout time.Duration
	Log     *slog.Logger
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		resp = healthResponse{Status: "healthy", Checks: make(map[string]string, len(h.Checks))}
	)
	for name, check := range h.Checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "healthy"
			if err := check(ctx); err != nil {
				result = err.Error()
				logger.OrNope(h.Log).WarnContext(ctx, "health check failed",
					slog.String("check", name), slog.Any("error", err))
			}
			mu.Lock()
			defer mu.Unlock()
			resp.Checks[name] = result
			if result != "healthy" {
				resp.Status = "unhealthy"
			}
		}()
	}
	wg.Wait()

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
