package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Readiness body states besides per-component "up" / "down: ...".
const (
	StateReady    = "ready"
	StateNotReady = "not_ready"
)

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness returns 200 only when the binary is marked ready and every checker
// passes within the check timeout.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
	defer cancel()

	components := make(map[string]string, len(s.checkers))
	healthy := s.ready.Load()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, c := range s.checkers {
		g.Go(func() error {
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Warn, not Error: the orchestrator retries the probe.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				DependencyUp.WithLabelValues(c.Name()).Set(0)
				components[c.Name()] = fmt.Sprintf("down: %v", err)
				healthy = false
				return nil
			}
			DependencyUp.WithLabelValues(c.Name()).Set(1)
			components[c.Name()] = "up"
			return nil
		})
	}
	_ = g.Wait()

	state := StateReady
	if !s.ready.Load() {
		state = StateNotReady
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":  state,
		"status": components,
	})
}
