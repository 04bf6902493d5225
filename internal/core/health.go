package core

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a health check for one critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HealthHandler runs the given probes concurrently and reports 200 when all
// pass, 503 otherwise. Mounted unauthenticated at GET /healthz.
func HealthHandler(probes ...HealthProbe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if len(probes) == 0 {
			JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
			return
		}

		type result struct {
			name string
			err  error
		}

		var (
			mu      sync.Mutex
			results = make([]result, 0, len(probes))
			wg      sync.WaitGroup
		)
		for _, probe := range probes {
			wg.Add(1)
			go func(p HealthProbe) {
				defer wg.Done()
				err := p.Check(ctx)
				mu.Lock()
				results = append(results, result{name: p.Name(), err: err})
				mu.Unlock()
			}(probe)
		}
		wg.Wait()

		resp := healthResponse{
			Status:     "healthy",
			Components: make(map[string]componentStatus, len(results)),
		}
		status := http.StatusOK
		for _, res := range results {
			if res.err != nil {
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
				continue
			}
			resp.Components[res.name] = componentStatus{Status: "healthy"}
		}

		JSON(w, r, status, resp)
	}
}
