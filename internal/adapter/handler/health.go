package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/stock-ledger/internal/logger"
)

type CheckFunc func(ctx context.Context) error

// HealthReporter runs dependency checks and publishes the result both on the
// gRPC health service and on GET /health.
type HealthReporter struct {
	server *health.Server
	checks map[string]CheckFunc

	mu   sync.RWMutex
	last map[string]string
}

func NewHealthReporter(server *health.Server, checks map[string]CheckFunc) *HealthReporter {
	return &HealthReporter{server: server, checks: checks, last: map[string]string{}}
}

// Check runs every dependency check once and returns the per-dependency status.
func (h *HealthReporter) Check(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.checks[name](cctx)
		cancel()
		if err != nil {
			healthy = false
			result[name] = err.Error()
			logger.Ctx(ctx).Warn().Err(err).Str("dependency", name).Msg("health check failed")
			continue
		}
		result[name] = "ok"
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)

	h.mu.Lock()
	h.last = result
	h.mu.Unlock()
	return result, healthy
}

// Run refreshes the status every interval until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

func (h *HealthReporter) HealthCheck(w http.ResponseWriter, r *http.Request) {
	result, healthy := h.Check(r.Context())
	status := http.StatusOK
	body := map[string]any{"status": "ok", "dependencies": result}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
