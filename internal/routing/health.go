package routing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// HealthTracker sweeps provider health checks on an interval and serves
// the latest status to the router and readiness probes. Providers with
// no observation yet report "unknown" with a middling score so a cold
// start does not blackhole traffic.
type HealthTracker struct {
	registry *providers.Registry
	interval time.Duration
	logger   *logrus.Logger

	mu     sync.RWMutex
	status map[string]*types.HealthStatus
}

// NewHealthTracker creates a tracker over the provider registry.
func NewHealthTracker(registry *providers.Registry, interval time.Duration, logger *logrus.Logger) *HealthTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := &HealthTracker{
		registry: registry,
		interval: interval,
		logger:   logger,
		status:   make(map[string]*types.HealthStatus),
	}
	for _, name := range registry.Names() {
		t.status[name] = &types.HealthStatus{Status: "unknown", Score: 0.5}
	}
	return t
}

// Start runs the periodic sweep until ctx is cancelled. The first sweep
// happens immediately.
func (t *HealthTracker) Start(ctx context.Context) {
	go func() {
		t.sweep(ctx)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *HealthTracker) sweep(ctx context.Context) {
	for _, provider := range t.registry.All() {
		start := time.Now()
		err := provider.HealthCheck(ctx)
		duration := time.Since(start)

		status := &types.HealthStatus{
			LastChecked:  time.Now().Unix(),
			ResponseTime: duration.Milliseconds(),
		}
		if err != nil {
			status.Status = "unhealthy"
			status.Score = 0
			status.ErrorMessage = err.Error()
			t.logger.WithError(err).Warnf("Health check failed for %s", provider.Name())
		} else {
			status.Status = "healthy"
			status.Score = 1.0
			t.logger.WithField("provider", provider.Name()).Debug("Health check passed")
		}

		t.mu.Lock()
		t.status[provider.Name()] = status
		t.mu.Unlock()
	}
}

// Status returns the latest health status for one provider.
func (t *HealthTracker) Status(name string) *types.HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.status[name]; ok {
		copied := *s
		return &copied
	}
	return &types.HealthStatus{Status: "unknown", Score: 0.5}
}

// All returns a snapshot of every provider's health status.
func (t *HealthTracker) All() map[string]*types.HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*types.HealthStatus, len(t.status))
	for name, s := range t.status {
		copied := *s
		out[name] = &copied
	}
	return out
}

// Score returns the numeric health score for scoring. Unknown providers
// score 0.5 so they remain eligible until proven unhealthy.
func (t *HealthTracker) Score(name string) float64 {
	return t.Status(name).Score
}
