// Package gateway implements the MCP gateway: a registry of named
// capability services with a uniform call surface, per-service circuit
// breakers, and a background health prober. The gateway never retries —
// retry policy belongs to the executor.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorra-ai/quorra/core"
)

// DefaultHealthInterval is how often registered services are probed.
const DefaultHealthInterval = 30 * time.Second

type registeredService struct {
	service Service
	breaker *CircuitBreaker
	healthy bool
}

// Gateway routes typed calls to registered services.
type Gateway struct {
	mu       sync.RWMutex
	services map[string]*registeredService

	breakerConfig  BreakerConfig
	healthInterval time.Duration
	logger         core.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBreakerConfig overrides the per-service breaker defaults.
func WithBreakerConfig(config BreakerConfig) Option {
	return func(g *Gateway) { g.breakerConfig = config }
}

// WithHealthInterval overrides the health probe interval.
func WithHealthInterval(interval time.Duration) Option {
	return func(g *Gateway) {
		if interval > 0 {
			g.healthInterval = interval
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger core.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		services:       make(map[string]*registeredService),
		breakerConfig:  DefaultBreakerConfig(),
		healthInterval: DefaultHealthInterval,
		logger:         &core.NoOpLogger{},
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register records the service and initializes its circuit breaker.
func (g *Gateway) Register(ctx context.Context, service Service) error {
	if err := service.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize service %s: %w", service.ServiceID(), err)
	}

	g.mu.Lock()
	g.services[service.ServiceID()] = &registeredService{
		service: service,
		breaker: NewCircuitBreaker(g.breakerConfig),
		healthy: true,
	}
	g.mu.Unlock()

	g.logger.Info("Service registered", map[string]interface{}{
		"operation":    "gateway_register",
		"service_id":   service.ServiceID(),
		"capabilities": service.Capabilities(),
	})
	return nil
}

// Unregister drops the service and asks it to shut down.
func (g *Gateway) Unregister(ctx context.Context, serviceID string) error {
	g.mu.Lock()
	entry, ok := g.services[serviceID]
	delete(g.services, serviceID)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("unregister %s: %w", serviceID, core.ErrServiceNotFound)
	}
	if err := entry.service.Shutdown(ctx); err != nil {
		g.logger.Warn("Service shutdown failed", map[string]interface{}{
			"operation":  "gateway_unregister",
			"service_id": serviceID,
			"error":      err.Error(),
		})
	}
	g.logger.Info("Service unregistered", map[string]interface{}{
		"operation":  "gateway_unregister",
		"service_id": serviceID,
	})
	return nil
}

// Call executes one method against a registered service. Breaker
// consultation order: lookup, breaker admission, execute, record outcome.
// Exceptions from Execute always propagate; the gateway does not retry.
func (g *Gateway) Call(ctx context.Context, serviceID, method string, params map[string]interface{}) (map[string]interface{}, error) {
	g.mu.RLock()
	entry, ok := g.services[serviceID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %s.%s: %w", serviceID, method, core.ErrServiceNotFound)
	}

	if err := entry.breaker.Allow(); err != nil {
		g.logger.Warn("Call rejected by circuit breaker", map[string]interface{}{
			"operation":  "gateway_call",
			"service_id": serviceID,
			"method":     method,
			"state":      entry.breaker.GetState(),
		})
		return nil, fmt.Errorf("call %s.%s: %w", serviceID, method, err)
	}

	start := time.Now()
	result, err := entry.service.Execute(ctx, method, params)
	if err != nil {
		entry.breaker.RecordFailure()
		g.logger.Error("Service call failed", map[string]interface{}{
			"operation":   "gateway_call",
			"service_id":  serviceID,
			"method":      method,
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       err.Error(),
		})
		return nil, err
	}

	entry.breaker.RecordSuccess()
	g.logger.Debug("Service call completed", map[string]interface{}{
		"operation":   "gateway_call",
		"service_id":  serviceID,
		"method":      method,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

// DiscoverServices is a cheap, read-only listing of registered services.
func (g *Gateway) DiscoverServices() []ServiceDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ServiceDescriptor, 0, len(g.services))
	for id, entry := range g.services {
		out = append(out, ServiceDescriptor{
			ServiceID:    id,
			Capabilities: entry.service.Capabilities(),
			Healthy:      entry.healthy,
		})
	}
	return out
}

// BreakerState exposes the breaker state for one service (for diagnostics).
func (g *Gateway) BreakerState(serviceID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.services[serviceID]
	if !ok {
		return "", false
	}
	return entry.breaker.GetState(), true
}

// StartHealthProbe launches the background prober. Unhealthy services are
// flagged but never auto-unregistered; only the health bit flips.
func (g *Gateway) StartHealthProbe(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.probeAll(ctx)
			}
		}
	}()
}

// Stop terminates the health prober and shuts down every service.
func (g *Gateway) Stop(ctx context.Context) {
	g.stopOnce.Do(func() { close(g.stopCh) })

	g.mu.Lock()
	services := make([]Service, 0, len(g.services))
	for _, entry := range g.services {
		services = append(services, entry.service)
	}
	g.services = make(map[string]*registeredService)
	g.mu.Unlock()

	for _, svc := range services {
		if err := svc.Shutdown(ctx); err != nil {
			g.logger.Warn("Service shutdown failed", map[string]interface{}{
				"operation":  "gateway_stop",
				"service_id": svc.ServiceID(),
				"error":      err.Error(),
			})
		}
	}
}

func (g *Gateway) probeAll(ctx context.Context) {
	g.mu.RLock()
	entries := make(map[string]*registeredService, len(g.services))
	for id, entry := range g.services {
		entries[id] = entry
	}
	g.mu.RUnlock()

	for id, entry := range entries {
		healthy := entry.service.HealthCheck(ctx)

		g.mu.Lock()
		if current, ok := g.services[id]; ok {
			if current.healthy != healthy {
				g.logger.Warn("Service health changed", map[string]interface{}{
					"operation":  "gateway_health_probe",
					"service_id": id,
					"healthy":    healthy,
				})
			}
			current.healthy = healthy
		}
		g.mu.Unlock()
	}
}
