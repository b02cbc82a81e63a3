package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-ai/quorra/core"
)

// mockService is a scriptable gateway service for tests.
type mockService struct {
	id        string
	caps      []string
	execErr   error
	healthy   atomic.Bool
	execCalls atomic.Int64
	shutdowns atomic.Int64
}

func newMockService(id string, caps ...string) *mockService {
	m := &mockService{id: id, caps: caps}
	m.healthy.Store(true)
	return m
}

func (m *mockService) ServiceID() string                  { return m.id }
func (m *mockService) Capabilities() []string             { return m.caps }
func (m *mockService) Initialize(ctx context.Context) error { return nil }
func (m *mockService) HealthCheck(ctx context.Context) bool { return m.healthy.Load() }
func (m *mockService) Shutdown(ctx context.Context) error {
	m.shutdowns.Add(1)
	return nil
}
func (m *mockService) Execute(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	m.execCalls.Add(1)
	if m.execErr != nil {
		return nil, m.execErr
	}
	return map[string]interface{}{"method": method, "ok": true}, nil
}

func TestCallUnknownService(t *testing.T) {
	g := New()
	_, err := g.Call(context.Background(), "nope", "m", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrServiceNotFound))
}

func TestCallSuccess(t *testing.T) {
	g := New()
	svc := newMockService("echo", "echo")
	require.NoError(t, g.Register(context.Background(), svc))

	result, err := g.Call(context.Background(), "echo", "echo", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

// After failure_threshold consecutive failures every subsequent call within
// recovery_timeout fails with the breaker error without invoking the service.
func TestCircuitBreakerLaw(t *testing.T) {
	g := New()
	svc := newMockService("web_search", "web_search")
	svc.execErr = errors.New("upstream down")
	require.NoError(t, g.Register(context.Background(), svc))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := g.Call(ctx, "web_search", "web_search", nil)
		require.Error(t, err)
		assert.False(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	}
	assert.Equal(t, int64(5), svc.execCalls.Load())

	state, ok := g.BreakerState("web_search")
	require.True(t, ok)
	assert.Equal(t, "open", state)

	// Sixth call is rejected without touching the service
	_, err := g.Call(ctx, "web_search", "web_search", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	assert.Equal(t, int64(5), svc.execCalls.Load())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	current := time.Now()
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState())
	assert.True(t, errors.Is(cb.Allow(), core.ErrCircuitBreakerOpen))

	// Recovery window elapses: one trial is admitted, a second is not
	current = current.Add(61 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, "half-open", cb.GetState())
	assert.True(t, errors.Is(cb.Allow(), core.ErrCircuitBreakerOpen))

	// Trial success closes the breaker
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetState())
	require.NoError(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	current := time.Now()
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	current = current.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState())
	assert.True(t, errors.Is(cb.Allow(), core.ErrCircuitBreakerOpen))
}

func TestDiscoverServices(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(context.Background(), newMockService("knowledge", "rag_search", "rag_ask")))
	require.NoError(t, g.Register(context.Background(), newMockService("sandbox", "execute_python")))

	descriptors := g.DiscoverServices()
	require.Len(t, descriptors, 2)
	byID := map[string]ServiceDescriptor{}
	for _, d := range descriptors {
		byID[d.ServiceID] = d
	}
	assert.ElementsMatch(t, []string{"rag_search", "rag_ask"}, byID["knowledge"].Capabilities)
	assert.True(t, byID["knowledge"].Healthy)
}

func TestHealthProbeFlagsButKeepsService(t *testing.T) {
	g := New(WithHealthInterval(10 * time.Millisecond))
	svc := newMockService("flaky", "m")
	require.NoError(t, g.Register(context.Background(), svc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartHealthProbe(ctx)

	svc.healthy.Store(false)
	assert.Eventually(t, func() bool {
		ds := g.DiscoverServices()
		return len(ds) == 1 && !ds[0].Healthy
	}, time.Second, 10*time.Millisecond)

	// Unhealthy services stay registered and callable
	_, err := g.Call(ctx, "flaky", "m", nil)
	assert.NoError(t, err)
}

func TestUnregisterShutsDown(t *testing.T) {
	g := New()
	svc := newMockService("tmp", "m")
	require.NoError(t, g.Register(context.Background(), svc))
	require.NoError(t, g.Unregister(context.Background(), "tmp"))
	assert.Equal(t, int64(1), svc.shutdowns.Load())

	_, err := g.Call(context.Background(), "tmp", "m", nil)
	assert.True(t, errors.Is(err, core.ErrServiceNotFound))
}
