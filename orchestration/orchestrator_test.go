package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-ai/quorra/bus"
	"github.com/quorra-ai/quorra/contextstore"
	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/gateway"
	"github.com/quorra-ai/quorra/llm"
)

// stubService is a scriptable gateway service recording call order.
type stubService struct {
	id      string
	caps    []string
	handler func(method string, params map[string]interface{}) (map[string]interface{}, error)
	delay   time.Duration

	mu    sync.Mutex
	calls []string
	args  []map[string]interface{}
}

func (s *stubService) ServiceID() string                    { return s.id }
func (s *stubService) Capabilities() []string               { return s.caps }
func (s *stubService) Initialize(ctx context.Context) error { return nil }
func (s *stubService) HealthCheck(ctx context.Context) bool { return true }
func (s *stubService) Shutdown(ctx context.Context) error   { return nil }
func (s *stubService) Execute(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, method)
	s.args = append(s.args, params)
	s.mu.Unlock()
	return s.handler(method, params)
}

func (s *stubService) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func ragChunk(text, fileName, page string) map[string]interface{} {
	return map[string]interface{}{
		"text": text,
		"metadata": map[string]interface{}{
			"file_name":  fileName,
			"page_label": page,
		},
	}
}

func knowledgeStub() *stubService {
	return &stubService{
		id:   ServiceKnowledge,
		caps: []string{"rag_search", "rag_search_multiple", "rag_ask"},
		handler: func(method string, params map[string]interface{}) (map[string]interface{}, error) {
			results := []interface{}{
				ragChunk("RAG combines retrieval with generation to ground answers in documents.", "rag.pdf", "1"),
				ragChunk("Retrieved passages are injected into the prompt before generation.", "rag.pdf", "2"),
			}
			if method == "rag_ask" {
				return map[string]interface{}{
					"answer":  "RAG 是一種結合檢索與生成的技術。",
					"results": results,
				}, nil
			}
			return map[string]interface{}{"results": results, "total": len(results)}, nil
		},
	}
}

func sandboxStub() *stubService {
	return &stubService{
		id:   ServiceSandbox,
		caps: []string{"execute_bash", "execute_python"},
		handler: func(method string, params map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{
				"stdout": "total 16\ndrwxr-xr-x  notes.md\ndrwxr-xr-x  report.pdf",
			}, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, client llm.Client, services ...gateway.Service) (*Orchestrator, *gateway.Gateway) {
	t.Helper()
	gw := gateway.New()
	for _, svc := range services {
		require.NoError(t, gw.Register(context.Background(), svc))
	}

	o := NewOrchestrator(gw, client, contextstore.New(), bus.New())
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		o.Stop()
		cancel()
	})
	return o, gw
}

func collect(t *testing.T, events <-chan bus.Event) []bus.Event {
	t.Helper()
	var out []bus.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream did not finish")
		}
	}
}

func eventTypes(events []bus.Event) []bus.EventType {
	out := make([]bus.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// assertSingleTerminal checks invariant: exactly one terminal event,
// nothing after it.
func assertSingleTerminal(t *testing.T, events []bus.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	for i, ev := range events[:len(events)-1] {
		assert.False(t, ev.Type.Terminal(), "event %d (%s) is terminal but not last", i, ev.Type)
	}
	assert.True(t, events[len(events)-1].Type.Terminal())
}

func containsSubsequence(types []bus.EventType, want ...bus.EventType) bool {
	i := 0
	for _, ty := range types {
		if i < len(want) && ty == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestBashRequestEndToEnd(t *testing.T) {
	sandbox := sandboxStub()
	o, _ := newTestOrchestrator(t, nil, sandbox)

	req := core.NewRequest("list files in current directory", core.ModeAuto, "s1")
	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	assertSingleTerminal(t, events)
	types := eventTypes(events)
	assert.True(t, containsSubsequence(types,
		bus.EventThinking, bus.EventPlan, bus.EventToolCall,
		bus.EventToolResult, bus.EventAnswer, bus.EventDone),
		"got %v", types)

	assert.Equal(t, []string{"execute_bash"}, sandbox.callOrder())
	require.NotEmpty(t, sandbox.args)
	assert.Equal(t, "ls -la", sandbox.args[0]["command"])

	// Correlation id propagates through every event
	for _, ev := range events {
		assert.Equal(t, req.ID, ev.CorrelationID)
	}
}

func TestKnowledgeRequestWithSelectedDocs(t *testing.T) {
	knowledge := knowledgeStub()
	o, _ := newTestOrchestrator(t, nil, knowledge)

	req := core.NewRequest("What is RAG?", core.ModeKnowledge, "s1")
	req.Options["selected_docs"] = []string{"rag.pdf"}

	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)
	events := collect(t, stream)
	assertSingleTerminal(t, events)

	// Search before ask, per the dependency order
	assert.Equal(t, []string{"rag_search_multiple", "rag_ask"}, knowledge.callOrder())

	// Both RAG tasks carry the document filter
	for _, args := range knowledge.args {
		filters, ok := args["filters"].(map[string]interface{})
		require.True(t, ok, "missing filters in %v", args)
		assert.Equal(t, []string{"rag.pdf"}, filters["file_name"])
	}

	var sourceEvent *bus.Event
	for i := range events {
		if events[i].Type == bus.EventSource {
			sourceEvent = &events[i]
		}
	}
	require.NotNil(t, sourceEvent, "expected a source event")
	sources := sourceEvent.Payload.Data["sources"].([]map[string]interface{})
	require.NotEmpty(t, sources)
	for _, src := range sources {
		assert.Equal(t, "rag.pdf", src["file_name"])
	}
}

// brokenPlannerLLM returns prose instead of JSON for every call.
type brokenPlannerLLM struct{}

func (brokenPlannerLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (*llm.Response, error) {
	return &llm.Response{Content: "I am sorry, I cannot produce a machine readable plan."}, nil
}
func (brokenPlannerLLM) GenerateStream(ctx context.Context, prompt string, opts ...llm.GenerateOption) (<-chan string, error) {
	out := make(chan string)
	close(out)
	return out, nil
}
func (brokenPlannerLLM) Provider() string { return "broken" }

func TestNonJSONPlannerFallsBack(t *testing.T) {
	knowledge := knowledgeStub()
	o, _ := newTestOrchestrator(t, brokenPlannerLLM{}, knowledge)

	req := core.NewRequest("What is RAG?", core.ModeKnowledge, "s1")
	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	assertSingleTerminal(t, events)
	assert.Equal(t, bus.EventDone, events[len(events)-1].Type)
	// The rule-based fallback still produced and executed a plan
	assert.NotEmpty(t, knowledge.callOrder())
}

// emptyPlanLLM plans zero tasks, answering from the analysis alone.
type emptyPlanLLM struct{}

func (emptyPlanLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (*llm.Response, error) {
	return &llm.Response{Content: `{"analysis": "你好,需要我幫忙什麼嗎?", "tasks": []}`}, nil
}
func (emptyPlanLLM) GenerateStream(ctx context.Context, prompt string, opts ...llm.GenerateOption) (<-chan string, error) {
	out := make(chan string)
	close(out)
	return out, nil
}
func (emptyPlanLLM) Provider() string { return "empty" }

func TestNoTaskPlanAnswersDirectly(t *testing.T) {
	o, _ := newTestOrchestrator(t, emptyPlanLLM{})

	req := core.NewRequest("hello", core.ModeChat, "s1")
	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	assertSingleTerminal(t, events)
	types := eventTypes(events)
	assert.True(t, containsSubsequence(types, bus.EventThinking, bus.EventAnswer, bus.EventDone), "got %v", types)
	// No tool calls happen for an empty plan
	for _, ty := range types {
		assert.NotEqual(t, bus.EventToolCall, ty)
	}
}

func TestRequestTimeoutEmitsError(t *testing.T) {
	slow := sandboxStub()
	slow.delay = 2 * time.Second
	gw := gateway.New()
	require.NoError(t, gw.Register(context.Background(), slow))

	o := NewOrchestrator(gw, nil, contextstore.New(), bus.New(),
		WithConfig(Config{RequestTimeout: 300 * time.Millisecond}))
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		o.Stop()
		cancel()
	})

	req := core.NewRequest("list files in current directory", core.ModeAuto, "s1")
	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)

	events := collect(t, stream)
	assertSingleTerminal(t, events)
	last := events[len(events)-1]
	assert.Equal(t, bus.EventError, last.Type)
	assert.Equal(t, "Processing timeout", last.Payload.Content)
}

func TestCallerCancellationAbortsRequest(t *testing.T) {
	slow := sandboxStub()
	slow.delay = 5 * time.Second
	o, _ := newTestOrchestrator(t, nil, slow)

	ctx, cancel := context.WithCancel(context.Background())
	req := core.NewRequest("list files in current directory", core.ModeAuto, "s1")
	stream, err := o.ProcessIntent(ctx, req)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	cancel()

	events := collect(t, stream)
	assertSingleTerminal(t, events)
	last := events[len(events)-1]
	assert.Equal(t, bus.EventError, last.Type)
	assert.Equal(t, "request cancelled", last.Payload.Content)
}

func TestConversationPersistedToContextStore(t *testing.T) {
	sandbox := sandboxStub()
	contexts := contextstore.New()
	gw := gateway.New()
	require.NoError(t, gw.Register(context.Background(), sandbox))

	o := NewOrchestrator(gw, nil, contexts, bus.New())
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		o.Stop()
		cancel()
	})

	req := core.NewRequest("list files in current directory", core.ModeAuto, "conv-1")
	stream, err := o.ProcessIntent(context.Background(), req)
	require.NoError(t, err)
	collect(t, stream)

	session := contexts.Get(context.Background(), "conv-1")
	require.NotNil(t, session)
	require.GreaterOrEqual(t, len(session.History), 2)
	assert.Equal(t, "user", session.History[0].Role)
	assert.Equal(t, "assistant", session.History[len(session.History)-1].Role)
}
