package orchestration

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/llm"
)

// plannerLLM replies with a fixed plan payload.
type plannerLLM struct {
	content string
	err     error
}

func (p plannerLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (*llm.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.content}, nil
}
func (p plannerLLM) GenerateStream(ctx context.Context, prompt string, opts ...llm.GenerateOption) (<-chan string, error) {
	out := make(chan string)
	close(out)
	return out, nil
}
func (p plannerLLM) Provider() string { return "test" }

func TestFallbackBashPlan(t *testing.T) {
	p := NewPlanner(nil, nil)
	plan := p.CreatePlan(context.Background(), &Intent{Content: "list files in current directory"})

	require.Len(t, plan.Tasks, 1)
	task := plan.Tasks[0]
	assert.Equal(t, "execute_bash", task.Tool)
	assert.Equal(t, ServiceSandbox, task.Service)
	assert.Equal(t, "ls -la", task.Parameters["command"])
	assert.Equal(t, []string{"task_1"}, plan.ExecutionOrder)
}

func TestFallbackQuestionPlanChainsSearchAndAsk(t *testing.T) {
	p := NewPlanner(nil, nil)
	plan := p.CreatePlan(context.Background(), &Intent{Content: "What is RAG?"})

	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "rag_search_multiple", plan.Tasks[0].Tool)
	assert.Equal(t, "rag_ask", plan.Tasks[1].Tool)
	assert.Equal(t, []string{"task_1"}, plan.Tasks[1].Dependencies)
	assert.Equal(t, []string{"task_1", "task_2"}, plan.ExecutionOrder)

	queries, ok := plan.Tasks[0].Parameters["queries"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, queries)
}

func TestPatternExpansion(t *testing.T) {
	p := NewPlanner(nil, nil)

	queries := p.expandQueries("這份文件在講什麼?")
	require.NotEmpty(t, queries)
	assert.GreaterOrEqual(t, len(queries), 2)
	assert.Contains(t, queries, "文件 主題 內容 概述")

	// Unmatched queries fall back to original + keywords + variant
	defaults := p.expandQueries("quantum entanglement experiments")
	assert.Contains(t, defaults, "quantum entanglement experiments")
	assert.GreaterOrEqual(t, len(defaults), 2)
}

func TestSelectedDocsFilterInjection(t *testing.T) {
	p := NewPlanner(nil, nil)
	req := core.NewRequest("What is RAG?", core.ModeKnowledge, "s1")
	req.Options["selected_docs"] = []string{"rag.pdf", "intro.pdf"}

	plan := p.CreatePlan(context.Background(), &Intent{Content: req.Query, Request: req})
	for _, task := range plan.Tasks {
		filters, ok := task.Parameters["filters"].(map[string]interface{})
		require.True(t, ok, "task %s missing filters", task.ID)
		assert.Equal(t, []string{"rag.pdf", "intro.pdf"}, filters["file_name"])
	}
}

func TestVisionShortCircuit(t *testing.T) {
	p := NewPlanner(plannerLLM{content: "should not be called"}, nil)
	req := core.NewRequest("what is in this picture?", core.ModeAuto, "s1")
	req.Options["attachments"] = []core.Attachment{{Type: "image", MimeType: "image/png", Base64Data: "aGk="}}

	plan := p.CreatePlan(context.Background(), &Intent{Content: req.Query, Request: req})
	assert.True(t, plan.NeedsVision)
	assert.False(t, plan.NeedsFileAnalysis)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "vision_analysis", plan.Tasks[0].Tool)
	assert.Equal(t, ServiceVision, plan.Tasks[0].Service)
}

func TestFileShortCircuit(t *testing.T) {
	p := NewPlanner(nil, nil)
	req := core.NewRequest("summarize this file", core.ModeAuto, "s1")
	req.Options["attachments"] = []core.Attachment{{Type: "file", MimeType: "application/pdf", Base64Data: "aGk="}}

	plan := p.CreatePlan(context.Background(), &Intent{Content: req.Query, Request: req})
	assert.True(t, plan.NeedsFileAnalysis)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "file_analysis", plan.Tasks[0].Tool)
}

func TestLLMPlanParsed(t *testing.T) {
	p := NewPlanner(plannerLLM{content: "```json\n" + `{
		"analysis": "two step retrieval",
		"tasks": [
			{"id": "task_2", "tool": "rag_ask", "parameters": {"question": "What is RAG?"}, "dependencies": ["task_1"]},
			{"id": "task_1", "tool": "rag_search_multiple", "parameters": {"queries": ["rag overview"]}}
		],
		"reasoning": "search then answer"
	}` + "\n```"}, nil)

	plan := p.CreatePlan(context.Background(), &Intent{Content: "What is RAG?"})
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, []string{"task_1", "task_2"}, plan.ExecutionOrder)
	assert.Equal(t, ServiceKnowledge, plan.Tasks[0].Service)
}

func TestMalformedJSONRepaired(t *testing.T) {
	// Trailing comma and unquoted key survive jsonrepair
	p := NewPlanner(plannerLLM{content: `{"analysis": "ok", "tasks": [{"id": "task_1", "tool": "rag_search", "parameters": {"query": "x"},}],}`}, nil)

	plan := p.CreatePlan(context.Background(), &Intent{Content: "find x"})
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "rag_search", plan.Tasks[0].Tool)
}

func TestPlannerSystemPromptStable(t *testing.T) {
	prompt := plannerSystemPrompt()
	for tool := range knownTools {
		assert.Contains(t, prompt, "- "+tool+"(")
	}
	// Tool list renders in sorted order, every time.
	lastIndex := -1
	for _, tool := range []string{"execute_bash", "execute_python", "rag_ask", "web_search"} {
		index := strings.Index(prompt, "- "+tool+"(")
		assert.Greater(t, index, lastIndex, "tool %s out of order", tool)
		lastIndex = index
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, prompt, plannerSystemPrompt())
	}
}

func TestLLMFailureFallsBack(t *testing.T) {
	p := NewPlanner(plannerLLM{err: assert.AnError}, nil)
	plan := p.CreatePlan(context.Background(), &Intent{Content: "What is RAG?"})
	require.NotEmpty(t, plan.Tasks)
	assert.Equal(t, "rag_search_multiple", plan.Tasks[0].Tool)
}
