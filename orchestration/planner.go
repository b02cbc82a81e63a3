package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
	"gopkg.in/yaml.v3"

	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/llm"
)

// knownTools enumerates every tool the planner may emit, with the
// parameter hints used in the planning prompt.
var knownTools = map[string]string{
	"rag_search":          "query: string, top_k?: int, filters?: map",
	"rag_search_multiple": "queries: [string], top_k_per_query?: int, filters?: map",
	"rag_ask":             "question: string, filters?: map",
	"execute_python":      "code: string, description?: string",
	"execute_bash":        "command: string",
	"web_search":          "query: string",
	"vision_analysis":     "images: [attachment], question: string",
	"file_analysis":       "files: [attachment], question: string",
}

// queryPatterns expands colloquial intents into multi-angle search
// strings, mixing topical and structural terms across CJK and English.
const queryPatterns = `
patterns:
  - match: ["what does it talk about", "what is it about", "在講什麼", "講了什麼", "主要內容"]
    queries:
      - "document main topic theme overview"
      - "文件 主題 內容 概述"
      - "introduction abstract summary conclusion"
  - match: ["summarize", "summary", "摘要", "總結"]
    queries:
      - "key points main findings summary"
      - "重點 結論 摘要"
  - match: ["how does it work", "how it works", "原理", "如何運作"]
    queries:
      - "mechanism principle architecture"
      - "運作 原理 機制 流程"
      - "method approach implementation"
  - match: ["compare", "difference", "比較", "差異"]
    queries:
      - "comparison difference advantages disadvantages"
      - "比較 差異 優缺點"
`

type patternTable struct {
	Patterns []struct {
		Match   []string `yaml:"match"`
		Queries []string `yaml:"queries"`
	} `yaml:"patterns"`
}

// plannerSystemPrompt frames the LLM planning call. The reply must be a
// single JSON object matching the plan schema. Tools are listed in
// sorted order so the prompt is stable across calls.
func plannerSystemPrompt() string {
	names := make([]string, 0, len(knownTools))
	for tool := range knownTools {
		names = append(names, tool)
	}
	sort.Strings(names)
	var tools strings.Builder
	for _, tool := range names {
		fmt.Fprintf(&tools, "- %s(%s)\n", tool, knownTools[tool])
	}
	return `You are a task planner. Decompose the user request into a JSON plan.

Available tools:
` + tools.String() + `
Respond with ONLY a JSON object, no prose, matching:
{
  "analysis": "one-sentence understanding of the request",
  "sub_questions": ["..."],
  "tasks": [
    {"id": "task_1", "tool": "rag_search_multiple",
     "parameters": {"queries": ["..."]},
     "dependencies": [], "description": "..."}
  ],
  "reasoning": "why this decomposition"
}

Example: "What is RAG? (documents: rag.pdf)" becomes two tasks:
task_1 rag_search_multiple with multi-angle queries, then task_2
rag_ask depending on task_1. "list files in current directory"
becomes a single execute_bash task with the matching command.
Keep plans minimal; omit tasks the request does not need.`
}

// Planner turns an intent into a dependency-ordered plan. When no LLM
// is configured, or the LLM reply cannot be parsed even after repair,
// it falls back to the rule-based planner.
type Planner struct {
	client   llm.Client
	patterns patternTable
	logger   core.Logger
}

// NewPlanner creates the planning behavior. client may be nil.
func NewPlanner(client llm.Client, logger core.Logger) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	p := &Planner{client: client, logger: logger}
	if err := yaml.Unmarshal([]byte(queryPatterns), &p.patterns); err != nil {
		logger.Error("Query pattern table failed to parse", map[string]interface{}{
			"operation": "planner_init",
			"error":     err.Error(),
		})
	}
	return p
}

// Receive handles create_plan messages.
func (p *Planner) Receive(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case MsgCreatePlan:
		intent, ok := msg.Payload.(*Intent)
		if !ok || intent == nil {
			return nil, fmt.Errorf("planner: malformed create_plan payload")
		}
		return p.CreatePlan(ctx, intent), nil
	default:
		return nil, nil
	}
}

// CreatePlan produces the plan for one intent.
func (p *Planner) CreatePlan(ctx context.Context, intent *Intent) *Plan {
	if plan := p.attachmentShortCircuit(intent); plan != nil {
		return plan
	}

	plan := p.llmPlan(ctx, intent)
	if plan == nil {
		plan = p.fallbackPlan(intent)
	}
	p.validate(plan, intent)
	return plan
}

// attachmentShortCircuit skips planning entirely for image and file
// attachments, which take dedicated orchestrator paths.
func (p *Planner) attachmentShortCircuit(intent *Intent) *Plan {
	attachments := intentAttachments(intent)
	if len(attachments) == 0 {
		return nil
	}

	hasImage := false
	for _, a := range attachments {
		if a.Type == "image" || strings.HasPrefix(a.MimeType, "image/") {
			hasImage = true
			break
		}
	}

	tool := "file_analysis"
	if hasImage {
		tool = "vision_analysis"
	}
	plan := &Plan{
		Analysis: "attachment analysis",
		Tasks: []Task{{
			ID:          "task_1",
			Tool:        tool,
			Parameters:  map[string]interface{}{"question": intent.Content},
			Description: "analyze the attached content",
		}},
		NeedsVision:       hasImage,
		NeedsFileAnalysis: !hasImage,
	}
	return plan
}

func (p *Planner) llmPlan(ctx context.Context, intent *Intent) *Plan {
	if p.client == nil {
		return nil
	}

	prompt := p.buildPlanningPrompt(intent)
	resp, err := p.client.Generate(ctx, prompt,
		llm.WithSystemPrompt(plannerSystemPrompt()),
		llm.WithTemperature(0.1))
	if err != nil {
		p.logger.Warn("LLM planning failed, using fallback", map[string]interface{}{
			"operation": "create_plan",
			"error":     err.Error(),
		})
		return nil
	}

	plan, err := parsePlanJSON(resp.Content)
	if err != nil {
		p.logger.Warn("Plan JSON unusable, using fallback", map[string]interface{}{
			"operation": "create_plan",
			"error":     err.Error(),
		})
		return nil
	}
	return plan
}

func (p *Planner) buildPlanningPrompt(intent *Intent) string {
	var sb strings.Builder
	if intent.Session != nil && len(intent.Session.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		history := intent.Session.History
		if len(history) > 6 {
			history = history[len(history)-6:]
		}
		for _, msg := range history {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}
		sb.WriteString("\n")
	}
	if docs := intentSelectedDocs(intent); len(docs) > 0 {
		fmt.Fprintf(&sb, "Selected documents: %s\n\n", strings.Join(docs, ", "))
	}
	if hints := hintStrings(intent.Parameters["skill_hints"]); len(hints) > 0 {
		sb.WriteString("Approaches that worked for similar requests:\n")
		for _, hint := range hints {
			fmt.Fprintf(&sb, "- %s\n", hint)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Request: %s", intent.Content)
	return sb.String()
}

// parsePlanJSON extracts a plan from the model reply, stripping code
// fences and repairing malformed JSON before giving up.
func parsePlanJSON(content string) (*Plan, error) {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
		}
		if err := json.Unmarshal([]byte(repaired), &plan); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
		}
	}
	if len(plan.Tasks) == 0 && plan.Analysis == "" {
		return nil, fmt.Errorf("%w: empty plan", core.ErrInvalidPlan)
	}
	return &plan, nil
}

// fallbackPlan is the rule-based planner used when no LLM reply is
// usable.
func (p *Planner) fallbackPlan(intent *Intent) *Plan {
	query := intent.Content
	lower := strings.ToLower(query)

	if containsAny(lower, "list files", "directory", "directories", "ls ", "bash", "shell", "磁碟", "目錄") {
		return &Plan{
			Analysis: "shell command request",
			Tasks: []Task{{
				ID:          "task_1",
				Tool:        "execute_bash",
				Parameters:  map[string]interface{}{"command": deriveBashCommand(lower)},
				Description: "run the shell command",
			}},
			Reasoning: "rule-based: shell indicator",
		}
	}

	if containsAny(lower, "python", "calculate", "compute", "計算") {
		return &Plan{
			Analysis: "computation request",
			Tasks: []Task{{
				ID:          "task_1",
				Tool:        "execute_python",
				Parameters:  map[string]interface{}{"description": query},
				Description: "run python for the computation",
			}},
			Reasoning: "rule-based: python indicator",
		}
	}

	queries := p.expandQueries(query)
	searchTask := Task{
		ID:          "task_1",
		Tool:        "rag_search_multiple",
		Parameters:  map[string]interface{}{"queries": queries},
		Description: "multi-angle knowledge search",
	}

	if containsAny(lower, "search", "find", "搜尋", "查詢") && !isQuestion(query) {
		return &Plan{
			Analysis:  "knowledge search request",
			Tasks:     []Task{searchTask},
			Reasoning: "rule-based: search indicator",
		}
	}

	return &Plan{
		Analysis: "knowledge question",
		Tasks: []Task{
			searchTask,
			{
				ID:           "task_2",
				Tool:         "rag_ask",
				Parameters:   map[string]interface{}{"question": query},
				Dependencies: []string{"task_1"},
				Description:  "answer from retrieved context",
			},
		},
		Reasoning: "rule-based: question form",
	}
}

// expandQueries applies the pattern table; when nothing matches it
// falls back to {original, keywords-only, CJK variant}.
func (p *Planner) expandQueries(query string) []string {
	lower := strings.ToLower(query)
	for _, pattern := range p.patterns.Patterns {
		for _, m := range pattern.Match {
			if strings.Contains(lower, strings.ToLower(m)) {
				return pattern.Queries
			}
		}
	}

	queries := []string{query}
	if kw := keywordsOnly(query); kw != "" && kw != query {
		queries = append(queries, kw)
	}
	if cjk := cjkOnly(query); cjk != "" {
		queries = append(queries, cjk)
	} else {
		queries = append(queries, query)
	}
	return queries
}

// validate finalizes a plan: ids, service resolution, document filter
// injection and topological execution order.
func (p *Planner) validate(plan *Plan, intent *Intent) {
	docs := intentSelectedDocs(intent)
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.ID == "" {
			task.ID = fmt.Sprintf("task_%d", i+1)
		}
		if task.Service == "" {
			task.Service = ResolveTool(task.Tool)
		}
		if len(docs) > 0 && strings.HasPrefix(task.Tool, "rag_") {
			if task.Parameters == nil {
				task.Parameters = make(map[string]interface{})
			}
			task.Parameters["filters"] = map[string]interface{}{"file_name": docs}
		}
	}
	plan.ExecutionOrder = TopologicalOrder(plan.Tasks)
}

func intentAttachments(intent *Intent) []core.Attachment {
	if intent.Request != nil {
		if attachments := intent.Request.Attachments(); len(attachments) > 0 {
			return attachments
		}
	}
	if intent.Session != nil {
		return intent.Session.Attachments()
	}
	return nil
}

func intentSelectedDocs(intent *Intent) []string {
	if intent.Request != nil {
		if docs := intent.Request.SelectedDocs(); len(docs) > 0 {
			return docs
		}
	}
	if intent.Session != nil {
		return intent.Session.SelectedDocs()
	}
	return nil
}

func hintStrings(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isQuestion(query string) bool {
	trimmed := strings.TrimSpace(query)
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"what", "how", "why", "who", "when", "where", "which"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return containsAny(trimmed, "什麼", "如何", "為什麼", "嗎")
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"of": true, "in": true, "on": true, "to": true, "for": true,
	"and": true, "or": true, "what": true, "how": true, "why": true,
	"does": true, "do": true, "about": true, "it": true, "this": true,
	"that": true, "please": true, "me": true, "tell": true,
}

func keywordsOnly(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var kept []string
	for _, f := range fields {
		if !stopwords[strings.ToLower(f)] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// deriveBashCommand maps common phrasings onto a safe command; the
// raw query is the last resort.
func deriveBashCommand(lower string) string {
	switch {
	case strings.Contains(lower, "list files") || strings.Contains(lower, "ls "):
		return "ls -la"
	case strings.Contains(lower, "disk") || strings.Contains(lower, "磁碟"):
		return "df -h"
	case strings.Contains(lower, "current directory") || strings.Contains(lower, "目錄"):
		return "pwd"
	default:
		return lower
	}
}

func cjkOnly(query string) string {
	var sb strings.Builder
	for _, r := range query {
		if unicode.Is(unicode.Han, r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
