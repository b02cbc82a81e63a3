package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/llm"
	"github.com/quorra-ai/quorra/retriever"
)

const (
	// DefaultRunTimeout caps one research run end to end.
	DefaultRunTimeout = 10 * time.Minute
	// DefaultQuestionParallelism bounds concurrent retrieval rounds.
	DefaultQuestionParallelism = 3
	// maxSupplementaryQueries caps the single review round.
	maxSupplementaryQueries = 2
	// questionTopK is the retrieval depth per sub-question.
	questionTopK = 5
)

const subQuestionPrompt = `You decompose research topics. Produce 3 to 5
focused sub-questions covering the topic from different angles.
Respond with ONLY a JSON array of strings.`

const reviewPrompt = `You review research coverage. Given the topic and
findings, decide whether they cover the topic. Respond with ONLY JSON:
{"sufficient": true|false,
 "additional_queries": [{"query": "...", "research_goal": "..."}]}
List at most 2 additional queries, or none when sufficient.`

const questionAnswerPrompt = `根據提供的資料回答研究子問題,使用繁體中文。
只根據資料回答,不可捏造;引用時標明資料編號。`

// Workflow owns deep-research runs: the multi-round state machine,
// retrieval fan-out, the review loop and report composition.
type Workflow struct {
	retriever   *retriever.Retriever
	client      llm.Client
	store       TaskStore
	logger      core.Logger
	runTimeout  time.Duration
	parallelism int

	mu   sync.RWMutex
	live map[string]*Task
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithStore overrides the in-memory task store.
func WithStore(store TaskStore) Option {
	return func(w *Workflow) {
		if store != nil {
			w.store = store
		}
	}
}

// WithLogger sets the workflow logger.
func WithLogger(logger core.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRunTimeout caps one run.
func WithRunTimeout(timeout time.Duration) Option {
	return func(w *Workflow) {
		if timeout > 0 {
			w.runTimeout = timeout
		}
	}
}

// New creates a workflow. client may be nil; every LLM stage then uses
// its fallback.
func New(r *retriever.Retriever, client llm.Client, opts ...Option) *Workflow {
	w := &Workflow{
		retriever:   r,
		client:      client,
		store:       NewMemoryTaskStore(),
		logger:      &core.NoOpLogger{},
		runTimeout:  DefaultRunTimeout,
		parallelism: DefaultQuestionParallelism,
		live:        make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// StartResearch creates the task at standard depth and runs it
// asynchronously.
func (w *Workflow) StartResearch(ctx context.Context, topic string, documents []string) (string, error) {
	return w.StartResearchWithDepth(ctx, topic, documents, DepthStandard)
}

// StartResearchWithDepth runs at an explicit intensity profile.
func (w *Workflow) StartResearchWithDepth(ctx context.Context, topic string, documents []string, depth Depth) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("research topic is required")
	}
	if depth == "" {
		depth = DepthStandard
	}

	task := NewTask(topic, documents)
	task.Depth = depth
	w.mu.Lock()
	w.live[task.ID] = task
	w.mu.Unlock()
	w.persist(ctx, task)

	go w.run(task)

	w.logger.Info("Research started", map[string]interface{}{
		"operation": "research_start",
		"task_id":   task.ID,
		"topic":     topic,
		"depth":     string(depth),
		"documents": len(documents),
	})
	return task.ID, nil
}

// GetTask returns the task snapshot, or ErrTaskNotFound.
func (w *Workflow) GetTask(ctx context.Context, id string) (*Task, error) {
	w.mu.RLock()
	task, ok := w.live[id]
	w.mu.RUnlock()
	if ok {
		snapshot := task.Snapshot()
		return &snapshot, nil
	}
	return w.store.Get(ctx, id)
}

// ListTasks returns summaries, newest first.
func (w *Workflow) ListTasks(ctx context.Context) ([]Summary, error) {
	return w.store.List(ctx)
}

func (w *Workflow) persist(ctx context.Context, task *Task) {
	if err := w.store.Save(ctx, task.Snapshot()); err != nil {
		w.logger.Warn("Research task persistence failed", map[string]interface{}{
			"operation": "research_persist",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
	}
}

func (w *Workflow) run(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), w.runTimeout)
	defer cancel()
	profile := task.Depth.profile()

	task.SetStatus(StatusRunning)
	task.SetProgress(5)
	w.persist(ctx, task)

	questions := w.generateSubQuestions(ctx, task, profile.maxQuestions)
	task.SetProgress(15)
	w.persist(ctx, task)

	if err := w.researchQuestions(ctx, task, questions, profile.topK, 15, 75); err != nil {
		w.failTask(ctx, task, err)
		return
	}
	task.SetProgress(75)

	if profile.reviewBudget > 0 {
		extra := w.reviewProgress(ctx, task, profile.reviewBudget)
		if len(extra) > 0 {
			if err := w.researchQuestions(ctx, task, extra, profile.topK, 75, 85); err != nil {
				w.failTask(ctx, task, err)
				return
			}
		}
	}
	task.SetProgress(85)
	w.persist(ctx, task)

	w.composeReport(ctx, task)
	task.SetProgress(100)
	task.SetStatus(StatusCompleted)
	w.persist(ctx, task)

	w.logger.Info("Research completed", map[string]interface{}{
		"operation": "research_run",
		"task_id":   task.ID,
		"findings":  len(task.Snapshot().Findings),
	})
}

func (w *Workflow) failTask(ctx context.Context, task *Task, err error) {
	step := task.StartStep("abort")
	task.FailStep(step, err)
	if snapshot := task.Snapshot(); snapshot.Report == "" && len(snapshot.Findings) > 0 {
		task.SetReport(fallbackReport(snapshot))
	}
	task.SetStatus(StatusFailed)
	w.persist(ctx, task)
	w.logger.Error("Research failed", map[string]interface{}{
		"operation": "research_run",
		"task_id":   task.ID,
		"error":     err.Error(),
	})
}

// generateSubQuestions asks the LLM for 3-5 sub-questions, trimmed to
// the depth's budget, falling back to the topic itself.
func (w *Workflow) generateSubQuestions(ctx context.Context, task *Task, maxQuestions int) []string {
	step := task.StartStep("sub_questions")

	fallback := []string{task.Topic}
	if w.client == nil {
		task.CompleteStep(step, "1 question (fallback)")
		return fallback
	}

	resp, err := w.client.Generate(ctx, "Topic: "+task.Topic, llm.WithSystemPrompt(subQuestionPrompt))
	if err != nil {
		w.logger.Warn("Sub-question generation failed", map[string]interface{}{
			"operation": "research_subquestions",
			"task_id":   task.ID,
			"error":     err.Error(),
		})
		task.CompleteStep(step, "1 question (fallback)")
		return fallback
	}

	questions := parseStringArray(resp.Content)
	if len(questions) == 0 {
		task.CompleteStep(step, "1 question (fallback)")
		return fallback
	}
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}
	task.CompleteStep(step, fmt.Sprintf("%d questions", len(questions)))
	return questions
}

// researchQuestions retrieves and answers every question in parallel,
// advancing progress from startPct to endPct.
func (w *Workflow) researchQuestions(ctx context.Context, task *Task, questions []string, topK, startPct, endPct int) error {
	if len(questions) == 0 {
		return nil
	}

	var filter *retriever.Filter
	if len(task.DocumentsFilter) > 0 {
		filter = &retriever.Filter{Equals: map[string][]string{
			"file_name": task.DocumentsFilter,
		}}
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for _, question := range questions {
		question := question
		g.Go(func() error {
			w.researchOne(gctx, task, question, filter, topK)
			completed := done.Add(1)
			task.SetProgress(startPct + int(float64(endPct-startPct)*float64(completed)/float64(len(questions))))
			w.persist(gctx, task)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (w *Workflow) researchOne(ctx context.Context, task *Task, question string, filter *retriever.Filter, topK int) {
	step := task.StartStep("research: " + question)

	ret := w.retriever.Retrieve(ctx, question, topK, filter)
	if len(ret.Results) == 0 {
		task.CompleteStep(step, "no results")
		return
	}

	answer := w.answerQuestion(ctx, question, ret.Results)
	sources := make([]Source, 0, len(ret.Sources))
	for _, src := range ret.Sources {
		sources = append(sources, Source{Source: src.FileName, Page: src.PageLabel})
	}
	task.AddSources(sources)
	task.AddFinding(Finding{
		Question:     question,
		Answer:       answer,
		SourcesCount: len(sources),
	})
	task.CompleteStep(step, fmt.Sprintf("%d results, %d sources", len(ret.Results), len(sources)))
}

// answerQuestion synthesizes one per-question answer over a context
// block labelling each source by {file_name, page}.
func (w *Workflow) answerQuestion(ctx context.Context, question string, chunks []retriever.Chunk) string {
	if w.client == nil {
		return chunks[0].Text
	}

	var prompt strings.Builder
	prompt.WriteString("資料:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&prompt, "[%d] {%s, 第%s頁} %s\n\n",
			i+1, chunk.Metadata.FileName, chunk.Metadata.PageLabel, chunk.Text)
	}
	fmt.Fprintf(&prompt, "子問題: %s", question)

	resp, err := w.client.Generate(ctx, prompt.String(), llm.WithSystemPrompt(questionAnswerPrompt))
	if err != nil {
		w.logger.Warn("Question synthesis failed", map[string]interface{}{
			"operation": "research_answer",
			"question":  question,
			"error":     err.Error(),
		})
		return chunks[0].Text
	}
	return resp.Content
}

type reviewReply struct {
	Sufficient        bool `json:"sufficient"`
	AdditionalQueries []struct {
		Query        string `json:"query"`
		ResearchGoal string `json:"research_goal"`
	} `json:"additional_queries"`
}

// reviewProgress is the single adaptive loop: one review producing at
// most budget supplementary queries.
func (w *Workflow) reviewProgress(ctx context.Context, task *Task, budget int) []string {
	step := task.StartStep("review")
	if w.client == nil {
		task.CompleteStep(step, "skipped (no model)")
		return nil
	}

	snapshot := task.Snapshot()
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n\nFindings:\n", snapshot.Topic)
	for _, finding := range snapshot.Findings {
		fmt.Fprintf(&prompt, "- %s: %s\n", finding.Question, finding.Answer)
	}

	resp, err := w.client.Generate(ctx, prompt.String(), llm.WithSystemPrompt(reviewPrompt))
	if err != nil {
		task.CompleteStep(step, "skipped (review failed)")
		return nil
	}

	var review reviewReply
	if err := unmarshalLenient(resp.Content, &review); err != nil {
		task.CompleteStep(step, "skipped (unparseable review)")
		return nil
	}
	if review.Sufficient || len(review.AdditionalQueries) == 0 {
		task.CompleteStep(step, "coverage sufficient")
		return nil
	}

	queries := make([]string, 0, budget)
	for _, aq := range review.AdditionalQueries {
		if aq.Query == "" {
			continue
		}
		queries = append(queries, aq.Query)
		if len(queries) == budget {
			break
		}
	}
	task.CompleteStep(step, fmt.Sprintf("%d supplementary queries", len(queries)))
	return queries
}

// composeReport builds the final report. The LLM path uses the
// plan -> learnings -> sources -> images -> output-rules template; on
// failure the findings are concatenated directly.
func (w *Workflow) composeReport(ctx context.Context, task *Task) {
	step := task.StartStep("final_report")
	snapshot := task.Snapshot()

	report := ""
	if w.client != nil {
		resp, err := w.client.Generate(ctx, reportPrompt(snapshot))
		if err != nil {
			w.logger.Warn("Report composition failed, concatenating findings", map[string]interface{}{
				"operation": "research_report",
				"task_id":   task.ID,
				"error":     err.Error(),
			})
		} else {
			report = resp.Content
		}
	}
	if report == "" {
		report = fallbackReport(snapshot)
	}

	refs := snapshot.Sources
	analysis := AnalyzeCitations(report, refs)
	report = report + "\n\n" + FormatCitationReport(analysis, refs)

	task.SetReport(report)
	task.CompleteStep(step, fmt.Sprintf("%d chars, %d citations", len(report), analysis.Stats.TotalCitations))
}

func reportPrompt(snapshot Task) string {
	var sb strings.Builder
	sb.WriteString("撰寫一份完整的研究報告。\n\n")

	fmt.Fprintf(&sb, "<plan>\n主題: %s\n", snapshot.Topic)
	for _, finding := range snapshot.Findings {
		fmt.Fprintf(&sb, "- %s\n", finding.Question)
	}
	sb.WriteString("</plan>\n\n<learnings>\n")
	for _, finding := range snapshot.Findings {
		fmt.Fprintf(&sb, "### %s\n%s\n\n", finding.Question, finding.Answer)
	}
	sb.WriteString("</learnings>\n\n<sources>\n")
	for i, src := range snapshot.Sources {
		fmt.Fprintf(&sb, "[%d] %s (第%s頁)\n", i+1, src.Source, src.Page)
	}
	sb.WriteString("</sources>\n\n<images>\n(無)\n</images>\n\n")
	sb.WriteString(`<output_rules>
- 使用繁體中文與 Markdown 格式
- 以 [N] 標註引用,對應 sources 中的編號
- 每個引用的資料來源至少出現一次
- 不可引用 sources 以外的編號
- 以 # ` + snapshot.Topic + ` 作為標題開頭
</output_rules>`)
	return sb.String()
}

func fallbackReport(snapshot Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", snapshot.Topic)
	for _, finding := range snapshot.Findings {
		fmt.Fprintf(&sb, "\n## %s\n\n%s\n", finding.Question, finding.Answer)
	}
	return sb.String()
}

// parseStringArray decodes a JSON string array, tolerating fences and
// malformed JSON.
func parseStringArray(content string) []string {
	var out []string
	if err := unmarshalLenient(content, &out); err != nil {
		return nil
	}
	var cleaned []string
	for _, s := range out {
		if strings.TrimSpace(s) != "" {
			cleaned = append(cleaned, strings.TrimSpace(s))
		}
	}
	return cleaned
}

func unmarshalLenient(content string, v interface{}) error {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return err
		}
		return json.Unmarshal([]byte(repaired), v)
	}
	return nil
}
