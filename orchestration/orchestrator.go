package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorra-ai/quorra/bus"
	"github.com/quorra-ai/quorra/contextstore"
	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/gateway"
	"github.com/quorra-ai/quorra/llm"
)

// DefaultRequestTimeout caps one request's event stream.
const DefaultRequestTimeout = 60 * time.Second

// eventChanBuffer smooths producer/consumer timing per request.
const eventChanBuffer = 64

// answerSystemPrompt frames the final synthesis call.
const answerSystemPrompt = `你是一個知識助理,請使用繁體中文回答。
要求:
1. 只根據提供的資料回答,絕不捏造內容
2. 使用結構化格式(標題、條列)組織答案
3. 資料不足以回答時,明確指出無法回答的部分`

// ResearchStarter launches deep-research runs. Satisfied by the
// research workflow.
type ResearchStarter interface {
	StartResearch(ctx context.Context, topic string, documents []string) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	PoolSize       int
	MaxRestarts    int
	RequestTimeout time.Duration
	MaxHistory     int
}

// DefaultOrchestratorConfig returns the standard tuning.
func DefaultOrchestratorConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		MaxRestarts:    DefaultMaxRestarts,
		RequestTimeout: DefaultRequestTimeout,
		MaxHistory:     contextstore.DefaultMaxHistory,
	}
}

// Orchestrator supervises the planner, router, executor pool and
// memory actors and drives the per-request state machine.
type Orchestrator struct {
	config     Config
	gw         *gateway.Gateway
	llmClient  llm.Client
	contexts   *contextstore.Store
	eventBus   *bus.Bus
	research   ResearchStarter
	logger     core.Logger
	tracer     trace.Tracer
	supervisor *Supervisor

	self    *Actor
	planner *Actor
	router  *Actor
	memory  *Actor
	pool    *ExecutorPool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the defaults.
func WithConfig(config Config) Option {
	return func(o *Orchestrator) {
		if config.PoolSize > 0 {
			o.config.PoolSize = config.PoolSize
		}
		if config.MaxRestarts > 0 {
			o.config.MaxRestarts = config.MaxRestarts
		}
		if config.RequestTimeout > 0 {
			o.config.RequestTimeout = config.RequestTimeout
		}
		if config.MaxHistory > 0 {
			o.config.MaxHistory = config.MaxHistory
		}
	}
}

// WithResearch attaches the deep-research workflow.
func WithResearch(starter ResearchStarter) Option {
	return func(o *Orchestrator) { o.research = starter }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator wires the actor hierarchy. llmClient may be nil; the
// planner then uses its rule-based path and synthesis degrades to a
// context digest.
func NewOrchestrator(gw *gateway.Gateway, llmClient llm.Client, contexts *contextstore.Store, eventBus *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:    DefaultOrchestratorConfig(),
		gw:        gw,
		llmClient: llmClient,
		contexts:  contexts,
		eventBus:  eventBus,
		logger:    &core.NoOpLogger{},
		tracer:    otel.Tracer("quorra/orchestration"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start spawns and supervises the children.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.cancel = context.WithCancel(ctx)

	o.self = NewActor("orchestrator", &orchestratorBehavior{o}, o.logger)
	o.supervisor = NewSupervisor(o.config.MaxRestarts, o.escalate, o.logger)

	o.planner = NewActor("planner", NewPlanner(o.llmClient, o.logger), o.logger)
	o.router = NewActor("router", NewRouter(o.logger), o.logger)
	o.memory = NewActor("memory", NewMemoryActor(0, 0, o.logger), o.logger)
	for _, child := range []*Actor{o.planner, o.router, o.memory} {
		o.supervisor.Supervise(child)
		child.Start(o.baseCtx)
	}
	o.pool = NewExecutorPool(o.baseCtx, o.config.PoolSize, o.gw, o.self, o.supervisor, o.logger)

	o.self.Start(o.baseCtx)
	o.logger.Info("Orchestrator started", map[string]interface{}{
		"operation": "orchestrator_start",
		"pool_size": o.pool.Size(),
	})
}

// Stop terminates every actor.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.pool != nil {
		o.pool.Stop()
	}
	for _, actor := range []*Actor{o.planner, o.router, o.memory, o.self} {
		if actor != nil {
			actor.Stop()
		}
	}
}

// Memory exposes the memory actor for façade queries.
func (o *Orchestrator) Memory() *Actor { return o.memory }

func (o *Orchestrator) escalate(ce ChildError) {
	if o.self == nil {
		return
	}
	_ = o.self.Tell(Message{Type: MsgChildError, Payload: ce, Sender: ce.Child})
}

// processPayload carries one request into the orchestrator actor. ctx
// is the caller's context; its cancellation aborts the request.
type processPayload struct {
	ctx    context.Context
	intent *Intent
	events chan bus.Event
}

type orchestratorBehavior struct {
	o *Orchestrator
}

// Receive handles control messages. Intents fan out to per-request
// goroutines so one slow request does not serialize the rest; results
// route back through correlation-keyed asks.
func (b *orchestratorBehavior) Receive(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case MsgIntent:
		p, ok := msg.Payload.(processPayload)
		if !ok {
			return nil, fmt.Errorf("orchestrator: malformed intent payload")
		}
		go b.o.handleRequest(p.ctx, p.intent, p.events)
		return nil, nil
	case MsgTaskResult:
		// Informational: the ask pattern already delivered it
		return nil, nil
	case MsgChildError:
		ce, _ := msg.Payload.(ChildError)
		b.o.logger.Error("Child stopped permanently", map[string]interface{}{
			"operation": "orchestrate",
			"child":     ce.Child,
			"error":     ce.Err.Error(),
		})
		return nil, nil
	default:
		return nil, nil
	}
}

// ProcessIntent starts processing one request and returns its event
// stream. The stream ends with exactly one terminal event (done or
// error); the channel closes afterwards.
func (o *Orchestrator) ProcessIntent(ctx context.Context, req *core.Request) (<-chan bus.Event, error) {
	events := make(chan bus.Event, eventChanBuffer)
	intent := &Intent{
		Type:    string(req.Mode),
		Content: req.Query,
		Request: req,
	}
	if err := o.self.Tell(Message{Type: MsgIntent, Payload: processPayload{ctx: ctx, intent: intent, events: events}, CorrelationID: req.ID}); err != nil {
		return nil, err
	}
	return events, nil
}

// requestStream emits events for one request, mirroring them onto the
// shared bus.
type requestStream struct {
	o             *Orchestrator
	ctx           context.Context
	events        chan bus.Event
	correlationID string
	terminal      bool
}

func (s *requestStream) emit(t bus.EventType, content string, data map[string]interface{}) bool {
	if s.terminal || s.ctx.Err() != nil {
		return false
	}
	ev := bus.NewEvent(t, "orchestrator", s.correlationID, content, data)
	s.o.eventBus.Publish(ev)
	select {
	case s.events <- ev:
		if t.Terminal() {
			s.terminal = true
		}
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail emits the single terminal error event. A buffered slot is kept
// so the timeout error lands even when the context already expired.
func (s *requestStream) fail(message string) {
	if s.terminal {
		return
	}
	ev := bus.NewEvent(bus.EventError, "orchestrator", s.correlationID, message, nil)
	s.o.eventBus.Publish(ev)
	select {
	case s.events <- ev:
	default:
	}
	s.terminal = true
}

func (o *Orchestrator) handleRequest(parent context.Context, intent *Intent, events chan bus.Event) {
	req := intent.Request
	ctx, cancel := context.WithTimeout(o.baseCtx, o.config.RequestTimeout)
	defer cancel()
	if parent == nil {
		parent = context.Background()
	}
	// Caller cancellation (client disconnect) aborts the request even
	// though the work runs under the orchestrator's lifecycle context.
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	ctx, span := o.tracer.Start(ctx, "orchestrator.process",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.mode", string(req.Mode)),
			attribute.String("trace.id", req.TraceID),
		))
	defer span.End()

	stream := &requestStream{o: o, ctx: ctx, events: events, correlationID: req.ID}
	defer close(events)
	defer func() {
		if r := recover(); r != nil {
			stream.fail(fmt.Sprintf("internal error: %v", r))
		} else if ctx.Err() == context.DeadlineExceeded && !stream.terminal {
			stream.fail("Processing timeout")
		} else if parent.Err() != nil && !stream.terminal {
			stream.fail("request cancelled")
		}
	}()

	if req.Mode == core.ModeDeepResearch {
		o.divertToResearch(ctx, stream, req)
		return
	}

	session := o.contexts.GetOrCreate(ctx, req.SessionID, "")
	intent.Session = session
	o.contexts.UpdateConversation(ctx, req.SessionID, "user", req.Query)

	if !stream.emit(bus.EventThinking, "analyzing and planning the request", nil) {
		return
	}

	if hints := o.skillHints(ctx, req.Query); len(hints) > 0 {
		if intent.Parameters == nil {
			intent.Parameters = make(map[string]interface{})
		}
		intent.Parameters["skill_hints"] = hints
	}

	planValue, err := o.planner.Ask(ctx, Message{Type: MsgCreatePlan, Payload: intent, CorrelationID: req.ID}, 30*time.Second)
	if err != nil {
		stream.fail(fmt.Sprintf("planning failed: %v", err))
		return
	}
	plan, ok := planValue.(*Plan)
	if !ok || plan == nil {
		stream.fail("planning failed: no plan produced")
		return
	}

	switch {
	case plan.NeedsVision:
		o.visionPath(ctx, stream, req, intent)
		return
	case plan.NeedsFileAnalysis:
		o.filePath(ctx, stream, req, intent)
		return
	case len(plan.Tasks) == 0:
		stream.emit(bus.EventAnswer, plan.Analysis, nil)
		stream.emit(bus.EventDone, "", nil)
		o.contexts.UpdateConversation(ctx, req.SessionID, "assistant", plan.Analysis)
		return
	}

	if plan.Analysis != "" {
		if !stream.emit(bus.EventThinking, plan.Analysis, nil) {
			return
		}
	}
	if !stream.emit(bus.EventPlan, "execution plan ready", planEventData(plan)) {
		return
	}

	taskResults := o.runTasks(ctx, stream, plan, req.ID)
	if stream.terminal {
		return
	}
	o.synthesize(ctx, stream, req, plan, taskResults)
}

func (o *Orchestrator) divertToResearch(ctx context.Context, stream *requestStream, req *core.Request) {
	if o.research == nil {
		stream.fail("deep research is not configured")
		return
	}
	taskID, err := o.research.StartResearch(ctx, req.Query, req.SelectedDocs())
	if err != nil {
		stream.fail(fmt.Sprintf("research start failed: %v", err))
		return
	}
	stream.emit(bus.EventInfo, "deep research started", map[string]interface{}{
		"task_id": taskID,
	})
	stream.emit(bus.EventDone, "", nil)
}

func planEventData(plan *Plan) map[string]interface{} {
	var queries []string
	tasks := make([]map[string]interface{}, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		queries = append(queries, taskQueries(&task)...)
		tasks = append(tasks, map[string]interface{}{
			"id":          task.ID,
			"tool":        task.Tool,
			"description": task.Description,
		})
	}
	return map[string]interface{}{
		"type":    "planning",
		"summary": plan.Analysis,
		"queries": queries,
		"tasks":   tasks,
	}
}

func taskQueries(task *Task) []string {
	if task.Parameters == nil {
		return nil
	}
	var out []string
	if q, ok := task.Parameters["query"].(string); ok && q != "" {
		out = append(out, q)
	}
	if q, ok := task.Parameters["question"].(string); ok && q != "" {
		out = append(out, q)
	}
	switch qs := task.Parameters["queries"].(type) {
	case []string:
		out = append(out, qs...)
	case []interface{}:
		for _, q := range qs {
			if s, ok := q.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// runTasks executes the plan in topological order, emitting tool_call
// and tool_result events per task.
func (o *Orchestrator) runTasks(ctx context.Context, stream *requestStream, plan *Plan, correlationID string) map[string]*TaskResult {
	byID := taskByID(plan.Tasks)
	results := make(map[string]*TaskResult, len(plan.Tasks))

	for _, taskID := range plan.ExecutionOrder {
		task, ok := byID[taskID]
		if !ok {
			continue
		}

		if !stream.emit(bus.EventToolCall, task.Tool, map[string]interface{}{
			"arguments":   task.Parameters,
			"queries":     taskQueries(task),
			"description": task.Description,
		}) {
			return results
		}

		askTimeout := DefaultTaskTimeout
		if task.TimeoutSeconds > 0 {
			askTimeout = time.Duration(task.TimeoutSeconds) * time.Second
		}
		// Headroom over the executor's own per-call timeout
		askTimeout += 5 * time.Second

		value, err := o.pool.Next().Ask(ctx, Message{
			Type:          MsgExecuteTask,
			Payload:       executeTaskPayload{Task: task},
			CorrelationID: correlationID,
		}, askTimeout)

		var result *TaskResult
		if err != nil {
			result = &TaskResult{TaskID: task.ID, Error: err.Error(), Success: false}
		} else if tr, ok := value.(*TaskResult); ok {
			result = tr
		} else {
			result = &TaskResult{TaskID: task.ID, Error: "malformed executor reply", Success: false}
		}
		results[task.ID] = result

		if result.Success {
			count := resultCount(result.Result)
			if !stream.emit(bus.EventToolResult, fmt.Sprintf("found %d results", count), map[string]interface{}{
				"preview":       preview(resultDigest(result.Result), 200),
				"results_count": count,
			}) {
				return results
			}
		} else {
			if !stream.emit(bus.EventToolResult, "task failed", map[string]interface{}{
				"task_id": task.ID,
				"error":   result.Error,
			}) {
				return results
			}
		}
	}
	return results
}

// synthesize collects retrieved context and produces the final answer.
func (o *Orchestrator) synthesize(ctx context.Context, stream *requestStream, req *core.Request, plan *Plan, taskResults map[string]*TaskResult) {
	var contextTexts []string
	var sources []map[string]interface{}
	seenSources := make(map[string]bool)

	for _, taskID := range plan.ExecutionOrder {
		result, ok := taskResults[taskID]
		if !ok || !result.Success {
			continue
		}
		for _, item := range resultItems(result.Result) {
			if text, ok := item["text"].(string); ok && len(text) > 20 {
				contextTexts = append(contextTexts, text)
			}
			meta, _ := item["metadata"].(map[string]interface{})
			fileName, _ := meta["file_name"].(string)
			pageLabel, _ := meta["page_label"].(string)
			if fileName == "" {
				continue
			}
			key := fileName + "\x00" + pageLabel
			if !seenSources[key] {
				seenSources[key] = true
				sources = append(sources, map[string]interface{}{
					"file_name":  fileName,
					"page_label": pageLabel,
				})
			}
		}
		if digest := scalarDigest(result.Result); digest != "" {
			contextTexts = append(contextTexts, digest)
		}
	}

	if !stream.emit(bus.EventThinking, "generating the final answer", map[string]interface{}{
		"type":          "generating",
		"context_count": len(contextTexts),
		"sources_count": len(sources),
	}) {
		return
	}

	answer, usage := o.generateAnswer(ctx, req.Query, contextTexts)

	answerData := map[string]interface{}{}
	if usage != nil {
		answerData["usage"] = usage
	}
	if !stream.emit(bus.EventAnswer, answer, answerData) {
		return
	}
	if len(sources) > 0 {
		top := sources
		if len(top) > 5 {
			top = top[:5]
		}
		if !stream.emit(bus.EventSource, fmt.Sprintf("%d sources", len(sources)), map[string]interface{}{
			"sources": top,
		}) {
			return
		}
	}
	stream.emit(bus.EventDone, "", nil)

	o.contexts.UpdateConversation(ctx, req.SessionID, "assistant", answer)
	o.recordSkill(req, plan)
}

func (o *Orchestrator) generateAnswer(ctx context.Context, query string, contextTexts []string) (string, *llm.Usage) {
	if o.llmClient == nil {
		if len(contextTexts) == 0 {
			return "沒有找到相關資料,無法回答這個問題。", nil
		}
		return preview(strings.Join(contextTexts, "\n\n"), 2000), nil
	}

	var prompt strings.Builder
	if len(contextTexts) > 0 {
		prompt.WriteString("參考資料:\n")
		for i, text := range contextTexts {
			fmt.Fprintf(&prompt, "[%d] %s\n\n", i+1, text)
		}
	}
	fmt.Fprintf(&prompt, "問題: %s", query)

	resp, err := o.llmClient.Generate(ctx, prompt.String(), llm.WithSystemPrompt(answerSystemPrompt))
	if err != nil {
		o.logger.Error("Answer synthesis failed", map[string]interface{}{
			"operation": "synthesize",
			"error":     err.Error(),
		})
		return fmt.Sprintf("無法生成完整回答 (%v)。已檢索到 %d 段相關資料。", err, len(contextTexts)), nil
	}
	return resp.Content, resp.Usage
}

// skillHints asks the memory actor for plans that worked on similar
// requests, summarized as planning hints. Best effort with a short
// timeout; planning proceeds without hints on any failure.
func (o *Orchestrator) skillHints(ctx context.Context, query string) []string {
	if o.memory == nil {
		return nil
	}
	reply, err := o.memory.Ask(ctx, Message{
		Type:    MsgFindSkills,
		Payload: findSkillsPayload{Query: query, Limit: 3},
	}, 2*time.Second)
	if err != nil {
		return nil
	}
	scored, ok := reply.([]ScoredSkill)
	if !ok {
		return nil
	}
	hints := make([]string, 0, len(scored))
	for _, s := range scored {
		if s.Skill != nil && s.Skill.Name != "" {
			hints = append(hints, s.Skill.Name)
		}
	}
	return hints
}

// recordSkill remembers the successful plan for later reuse.
func (o *Orchestrator) recordSkill(req *core.Request, plan *Plan) {
	if o.memory == nil || len(plan.Tasks) == 0 {
		return
	}
	template := map[string]interface{}{"tasks": plan.Tasks}
	patterns := []string{strings.ToLower(req.Query)}
	if kw := keywordsOnly(req.Query); kw != "" {
		patterns = append(patterns, strings.ToLower(kw))
	}
	_ = o.memory.Tell(Message{
		Type: MsgRecordSkill,
		Payload: recordSkillPayload{
			Name:              preview(plan.Analysis, 80),
			TriggerPatterns:   patterns,
			ExecutionTemplate: template,
		},
		CorrelationID: req.ID,
	})
}

func (o *Orchestrator) visionPath(ctx context.Context, stream *requestStream, req *core.Request, intent *Intent) {
	if !stream.emit(bus.EventThinking, "analyzing the attached images", map[string]interface{}{"type": "vision"}) {
		return
	}
	if o.llmClient == nil {
		stream.emit(bus.EventAnswer, "無法分析圖片:未設定視覺模型。", nil)
		stream.emit(bus.EventDone, "", nil)
		return
	}

	var images []llm.Image
	for _, a := range intentAttachments(intent) {
		if a.Type == "image" || strings.HasPrefix(a.MimeType, "image/") {
			images = append(images, llm.Image{MimeType: a.MimeType, Base64Data: a.Base64Data})
		}
	}

	resp, err := o.llmClient.Generate(ctx, req.Query, llm.WithImages(images), llm.WithSystemPrompt(answerSystemPrompt))
	if err != nil {
		stream.emit(bus.EventAnswer, fmt.Sprintf("圖片分析失敗: %v", err), nil)
		stream.emit(bus.EventDone, "", nil)
		return
	}
	stream.emit(bus.EventAnswer, resp.Content, usageData(resp.Usage))
	stream.emit(bus.EventDone, "", nil)
	o.contexts.UpdateConversation(ctx, req.SessionID, "assistant", resp.Content)
}

func (o *Orchestrator) filePath(ctx context.Context, stream *requestStream, req *core.Request, intent *Intent) {
	if !stream.emit(bus.EventThinking, "extracting text from the attached files", map[string]interface{}{"type": "file_analysis"}) {
		return
	}

	extracted := ""
	result, err := o.gw.Call(ctx, ServiceParser, "file_analysis", map[string]interface{}{
		"files":    intentAttachments(intent),
		"question": req.Query,
	})
	if err != nil {
		o.logger.Warn("File extraction failed", map[string]interface{}{
			"operation": "file_analysis",
			"error":     err.Error(),
		})
	} else if text, ok := result["text"].(string); ok {
		extracted = text
	}

	if extracted == "" {
		stream.emit(bus.EventAnswer, "無法從附件中擷取文字內容。", nil)
		stream.emit(bus.EventDone, "", nil)
		return
	}

	answer, usage := o.generateAnswer(ctx, req.Query, []string{extracted})
	stream.emit(bus.EventAnswer, answer, usageData(usage))
	stream.emit(bus.EventDone, "", nil)
	o.contexts.UpdateConversation(ctx, req.SessionID, "assistant", answer)
}

func usageData(usage *llm.Usage) map[string]interface{} {
	if usage == nil {
		return nil
	}
	return map[string]interface{}{"usage": usage}
}

// resultItems extracts the chunk list from a service result.
func resultItems(result map[string]interface{}) []map[string]interface{} {
	if result == nil {
		return nil
	}
	raw, ok := result["results"].([]interface{})
	if !ok {
		return nil
	}
	items := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items
}

func resultCount(result map[string]interface{}) int {
	if result == nil {
		return 0
	}
	if n, ok := result["total"].(int); ok {
		return n
	}
	if n, ok := result["total"].(float64); ok {
		return int(n)
	}
	if items := resultItems(result); items != nil {
		return len(items)
	}
	if scalarDigest(result) != "" {
		return 1
	}
	return 0
}

// scalarDigest pulls free-text output (answers, stdout) from a result.
func scalarDigest(result map[string]interface{}) string {
	for _, key := range []string{"answer", "text", "output", "stdout", "content"} {
		if s, ok := result[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func resultDigest(result map[string]interface{}) string {
	if items := resultItems(result); len(items) > 0 {
		if text, ok := items[0]["text"].(string); ok {
			return text
		}
	}
	return scalarDigest(result)
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
