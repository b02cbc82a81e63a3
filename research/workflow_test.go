package research

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorra-ai/quorra/llm"
	"github.com/quorra-ai/quorra/retriever"
)

// tokenStore scores by token overlap between the query and the text.
type tokenStore struct {
	mu     sync.Mutex
	points []retriever.Point
}

func (s *tokenStore) Upsert(ctx context.Context, points []retriever.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
	return nil
}

func (s *tokenStore) Query(ctx context.Context, query string, limit int, filter *retriever.Filter) ([]retriever.ScoredPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queryTokens := strings.Fields(strings.ToLower(query))
	var out []retriever.ScoredPoint
	for _, p := range s.points {
		if !filter.Match(p.Metadata) {
			continue
		}
		text := strings.ToLower(p.Text)
		overlap := 0
		for _, tok := range queryTokens {
			if strings.Contains(text, tok) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		out = append(out, retriever.ScoredPoint{Point: p, Score: float64(overlap)})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *tokenStore) Scroll(ctx context.Context, offset, limit int, filter *retriever.Filter) ([]retriever.Point, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []retriever.Point
	for _, p := range s.points {
		if filter.Match(p.Metadata) {
			matched = append(matched, p)
		}
	}
	if offset >= len(matched) {
		return nil, -1, nil
	}
	end := offset + limit
	next := end
	if end >= len(matched) {
		end = len(matched)
		next = -1
	}
	return matched[offset:end], next, nil
}

func (s *tokenStore) Delete(ctx context.Context, ids []string) error { return nil }

func (s *tokenStore) Stats(ctx context.Context) (retriever.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retriever.StoreStats{Collection: "test", Count: len(s.points)}, nil
}

func researchCorpus() *tokenStore {
	point := func(id, text, file, page string) retriever.Point {
		return retriever.Point{
			ID:   id,
			Text: text,
			Metadata: map[string]string{
				"file_name":  file,
				"page_label": page,
			},
		}
	}
	return &tokenStore{points: []retriever.Point{
		point("p1", "attention computes a weighted sum of value vectors", "paper.pdf", "1"),
		point("p2", "multi head attention runs several heads in parallel", "paper.pdf", "2"),
		point("p3", "positional encoding uses sine and cosine functions", "paper.pdf", "3"),
		point("x1", "attention is also discussed in this other document", "other.pdf", "9"),
	}}
}

// researchModel scripts each workflow stage by its system prompt.
type researchModel struct {
	mu            sync.Mutex
	subQuestions  string
	reviewReplies []string
	reviewCalls   int
}

func (m *researchModel) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (*llm.Response, error) {
	var options llm.GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}
	switch options.SystemPrompt {
	case subQuestionPrompt:
		if m.subQuestions != "" {
			return &llm.Response{Content: m.subQuestions}, nil
		}
		return &llm.Response{Content: `["attention weighted sum", "multi head attention parallel", "positional encoding sine"]`}, nil
	case reviewPrompt:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.reviewCalls++
		if len(m.reviewReplies) > 0 {
			reply := m.reviewReplies[0]
			m.reviewReplies = m.reviewReplies[1:]
			return &llm.Response{Content: reply}, nil
		}
		return &llm.Response{Content: `{"sufficient": true, "additional_queries": []}`}, nil
	case questionAnswerPrompt:
		return &llm.Response{Content: "根據資料," + prompt[strings.Index(prompt, "子問題: ")+len("子問題: "):] + " 的回答。"}, nil
	default:
		return &llm.Response{Content: "# 研究報告\n\n注意力機制是加權和 [1]。多頭設計平行運作 [2][1]。位置編碼採正弦函數 [3]。"}, nil
	}
}

func (m *researchModel) GenerateStream(ctx context.Context, prompt string, opts ...llm.GenerateOption) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (m *researchModel) Provider() string { return "scripted" }

func waitForTerminal(t *testing.T, w *Workflow, id string) Task {
	t.Helper()
	var snapshot *Task
	require.Eventually(t, func() bool {
		task, err := w.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		snapshot = task
		return task.Status == StatusCompleted || task.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	return *snapshot
}

func TestDeepResearchEndToEnd(t *testing.T) {
	r := retriever.New(researchCorpus())
	w := New(r, &researchModel{})

	id, err := w.StartResearch(context.Background(), "注意力機制如何運作", []string{"paper.pdf"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := waitForTerminal(t, w, id)
	require.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)

	// One finding per generated sub-question.
	require.Len(t, task.Findings, 3)
	assert.NotEmpty(t, task.Steps)

	// The documents filter keeps other.pdf out, and (source, page) pairs
	// are deduplicated.
	seen := make(map[Source]int)
	for _, src := range task.Sources {
		assert.Equal(t, "paper.pdf", src.Source)
		seen[src]++
	}
	for src, count := range seen {
		assert.Equal(t, 1, count, "duplicate source %v", src)
	}

	// The report carries citations and the appended reference sections,
	// and every citation resolves to a reference.
	assert.Contains(t, task.Report, "[1]")
	assert.Contains(t, task.Report, "## 📚 Cited References")
	assert.Contains(t, task.Report, "## 📊 Citation Statistics")
	analysis := AnalyzeCitations(task.Report, task.Sources)
	assert.Empty(t, analysis.InvalidCitations)
	assert.Greater(t, analysis.Stats.TotalCitations, 0)
}

func TestResearchWithoutModelFallsBackToTopic(t *testing.T) {
	r := retriever.New(researchCorpus())
	w := New(r, nil)

	id, err := w.StartResearch(context.Background(), "attention weighted sum", nil)
	require.NoError(t, err)

	task := waitForTerminal(t, w, id)
	require.Equal(t, StatusCompleted, task.Status)

	// A single sub-question (the topic itself), answered from retrieval.
	require.Len(t, task.Findings, 1)
	assert.Equal(t, "attention weighted sum", task.Findings[0].Question)
	assert.True(t, strings.HasPrefix(task.Report, "# attention weighted sum"))
}

func TestReviewRoundAddsSupplementaryFindings(t *testing.T) {
	r := retriever.New(researchCorpus())
	model := &researchModel{reviewReplies: []string{
		`{"sufficient": false, "additional_queries": [
			{"query": "sine cosine positional encoding", "research_goal": "cover encoding"},
			{"query": "weighted value vectors", "research_goal": "cover values"},
			{"query": "a third query that must be dropped", "research_goal": "over cap"}
		]}`,
	}}
	w := New(r, model)

	id, err := w.StartResearch(context.Background(), "注意力機制", []string{"paper.pdf"})
	require.NoError(t, err)

	task := waitForTerminal(t, w, id)
	require.Equal(t, StatusCompleted, task.Status)

	// Three initial questions plus exactly two supplementary ones.
	assert.Len(t, task.Findings, 5)
}

func TestParseDepth(t *testing.T) {
	for value, want := range map[string]Depth{
		"":         DepthStandard,
		"quick":    DepthQuick,
		"standard": DepthStandard,
		"deep":     DepthDeep,
	} {
		depth, err := ParseDepth(value)
		require.NoError(t, err, "value %q", value)
		assert.Equal(t, want, depth)
	}

	_, err := ParseDepth("extreme")
	require.Error(t, err)
}

func TestQuickDepthTrimsQuestionsAndSkipsReview(t *testing.T) {
	r := retriever.New(researchCorpus())
	model := &researchModel{
		subQuestions: `["attention weighted sum", "multi head attention parallel",
			"positional encoding sine", "attention value vectors", "parallel heads"]`,
		reviewReplies: []string{
			`{"sufficient": false, "additional_queries": [
				{"query": "weighted value vectors", "research_goal": "cover values"}]}`,
		},
	}
	w := New(r, model)

	id, err := w.StartResearchWithDepth(context.Background(), "注意力機制", []string{"paper.pdf"}, DepthQuick)
	require.NoError(t, err)

	task := waitForTerminal(t, w, id)
	require.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, DepthQuick, task.Depth)

	// Five generated questions trimmed to three, and no review round.
	assert.Len(t, task.Findings, 3)
	model.mu.Lock()
	assert.Zero(t, model.reviewCalls)
	model.mu.Unlock()
}

func TestDeepDepthKeepsReviewRound(t *testing.T) {
	r := retriever.New(researchCorpus())
	model := &researchModel{reviewReplies: []string{
		`{"sufficient": false, "additional_queries": [
			{"query": "weighted value vectors", "research_goal": "cover values"}]}`,
	}}
	w := New(r, model)

	id, err := w.StartResearchWithDepth(context.Background(), "注意力機制", []string{"paper.pdf"}, DepthDeep)
	require.NoError(t, err)

	task := waitForTerminal(t, w, id)
	require.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, DepthDeep, task.Depth)
	assert.Len(t, task.Findings, 4)
}

func TestStartResearchRequiresTopic(t *testing.T) {
	w := New(retriever.New(researchCorpus()), nil)
	_, err := w.StartResearch(context.Background(), "   ", nil)
	require.Error(t, err)
}

func TestListTasksNewestFirst(t *testing.T) {
	r := retriever.New(researchCorpus())
	w := New(r, nil)

	first, err := w.StartResearch(context.Background(), "attention weighted sum", nil)
	require.NoError(t, err)
	waitForTerminal(t, w, first)

	second, err := w.StartResearch(context.Background(), "positional encoding sine", nil)
	require.NoError(t, err)
	waitForTerminal(t, w, second)

	summaries, err := w.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.False(t, summaries[0].CreatedAt.Before(summaries[1].CreatedAt))
}

func TestProgressIsMonotonic(t *testing.T) {
	task := NewTask("topic", nil)
	task.SetProgress(40)
	task.SetProgress(20)
	assert.Equal(t, 40, task.Progress)
	task.SetProgress(250)
	assert.Equal(t, 100, task.Progress)
}

func TestTerminalStatusSticks(t *testing.T) {
	task := NewTask("topic", nil)
	task.SetStatus(StatusRunning)
	task.SetStatus(StatusCompleted)
	task.SetStatus(StatusFailed)
	assert.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestAddSourcesDeduplicates(t *testing.T) {
	task := NewTask("topic", nil)
	task.AddSources([]Source{
		{Source: "a.pdf", Page: "1"},
		{Source: "a.pdf", Page: "2"},
	})
	task.AddSources([]Source{
		{Source: "a.pdf", Page: "1"},
		{Source: "b.pdf", Page: "1"},
	})
	assert.Len(t, task.Sources, 3)
}

func TestParseStringArrayToleratesFencesAndCommas(t *testing.T) {
	out := parseStringArray("```json\n[\"one\", \"two\",]\n```")
	assert.Equal(t, []string{"one", "two"}, out)

	assert.Nil(t, parseStringArray("not json at all {{{"))
}
