// Package research implements the deep-research workflow: sub-question
// generation, parallel retrieval and synthesis, one progress review
// round, final report composition and citation analysis.
package research

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the research task state machine. Transitions only move
// along pending -> running -> (completed | failed).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step records one stage of a research run.
type Step struct {
	Step        string     `json:"step"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Finding is one answered sub-question.
type Finding struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	SourcesCount int    `json:"sources_count"`
}

// Source identifies one document location referenced by findings.
type Source struct {
	Source string `json:"source"`
	Page   string `json:"page"`
}

// Task is the durable state of one deep-research run. Progress is
// non-decreasing; mutation goes through the methods below, which
// require a task built by NewTask or loaded from a TaskStore.
type Task struct {
	mu *sync.Mutex

	ID              string     `json:"id"`
	Topic           string     `json:"topic"`
	Depth           Depth      `json:"depth,omitempty"`
	DocumentsFilter []string   `json:"documents_filter,omitempty"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	Steps           []Step     `json:"steps"`
	Findings        []Finding  `json:"findings"`
	Sources         []Source   `json:"sources"`
	Report          string     `json:"report,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	seenSources map[Source]bool
}

// NewTask creates a pending task.
func NewTask(topic string, documents []string) *Task {
	return &Task{
		mu:              &sync.Mutex{},
		ID:              uuid.NewString(),
		Topic:           topic,
		Depth:           DepthStandard,
		DocumentsFilter: documents,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
		seenSources:     make(map[Source]bool),
	}
}

// SetStatus moves the state machine forward. Terminal states stick.
func (t *Task) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == StatusCompleted || t.Status == StatusFailed {
		return
	}
	t.Status = status
	if status == StatusCompleted || status == StatusFailed {
		now := time.Now()
		t.CompletedAt = &now
	}
}

// SetProgress raises progress; lowering is ignored.
func (t *Task) SetProgress(progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
}

// StartStep appends a running step record and returns its index.
func (t *Task) StartStep(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.Steps = append(t.Steps, Step{Step: name, Status: "running", StartedAt: &now})
	return len(t.Steps) - 1
}

// CompleteStep marks the step done with its result summary.
func (t *Task) CompleteStep(index int, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.Steps) {
		return
	}
	now := time.Now()
	t.Steps[index].Status = "completed"
	t.Steps[index].Result = result
	t.Steps[index].CompletedAt = &now
}

// FailStep marks the step failed and records the error on the task.
func (t *Task) FailStep(index int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= 0 && index < len(t.Steps) {
		now := time.Now()
		t.Steps[index].Status = "error"
		t.Steps[index].Error = err.Error()
		t.Steps[index].CompletedAt = &now
	}
	t.Error = err.Error()
}

// AddFinding records one answered sub-question.
func (t *Task) AddFinding(finding Finding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Findings = append(t.Findings, finding)
}

// AddSources merges sources, deduplicating by (source, page).
func (t *Task) AddSources(sources []Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seenSources == nil {
		t.seenSources = make(map[Source]bool, len(t.Sources))
		for _, s := range t.Sources {
			t.seenSources[s] = true
		}
	}
	for _, s := range sources {
		if !t.seenSources[s] {
			t.seenSources[s] = true
			t.Sources = append(t.Sources, s)
		}
	}
}

// SetReport stores the report text.
func (t *Task) SetReport(report string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Report = report
}

// Snapshot returns a copy safe to serialize while the run continues.
func (t *Task) Snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	copied := Task{
		mu:              &sync.Mutex{},
		ID:              t.ID,
		Topic:           t.Topic,
		Depth:           t.Depth,
		DocumentsFilter: append([]string(nil), t.DocumentsFilter...),
		Status:          t.Status,
		Progress:        t.Progress,
		Steps:           append([]Step(nil), t.Steps...),
		Findings:        append([]Finding(nil), t.Findings...),
		Sources:         append([]Source(nil), t.Sources...),
		Report:          t.Report,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
	}
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		copied.CompletedAt = &completedAt
	}
	return copied
}

// Summary is the list view of a task.
type Summary struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarize produces the list view.
func (t *Task) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		ID:        t.ID,
		Topic:     t.Topic,
		Status:    t.Status,
		Progress:  t.Progress,
		CreatedAt: t.CreatedAt,
	}
}
