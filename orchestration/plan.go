package orchestration

import (
	"sort"

	"github.com/quorra-ai/quorra/core"
)

// Intent lifts a request into the actor world.
type Intent struct {
	Type       string                 `json:"type"`
	Content    string                 `json:"content"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Request    *core.Request          `json:"-"`
	Session    *core.Session          `json:"-"`
}

// Task is one unit of execution inside a plan.
type Task struct {
	ID           string                 `json:"id"`
	Tool         string                 `json:"tool"`
	Service      string                 `json:"service,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Description  string                 `json:"description,omitempty"`
	// TimeoutSeconds overrides the executor default when positive.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// Plan is the dependency-ordered decomposition of one request.
// Produced once per request and immutable afterwards.
type Plan struct {
	Analysis          string   `json:"analysis"`
	SubQuestions      []string `json:"sub_questions,omitempty"`
	Tasks             []Task   `json:"tasks"`
	ExecutionOrder    []string `json:"execution_order"`
	Reasoning         string   `json:"reasoning,omitempty"`
	NeedsVision       bool     `json:"needs_vision,omitempty"`
	NeedsFileAnalysis bool     `json:"needs_file_analysis,omitempty"`
}

// TaskResult is the executor's reply for one task.
type TaskResult struct {
	TaskID  string                 `json:"task_id"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Success bool                   `json:"success"`
}

// TopologicalOrder computes an execution order with Kahn's algorithm,
// visiting ready tasks in lexicographic id order. Cycles are broken by
// forcing the lexicographically first remaining id ready, so the order
// always contains every task exactly once.
func TopologicalOrder(tasks []Task) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, known := indegree[dep]; !known {
				// Dangling dependency, ignore it
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tasks))
	placed := make(map[string]bool, len(tasks))
	for len(order) < len(indegree) {
		if len(ready) == 0 {
			// Cycle: force the lexicographically first remaining id
			var remaining []string
			for id := range indegree {
				if !placed[id] {
					remaining = append(remaining, id)
				}
			}
			sort.Strings(remaining)
			ready = append(ready, remaining[0])
		}

		id := ready[0]
		ready = ready[1:]
		if placed[id] {
			continue
		}
		placed[id] = true
		order = append(order, id)

		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 && !placed[next] {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}
	return order
}

// taskByID indexes a plan's tasks.
func taskByID(tasks []Task) map[string]*Task {
	out := make(map[string]*Task, len(tasks))
	for i := range tasks {
		out[tasks[i].ID] = &tasks[i]
	}
	return out
}
