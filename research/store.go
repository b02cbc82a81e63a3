package research

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quorra-ai/quorra/core"
)

// TaskStore persists research task snapshots. Live *Task objects stay
// with the workflow; the store only sees serializable copies.
type TaskStore interface {
	Save(ctx context.Context, task Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]Summary, error)
}

// MemoryTaskStore keeps snapshots in a process-local map.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (s *MemoryTaskStore) Save(ctx context.Context, task Task) error {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("research task %s: %w", id, core.ErrTaskNotFound)
	}
	task.mu = &sync.Mutex{}
	return &task, nil
}

func (s *MemoryTaskStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, Summary{
			ID:        task.ID,
			Topic:     task.Topic,
			Status:    task.Status,
			Progress:  task.Progress,
			CreatedAt: task.CreatedAt,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// RedisTaskStore persists snapshots through the shared key-value
// backing, so research tasks survive restarts.
type RedisTaskStore struct {
	backing core.Memory
	ttl     time.Duration
}

// NewRedisTaskStore wraps a namespaced key-value store.
func NewRedisTaskStore(backing core.Memory, ttl time.Duration) *RedisTaskStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisTaskStore{backing: backing, ttl: ttl}
}

func taskKey(id string) string { return "task:" + id }

func (s *RedisTaskStore) Save(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal research task %s: %w", task.ID, err)
	}
	return s.backing.Set(ctx, taskKey(task.ID), string(payload), s.ttl)
}

func (s *RedisTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	payload, err := s.backing.Get(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("load research task %s: %w", id, err)
	}
	if payload == "" {
		return nil, fmt.Errorf("research task %s: %w", id, core.ErrTaskNotFound)
	}
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("decode research task %s: %w", id, err)
	}
	task.mu = &sync.Mutex{}
	return &task, nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.backing.Keys(ctx, "task:*")
	if err != nil {
		return nil, fmt.Errorf("list research tasks: %w", err)
	}
	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		payload, err := s.backing.Get(ctx, key)
		if err != nil || payload == "" {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		out = append(out, Summary{
			ID:        task.ID,
			Topic:     task.Topic,
			Status:    task.Status,
			Progress:  task.Progress,
			CreatedAt: task.CreatedAt,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}
