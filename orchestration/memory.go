package orchestration

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorra-ai/quorra/core"
)

const (
	// DefaultMaxSkills caps the skill collection.
	DefaultMaxSkills = 100
	// DefaultMaxSessionHistory bounds per-session memory entries.
	DefaultMaxSessionHistory = 50
)

// Skill records a previously successful plan for reuse.
type Skill struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	TriggerPatterns   []string               `json:"trigger_patterns"`
	ExecutionTemplate map[string]interface{} `json:"execution_template"`
	SuccessCount      int                    `json:"success_count"`
	FailureCount      int                    `json:"failure_count"`
	CreatedAt         time.Time              `json:"created_at"`
	LastUsed          time.Time              `json:"last_used"`
}

// ScoredSkill is a similarity match for a query.
type ScoredSkill struct {
	Skill *Skill
	Score int
}

// SessionRecord is the memory actor's per-session state.
type SessionRecord struct {
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	History   []core.ChatMessage     `json:"history"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// storeSessionPayload carries a store_session message.
type storeSessionPayload struct {
	SessionID string
	Role      string
	Content   string
}

// recordSkillPayload carries a record_skill message.
type recordSkillPayload struct {
	Name              string
	TriggerPatterns   []string
	ExecutionTemplate map[string]interface{}
}

// findSkillsPayload carries a find_similar_skills message.
type findSkillsPayload struct {
	Query string
	Limit int
}

// skillStatsPayload carries an update_skill_stats message.
type skillStatsPayload struct {
	SkillID string
	Success bool
}

// MemoryActor owns session memory and the skill cache. All access is
// serialized through the actor mailbox.
type MemoryActor struct {
	maxSkills         int
	maxSessionHistory int
	sessions          map[string]*SessionRecord
	skills            []*Skill
	logger            core.Logger
}

// NewMemoryActor creates the memory behavior.
func NewMemoryActor(maxSkills, maxSessionHistory int, logger core.Logger) *MemoryActor {
	if maxSkills <= 0 {
		maxSkills = DefaultMaxSkills
	}
	if maxSessionHistory <= 0 {
		maxSessionHistory = DefaultMaxSessionHistory
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryActor{
		maxSkills:         maxSkills,
		maxSessionHistory: maxSessionHistory,
		sessions:          make(map[string]*SessionRecord),
		logger:            logger,
	}
}

// Receive dispatches memory messages.
func (m *MemoryActor) Receive(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case MsgStoreSession:
		p, _ := msg.Payload.(storeSessionPayload)
		m.storeSession(p)
		return nil, nil
	case MsgGetSession:
		sessionID, _ := msg.Payload.(string)
		return m.sessions[sessionID], nil
	case MsgRecordSkill:
		p, _ := msg.Payload.(recordSkillPayload)
		return m.recordSkill(p), nil
	case MsgFindSkills:
		p, _ := msg.Payload.(findSkillsPayload)
		return m.findSimilarSkills(p.Query, p.Limit), nil
	case MsgUpdateSkillStats:
		p, _ := msg.Payload.(skillStatsPayload)
		m.updateSkillStats(p.SkillID, p.Success)
		return nil, nil
	default:
		return nil, nil
	}
}

func (m *MemoryActor) storeSession(p storeSessionPayload) {
	now := time.Now()
	record, ok := m.sessions[p.SessionID]
	if !ok {
		record = &SessionRecord{CreatedAt: now, Metadata: make(map[string]interface{})}
		m.sessions[p.SessionID] = record
	}
	record.UpdatedAt = now
	record.History = append(record.History, core.ChatMessage{
		Role:      p.Role,
		Content:   p.Content,
		Timestamp: now,
	})
	if len(record.History) > m.maxSessionHistory {
		record.History = record.History[len(record.History)-m.maxSessionHistory:]
	}
}

func (m *MemoryActor) recordSkill(p recordSkillPayload) *Skill {
	skill := &Skill{
		ID:                uuid.NewString(),
		Name:              p.Name,
		TriggerPatterns:   p.TriggerPatterns,
		ExecutionTemplate: p.ExecutionTemplate,
		SuccessCount:      1,
		CreatedAt:         time.Now(),
		LastUsed:          time.Now(),
	}
	m.skills = append(m.skills, skill)

	if excess := len(m.skills) - m.maxSkills; excess > 0 {
		sort.SliceStable(m.skills, func(a, b int) bool {
			return m.skills[a].SuccessCount < m.skills[b].SuccessCount
		})
		evicted := m.skills[:excess]
		m.skills = append([]*Skill(nil), m.skills[excess:]...)
		m.logger.Debug("Skills evicted", map[string]interface{}{
			"operation": "skill_evict",
			"evicted":   len(evicted),
			"remaining": len(m.skills),
		})
	}
	return skill
}

// findSimilarSkills scores skills by substring similarity: +2 when the
// query appears in the skill name, +1 per matching trigger pattern
// (case-insensitive, either direction).
func (m *MemoryActor) findSimilarSkills(query string, limit int) []ScoredSkill {
	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(query)

	var scored []ScoredSkill
	for _, skill := range m.skills {
		score := 0
		if strings.Contains(strings.ToLower(skill.Name), q) || strings.Contains(q, strings.ToLower(skill.Name)) {
			score += 2
		}
		for _, pattern := range skill.TriggerPatterns {
			p := strings.ToLower(pattern)
			if strings.Contains(q, p) || strings.Contains(p, q) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, ScoredSkill{Skill: skill, Score: score})
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func (m *MemoryActor) updateSkillStats(skillID string, success bool) {
	for _, skill := range m.skills {
		if skill.ID != skillID {
			continue
		}
		if success {
			skill.SuccessCount++
		} else {
			skill.FailureCount++
		}
		skill.LastUsed = time.Now()
		return
	}
}
