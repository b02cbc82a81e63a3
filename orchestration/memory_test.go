package orchestration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkillCap(t *testing.T) {
	m := NewMemoryActor(10, 0, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{
			Name: fmt.Sprintf("skill %d", i),
		}})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(m.skills), 10)
}

func TestSkillEvictionKeepsMostSuccessful(t *testing.T) {
	m := NewMemoryActor(2, 0, nil)
	ctx := context.Background()

	v1, _ := m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{Name: "rare"}})
	v2, _ := m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{Name: "common"}})
	rare := v1.(*Skill)
	common := v2.(*Skill)
	for i := 0; i < 5; i++ {
		m.Receive(ctx, Message{Type: MsgUpdateSkillStats, Payload: skillStatsPayload{SkillID: common.ID, Success: true}})
	}

	m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{Name: "new"}})
	require.Len(t, m.skills, 2)

	names := []string{m.skills[0].Name, m.skills[1].Name}
	assert.Contains(t, names, "common")
	assert.NotContains(t, names, rare.Name)
}

func TestFindSimilarSkillsScoring(t *testing.T) {
	m := NewMemoryActor(0, 0, nil)
	ctx := context.Background()

	m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{
		Name:            "document summary",
		TriggerPatterns: []string{"summarize", "summary"},
	}})
	m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{
		Name:            "code review",
		TriggerPatterns: []string{"review my code"},
	}})

	value, err := m.Receive(ctx, Message{Type: MsgFindSkills, Payload: findSkillsPayload{
		Query: "please give me a document summary",
		Limit: 5,
	}})
	require.NoError(t, err)
	matches := value.([]ScoredSkill)
	require.NotEmpty(t, matches)
	assert.Equal(t, "document summary", matches[0].Skill.Name)
	// +2 name hit, +1 for each of the two trigger patterns
	assert.Equal(t, 4, matches[0].Score)
	for _, match := range matches {
		assert.NotEqual(t, "code review", match.Skill.Name)
	}
}

func TestUpdateSkillStats(t *testing.T) {
	m := NewMemoryActor(0, 0, nil)
	ctx := context.Background()

	value, _ := m.Receive(ctx, Message{Type: MsgRecordSkill, Payload: recordSkillPayload{Name: "s"}})
	skill := value.(*Skill)
	before := skill.LastUsed

	m.Receive(ctx, Message{Type: MsgUpdateSkillStats, Payload: skillStatsPayload{SkillID: skill.ID, Success: true}})
	m.Receive(ctx, Message{Type: MsgUpdateSkillStats, Payload: skillStatsPayload{SkillID: skill.ID, Success: false}})

	assert.Equal(t, 2, skill.SuccessCount)
	assert.Equal(t, 1, skill.FailureCount)
	assert.False(t, skill.LastUsed.Before(before))
}

func TestSessionMemoryBound(t *testing.T) {
	m := NewMemoryActor(0, 5, nil)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		m.Receive(ctx, Message{Type: MsgStoreSession, Payload: storeSessionPayload{
			SessionID: "s1", Role: "user", Content: fmt.Sprintf("m%d", i),
		}})
	}

	value, _ := m.Receive(ctx, Message{Type: MsgGetSession, Payload: "s1"})
	record := value.(*SessionRecord)
	require.Len(t, record.History, 5)
	assert.Equal(t, "m7", record.History[0].Content)
	assert.Equal(t, "m11", record.History[4].Content)

	missing, _ := m.Receive(ctx, Message{Type: MsgGetSession, Payload: "nope"})
	assert.Nil(t, missing)
}
