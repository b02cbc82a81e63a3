package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refFixture() []Source {
	return []Source{
		{Source: "a.pdf", Page: "1"},
		{Source: "a.pdf", Page: "2"},
		{Source: "b.pdf", Page: "3"},
		{Source: "c.pdf", Page: ""},
	}
}

func TestAnalyzeCitationsPartition(t *testing.T) {
	report := "第一點 [1]。第二點 [2][1]。越界 [7] 再一次 [7]。"
	analysis := AnalyzeCitations(report, refFixture())

	// Cited and uncited partition the reference ids.
	citedIDs := make(map[int]bool)
	for _, cited := range analysis.CitedRefs {
		citedIDs[cited.ID] = true
	}
	for _, id := range analysis.UncitedRefs {
		assert.False(t, citedIDs[id], "id %d both cited and uncited", id)
	}
	assert.Equal(t, len(refFixture()), len(analysis.CitedRefs)+len(analysis.UncitedRefs))

	assert.Equal(t, []int{3, 4}, analysis.UncitedRefs)
	assert.Equal(t, []int{7}, analysis.InvalidCitations)

	// Counts sum to the number of marker occurrences.
	total := 0
	for _, count := range analysis.Counts {
		total += count
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 5, analysis.Stats.TotalCitations)
	assert.Equal(t, 2, analysis.Stats.UniqueCitations)
}

func TestAnalyzeCitationsOrdersByCount(t *testing.T) {
	report := "[2] [2] [2] [1] [3] [3]"
	analysis := AnalyzeCitations(report, refFixture())

	require.Len(t, analysis.CitedRefs, 3)
	assert.Equal(t, CitedRef{ID: 2, Count: 3}, analysis.CitedRefs[0])
	assert.Equal(t, CitedRef{ID: 3, Count: 2}, analysis.CitedRefs[1])
	assert.Equal(t, CitedRef{ID: 1, Count: 1}, analysis.CitedRefs[2])
	assert.InDelta(t, 1.5, analysis.Stats.AvgCitationsPerSource, 1e-9)
}

func TestAnalyzeCitationsEmptyReport(t *testing.T) {
	analysis := AnalyzeCitations("no markers here", refFixture())
	assert.Empty(t, analysis.CitedRefs)
	assert.Equal(t, []int{1, 2, 3, 4}, analysis.UncitedRefs)
	assert.Zero(t, analysis.Stats.TotalCitations)
}

func TestFormatCitationReportSections(t *testing.T) {
	refs := refFixture()
	analysis := AnalyzeCitations("重點 [1] 與 [3],以及 [9]。", refs)
	rendered := FormatCitationReport(analysis, refs)

	assert.Contains(t, rendered, "## 📚 Cited References")
	assert.Contains(t, rendered, "## 📖 Related Sources (Not Cited)")
	assert.Contains(t, rendered, "## 📊 Citation Statistics")
	assert.Contains(t, rendered, "[1] a.pdf (第1頁): cited 1 time(s)")
	assert.NotContains(t, rendered, "—")
	assert.Contains(t, rendered, "[4] c.pdf")
	assert.Contains(t, rendered, "Invalid citations: [9]")
	assert.Contains(t, rendered, "| Reference | Citations |")
}
