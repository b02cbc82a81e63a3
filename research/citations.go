package research

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// CitedRef is one reference that appears in the report.
type CitedRef struct {
	ID    int `json:"id"`
	Count int `json:"count"`
}

// CitationStats summarizes citation usage.
type CitationStats struct {
	TotalCitations        int        `json:"total_citations"`
	UniqueCitations       int        `json:"unique_citations"`
	AvgCitationsPerSource float64    `json:"avg_citations_per_source"`
	MostCited             []CitedRef `json:"most_cited"`
}

// CitationAnalysis partitions a reference list against the [N] markers
// found in a report. CitedRefs and UncitedRefs partition the reference
// ids; InvalidCitations are markers with no matching reference.
type CitationAnalysis struct {
	Counts           map[int]int   `json:"citation_count"`
	CitedRefs        []CitedRef    `json:"cited_refs"`
	UncitedRefs      []int         `json:"uncited_refs"`
	InvalidCitations []int         `json:"invalid_citations"`
	Stats            CitationStats `json:"stats"`
}

// AnalyzeCitations extracts every [N] occurrence from the report and
// partitions the references (ids 1..len(refs)).
func AnalyzeCitations(report string, refs []Source) CitationAnalysis {
	counts := make(map[int]int)
	total := 0
	for _, match := range citationPattern.FindAllStringSubmatch(report, -1) {
		id, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		counts[id]++
		total++
	}

	analysis := CitationAnalysis{Counts: counts}
	invalidSeen := make(map[int]bool)
	for id := range counts {
		if id < 1 || id > len(refs) {
			if !invalidSeen[id] {
				invalidSeen[id] = true
				analysis.InvalidCitations = append(analysis.InvalidCitations, id)
			}
		}
	}
	sort.Ints(analysis.InvalidCitations)

	for id := 1; id <= len(refs); id++ {
		if count := counts[id]; count > 0 {
			analysis.CitedRefs = append(analysis.CitedRefs, CitedRef{ID: id, Count: count})
		} else {
			analysis.UncitedRefs = append(analysis.UncitedRefs, id)
		}
	}
	sort.SliceStable(analysis.CitedRefs, func(a, b int) bool {
		if analysis.CitedRefs[a].Count != analysis.CitedRefs[b].Count {
			return analysis.CitedRefs[a].Count > analysis.CitedRefs[b].Count
		}
		return analysis.CitedRefs[a].ID < analysis.CitedRefs[b].ID
	})

	analysis.Stats = CitationStats{
		TotalCitations:  total,
		UniqueCitations: len(analysis.CitedRefs),
	}
	if len(refs) > 0 {
		analysis.Stats.AvgCitationsPerSource = float64(total) / float64(len(refs))
	}
	top := analysis.CitedRefs
	if len(top) > 5 {
		top = top[:5]
	}
	analysis.Stats.MostCited = append([]CitedRef(nil), top...)
	return analysis
}

func refLabel(refs []Source, id int) string {
	ref := refs[id-1]
	if ref.Page != "" {
		return fmt.Sprintf("%s (第%s頁)", ref.Source, ref.Page)
	}
	return ref.Source
}

// FormatCitationReport renders the reference and statistics sections
// appended to a research report.
func FormatCitationReport(analysis CitationAnalysis, refs []Source) string {
	var sb strings.Builder

	sb.WriteString("## 📚 Cited References\n\n")
	if len(analysis.CitedRefs) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, cited := range analysis.CitedRefs {
		fmt.Fprintf(&sb, "- [%d] %s: cited %d time(s)\n", cited.ID, refLabel(refs, cited.ID), cited.Count)
	}

	sb.WriteString("\n## 📖 Related Sources (Not Cited)\n\n")
	if len(analysis.UncitedRefs) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, id := range analysis.UncitedRefs {
		fmt.Fprintf(&sb, "- [%d] %s\n", id, refLabel(refs, id))
	}

	sb.WriteString("\n## 📊 Citation Statistics\n\n")
	fmt.Fprintf(&sb, "- Total citations: %d\n", analysis.Stats.TotalCitations)
	fmt.Fprintf(&sb, "- Unique citations: %d\n", analysis.Stats.UniqueCitations)
	fmt.Fprintf(&sb, "- Average citations per source: %.2f\n", analysis.Stats.AvgCitationsPerSource)
	if len(analysis.InvalidCitations) > 0 {
		fmt.Fprintf(&sb, "- Invalid citations: %v\n", analysis.InvalidCitations)
	}
	if len(analysis.Stats.MostCited) > 0 {
		sb.WriteString("\n| Reference | Citations |\n|---|---|\n")
		for _, cited := range analysis.Stats.MostCited {
			fmt.Fprintf(&sb, "| [%d] %s | %d |\n", cited.ID, refLabel(refs, cited.ID), cited.Count)
		}
	}
	return sb.String()
}
