package research

import "fmt"

// Depth selects the research intensity of one run.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// ParseDepth maps a wire value onto a depth. Empty means standard.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "":
		return DepthStandard, nil
	case DepthQuick, DepthStandard, DepthDeep:
		return Depth(s), nil
	default:
		return "", fmt.Errorf("unknown research depth %q", s)
	}
}

// depthProfile tunes a run: sub-question count, review budget and
// retrieval depth per question.
type depthProfile struct {
	maxQuestions int
	reviewBudget int
	topK         int
}

func (d Depth) profile() depthProfile {
	switch d {
	case DepthQuick:
		return depthProfile{maxQuestions: 3, reviewBudget: 0, topK: 3}
	case DepthDeep:
		return depthProfile{maxQuestions: 5, reviewBudget: maxSupplementaryQueries, topK: 8}
	default:
		return depthProfile{maxQuestions: 5, reviewBudget: maxSupplementaryQueries, topK: questionTopK}
	}
}
