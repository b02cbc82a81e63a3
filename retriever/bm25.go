package retriever

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75

	// MaxBM25Docs bounds the in-memory index size.
	MaxBM25Docs = 1000
)

// bm25Hit is one keyword match, best first.
type bm25Hit struct {
	index int
	score float64
}

// BM25Index is an in-memory keyword index over a filtered corpus.
// Built lazily per filter fingerprint and cached by the retriever.
type BM25Index struct {
	docs      []Point
	docTokens [][]string
	docFreq   map[string]int
	avgLen    float64
}

// NewBM25Index builds the index over at most MaxBM25Docs points.
func NewBM25Index(points []Point) *BM25Index {
	if len(points) > MaxBM25Docs {
		points = points[:MaxBM25Docs]
	}

	idx := &BM25Index{
		docs:      points,
		docTokens: make([][]string, len(points)),
		docFreq:   make(map[string]int),
	}

	var totalLen int
	for i, p := range points {
		tokens := tokenize(p.Text)
		idx.docTokens[i] = tokens
		totalLen += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				idx.docFreq[t]++
			}
		}
	}
	if len(points) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(points))
	}
	return idx
}

// Size returns the number of indexed documents.
func (idx *BM25Index) Size() int { return len(idx.docs) }

// Doc returns the indexed point at position i.
func (idx *BM25Index) Doc(i int) Point { return idx.docs[i] }

// Search scores every document against the query and returns the top
// topK positive hits, best first.
func (idx *BM25Index) Search(query string, topK int) []bm25Hit {
	if len(idx.docs) == 0 || topK <= 0 {
		return nil
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	n := float64(len(idx.docs))
	hits := make([]bm25Hit, 0, len(idx.docs))
	for i, tokens := range idx.docTokens {
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		docLen := float64(len(tokens))

		var score float64
		for _, q := range queryTokens {
			freq := float64(tf[q])
			if freq == 0 {
				continue
			}
			df := float64(idx.docFreq[q])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			score += idf * (freq * (bm25K1 + 1)) /
				(freq + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen))
		}
		if score > 0 {
			hits = append(hits, bm25Hit{index: i, score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// tokenize mixes lowercased word tokens with CJK character bigrams. A
// single isolated CJK character becomes its own token.
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var cjkRun []rune

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	flushCJK := func() {
		switch {
		case len(cjkRun) == 1:
			tokens = append(tokens, string(cjkRun))
		case len(cjkRun) > 1:
			for i := 0; i+1 < len(cjkRun); i++ {
				tokens = append(tokens, string(cjkRun[i:i+2]))
			}
		}
		cjkRun = cjkRun[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(unicode.ToLower(r))
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}
