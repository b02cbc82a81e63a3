package retriever

import "sort"

// rrfK is the Reciprocal Rank Fusion constant.
const rrfK = 60

// fusionKey identifies a document across retrieval lists by the first
// 100 characters of its text.
func fusionKey(text string) string {
	runes := []rune(text)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return string(runes)
}

// fuseRRF merges two rank-ordered lists with Reciprocal Rank Fusion:
// RRF(doc) = Σ 1/(k + rank). Chunks present in both lists are marked
// hybrid; ranks are recorded 1-based in search_info. The result is
// ordered by fused score descending, ties broken by first appearance.
func fuseRRF(vectorList, bm25List []Chunk) []Chunk {
	type fused struct {
		chunk Chunk
		order int
	}
	byKey := make(map[string]*fused, len(vectorList)+len(bm25List))
	var keys []string

	for i := range vectorList {
		rank := i + 1
		key := fusionKey(vectorList[i].Text)
		entry, ok := byKey[key]
		if !ok {
			chunk := vectorList[i]
			chunk.SearchInfo = SearchInfo{Source: "vector"}
			entry = &fused{chunk: chunk, order: len(keys)}
			byKey[key] = entry
			keys = append(keys, key)
		}
		r := rank
		entry.chunk.SearchInfo.VectorRank = &r
		entry.chunk.SearchInfo.RRFScore += 1.0 / float64(rrfK+rank)
	}

	for i := range bm25List {
		rank := i + 1
		key := fusionKey(bm25List[i].Text)
		entry, ok := byKey[key]
		if !ok {
			chunk := bm25List[i]
			chunk.SearchInfo = SearchInfo{Source: "bm25"}
			entry = &fused{chunk: chunk, order: len(keys)}
			byKey[key] = entry
			keys = append(keys, key)
		} else {
			entry.chunk.SearchInfo.Source = "hybrid"
		}
		r := rank
		entry.chunk.SearchInfo.BM25Rank = &r
		entry.chunk.SearchInfo.RRFScore += 1.0 / float64(rrfK+rank)
	}

	out := make([]fused, 0, len(keys))
	for _, key := range keys {
		entry := byKey[key]
		entry.chunk.Score = entry.chunk.SearchInfo.RRFScore
		out = append(out, *entry)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].chunk.Score != out[b].chunk.Score {
			return out[a].chunk.Score > out[b].chunk.Score
		}
		return out[a].order < out[b].order
	})

	chunks := make([]Chunk, len(out))
	for i := range out {
		chunks[i] = out[i].chunk
	}
	return chunks
}
