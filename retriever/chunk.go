package retriever

import (
	"strconv"
)

// ChunkMetadata is the structured part of a chunk's payload.
type ChunkMetadata struct {
	FileName    string `json:"file_name"`
	PageLabel   string `json:"page_label"`
	ChunkIndex  int    `json:"chunk_index"`
	ContentType string `json:"content_type"`
}

// SearchInfo records how a chunk was found. Ranks are 1-based and nil
// when the chunk did not appear in that retrieval list.
type SearchInfo struct {
	VectorRank  *int     `json:"vector_rank"`
	BM25Rank    *int     `json:"bm25_rank"`
	RRFScore    float64  `json:"rrf_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Source      string   `json:"source"`
}

// Chunk is one retrieved unit of text.
type Chunk struct {
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	Metadata   ChunkMetadata `json:"metadata"`
	Score      float64       `json:"score"`
	SearchInfo SearchInfo    `json:"search_info"`
}

// SourceRef identifies the document location a chunk came from.
type SourceRef struct {
	FileName  string `json:"file_name"`
	PageLabel string `json:"page_label"`
}

// Retrieval is the result of one search call.
type Retrieval struct {
	Query   string      `json:"query"`
	Results []Chunk     `json:"results"`
	Sources []SourceRef `json:"sources"`
}

// MultiRetrieval is the result of a multi-query search.
type MultiRetrieval struct {
	Queries []string `json:"queries"`
	Results []Chunk  `json:"results"`
	Total   int      `json:"total"`
}

// Sources deduplicates chunk origins by (file_name, page_label),
// preserving first-seen order.
func Sources(chunks []Chunk) []SourceRef {
	seen := make(map[SourceRef]bool, len(chunks))
	out := make([]SourceRef, 0, len(chunks))
	for _, chunk := range chunks {
		ref := SourceRef{FileName: chunk.Metadata.FileName, PageLabel: chunk.Metadata.PageLabel}
		if ref.FileName == "" && ref.PageLabel == "" {
			continue
		}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

const (
	metaFileName    = "file_name"
	metaPageLabel   = "page_label"
	metaChunkIndex  = "chunk_index"
	metaContentType = "content_type"
)

// ChunkToPoint converts a chunk into its stored representation.
func ChunkToPoint(chunk Chunk) Point {
	return Point{
		ID:   chunk.ID,
		Text: chunk.Text,
		Metadata: map[string]string{
			metaFileName:    chunk.Metadata.FileName,
			metaPageLabel:   chunk.Metadata.PageLabel,
			metaChunkIndex:  strconv.Itoa(chunk.Metadata.ChunkIndex),
			metaContentType: chunk.Metadata.ContentType,
		},
	}
}

// PointToChunk converts a stored point back into a chunk.
func PointToChunk(point Point) Chunk {
	index, _ := strconv.Atoi(point.Metadata[metaChunkIndex])
	return Chunk{
		ID:   point.ID,
		Text: point.Text,
		Metadata: ChunkMetadata{
			FileName:    point.Metadata[metaFileName],
			PageLabel:   point.Metadata[metaPageLabel],
			ChunkIndex:  index,
			ContentType: point.Metadata[metaContentType],
		},
	}
}
