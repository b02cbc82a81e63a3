package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/llm"
	"github.com/quorra-ai/quorra/retriever"
)

// ragAnswerPrompt frames the per-question answering call.
const ragAnswerPrompt = `根據提供的資料回答問題,使用繁體中文。
不可捏造資料中沒有的內容;資料不足時請明確說明。`

// KnowledgeService exposes the hybrid retriever as a gateway service,
// so the default deployment exercises the full call path.
type KnowledgeService struct {
	retriever *retriever.Retriever
	client    llm.Client
	logger    core.Logger
}

// NewKnowledgeService wires the retriever and an optional LLM for
// rag_ask synthesis.
func NewKnowledgeService(r *retriever.Retriever, client llm.Client, logger core.Logger) *KnowledgeService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &KnowledgeService{retriever: r, client: client, logger: logger}
}

func (s *KnowledgeService) ServiceID() string { return "knowledge" }

func (s *KnowledgeService) Capabilities() []string {
	return []string{"rag_search", "rag_search_multiple", "rag_ask"}
}

func (s *KnowledgeService) Initialize(ctx context.Context) error { return nil }

func (s *KnowledgeService) HealthCheck(ctx context.Context) bool { return s.retriever != nil }

func (s *KnowledgeService) Shutdown(ctx context.Context) error { return nil }

// Execute dispatches one retrieval method.
func (s *KnowledgeService) Execute(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	switch method {
	case "rag_search":
		return s.ragSearch(ctx, params)
	case "rag_search_multiple":
		return s.ragSearchMultiple(ctx, params)
	case "rag_ask":
		return s.ragAsk(ctx, params)
	default:
		return nil, fmt.Errorf("knowledge service method %s: %w", method, core.ErrMethodNotSupported)
	}
}

func (s *KnowledgeService) ragSearch(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("rag_search: query is required")
	}
	chunks := s.retriever.Search(ctx, query, paramInt(params, "top_k"), paramFilter(params))
	return map[string]interface{}{
		"results": chunkMaps(chunks),
		"total":   len(chunks),
	}, nil
}

func (s *KnowledgeService) ragSearchMultiple(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	queries := paramStrings(params, "queries")
	if len(queries) == 0 {
		return nil, fmt.Errorf("rag_search_multiple: queries are required")
	}
	multi := s.retriever.SearchMultiple(ctx, queries, paramInt(params, "top_k_per_query"), paramFilter(params))
	return map[string]interface{}{
		"queries": multi.Queries,
		"results": chunkMaps(multi.Results),
		"total":   multi.Total,
	}, nil
}

func (s *KnowledgeService) ragAsk(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	question, _ := params["question"].(string)
	if question == "" {
		return nil, fmt.Errorf("rag_ask: question is required")
	}

	ret := s.retriever.Retrieve(ctx, question, paramInt(params, "top_k"), paramFilter(params))
	answer := s.answer(ctx, question, ret.Results)

	sources := make([]map[string]interface{}, 0, len(ret.Sources))
	for _, src := range ret.Sources {
		sources = append(sources, map[string]interface{}{
			"file_name":  src.FileName,
			"page_label": src.PageLabel,
		})
	}
	return map[string]interface{}{
		"answer":  answer,
		"results": chunkMaps(ret.Results),
		"sources": sources,
		"total":   len(ret.Results),
	}, nil
}

func (s *KnowledgeService) answer(ctx context.Context, question string, chunks []retriever.Chunk) string {
	if len(chunks) == 0 {
		return "沒有找到相關資料。"
	}
	if s.client == nil {
		return chunks[0].Text
	}

	var prompt strings.Builder
	prompt.WriteString("資料:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&prompt, "[%d] {%s, 第%s頁} %s\n\n",
			i+1, chunk.Metadata.FileName, chunk.Metadata.PageLabel, chunk.Text)
	}
	fmt.Fprintf(&prompt, "問題: %s", question)

	resp, err := s.client.Generate(ctx, prompt.String(), llm.WithSystemPrompt(ragAnswerPrompt))
	if err != nil {
		s.logger.Warn("rag_ask synthesis failed", map[string]interface{}{
			"operation": "rag_ask",
			"error":     err.Error(),
		})
		return chunks[0].Text
	}
	return resp.Content
}

func chunkMaps(chunks []retriever.Chunk) []interface{} {
	out := make([]interface{}, len(chunks))
	for i, chunk := range chunks {
		out[i] = map[string]interface{}{
			"id":    chunk.ID,
			"text":  chunk.Text,
			"score": chunk.Score,
			"metadata": map[string]interface{}{
				"file_name":    chunk.Metadata.FileName,
				"page_label":   chunk.Metadata.PageLabel,
				"chunk_index":  chunk.Metadata.ChunkIndex,
				"content_type": chunk.Metadata.ContentType,
			},
			"search_info": map[string]interface{}{
				"vector_rank":  chunk.SearchInfo.VectorRank,
				"bm25_rank":    chunk.SearchInfo.BM25Rank,
				"rrf_score":    chunk.SearchInfo.RRFScore,
				"rerank_score": chunk.SearchInfo.RerankScore,
				"source":       chunk.SearchInfo.Source,
			},
		}
	}
	return out
}

func paramInt(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func paramStrings(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// paramFilter decodes the filters parameter, accepting scalar values
// and disjunctive lists per key.
func paramFilter(params map[string]interface{}) *retriever.Filter {
	raw, ok := params["filters"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	filter := &retriever.Filter{Equals: make(map[string][]string, len(raw))}
	for key := range raw {
		if values := paramStrings(raw, key); len(values) > 0 {
			filter.Equals[key] = values
		}
	}
	if len(filter.Equals) == 0 {
		return nil
	}
	return filter
}

// EchoService is a diagnostics service that reflects its input.
type EchoService struct{}

func (EchoService) ServiceID() string                    { return "echo" }
func (EchoService) Capabilities() []string               { return []string{"echo"} }
func (EchoService) Initialize(ctx context.Context) error { return nil }
func (EchoService) HealthCheck(ctx context.Context) bool { return true }
func (EchoService) Shutdown(ctx context.Context) error   { return nil }

func (EchoService) Execute(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if method != "echo" {
		return nil, fmt.Errorf("echo service method %s: %w", method, core.ErrMethodNotSupported)
	}
	return map[string]interface{}{"method": method, "params": params}, nil
}
