package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmbedderConfig points at an OpenAI-compatible embeddings endpoint.
type EmbedderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIEmbedder produces dense vectors through the /embeddings API.
// Providers that support input types (e.g. nomic models via Ollama)
// receive the type as a prompt prefix, which they ignore otherwise.
type OpenAIEmbedder struct {
	config     EmbedderConfig
	httpClient *http.Client
}

// NewOpenAIEmbedder creates the embeddings client.
func NewOpenAIEmbedder(config EmbedderConfig) *OpenAIEmbedder {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prefix := ""
	switch inputType {
	case InputQuery:
		prefix = "search_query: "
	case InputDocument:
		prefix = "search_document: "
	}
	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = prefix + text
	}

	body, err := json.Marshal(embeddingRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	url := strings.TrimRight(e.config.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings request failed with status %d: %s", resp.StatusCode, detail)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(decoded.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
