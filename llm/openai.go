package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quorra-ai/quorra/core"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIClient speaks the OpenAI chat-completions wire format, which
// most hosted and local providers accept.
type OpenAIClient struct {
	config     OpenAIConfig
	httpClient *http.Client
	logger     core.Logger
}

// NewOpenAIClient creates a client for one endpoint.
func NewOpenAIClient(config OpenAIConfig, logger core.Logger) *OpenAIClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OpenAIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Provider returns the provider name.
func (c *OpenAIClient) Provider() string { return "openai" }

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *imageURLValue `json:"image_url,omitempty"`
}

type imageURLValue struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func buildMessages(prompt string, options GenerateOptions) []chatMessage {
	var messages []chatMessage
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}

	if len(options.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: prompt})
		return messages
	}

	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range options.Images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURLValue{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64Data),
			},
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})
	return messages
}

// Generate runs one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, opts ...GenerateOption) (*Response, error) {
	var options GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}

	body := chatRequest{
		Model:       c.config.Model,
		Messages:    buildMessages(prompt, options),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}

	start := time.Now()
	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &TransportError{Provider: c.Provider(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm provider %s rejected request: %s", c.Provider(), parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransportError{Provider: c.Provider(), Err: fmt.Errorf("empty choices")}
	}

	c.logger.Debug("Generation completed", map[string]interface{}{
		"operation":   "llm_generate",
		"provider":    c.Provider(),
		"model":       c.config.Model,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &Response{Content: parsed.Choices[0].Message.Content, Usage: parsed.Usage}, nil
}

// GenerateStream runs a streaming chat completion and yields content
// chunks from the SSE delta frames.
func (c *OpenAIClient) GenerateStream(ctx context.Context, prompt string, opts ...GenerateOption) (<-chan string, error) {
	var options GenerateOptions
	for _, opt := range opts {
		opt(&options)
	}

	body := chatRequest{
		Model:       c.config.Model,
		Messages:    buildMessages(prompt, options),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Stream:      true,
	}

	resp, err := c.request(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var frame chatResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue
			}
			if len(frame.Choices) == 0 {
				continue
			}
			chunk := frame.Choices[0].Delta.Content
			if chunk == "" {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *OpenAIClient) post(ctx context.Context, body chatRequest) ([]byte, error) {
	resp, err := c.request(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *OpenAIClient) request(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: c.Provider(), Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &TransportError{
			Provider: c.Provider(),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("llm provider %s rejected request: status %d: %s",
			c.Provider(), resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
