// Package llm defines the language-model collaborator interface, an
// OpenAI-compatible HTTP client, and a multi-provider failover chain.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Usage reports token consumption for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completed generation.
type Response struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Image is an inline image payload for vision-capable models.
type Image struct {
	MimeType   string
	Base64Data string
}

// GenerateOptions collects per-call overrides.
type GenerateOptions struct {
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	Images       []Image
}

// GenerateOption configures one Generate call.
type GenerateOption func(*GenerateOptions)

// WithSystemPrompt sets the system message.
func WithSystemPrompt(prompt string) GenerateOption {
	return func(o *GenerateOptions) { o.SystemPrompt = prompt }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(temperature float64) GenerateOption {
	return func(o *GenerateOptions) { o.Temperature = &temperature }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(maxTokens int) GenerateOption {
	return func(o *GenerateOptions) { o.MaxTokens = maxTokens }
}

// WithImages attaches inline images to the user message.
func WithImages(images []Image) GenerateOption {
	return func(o *GenerateOptions) { o.Images = images }
}

// Client is the language-model collaborator.
type Client interface {
	// Generate produces one completion. The response carries token
	// usage when the provider reports it.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (*Response, error)

	// GenerateStream yields completion chunks as they arrive. The
	// channel is closed when the stream ends or ctx is cancelled.
	GenerateStream(ctx context.Context, prompt string, opts ...GenerateOption) (<-chan string, error)

	// Provider names the backing provider.
	Provider() string
}

// TransportError marks a retryable provider failure: network errors,
// 5xx responses and rate limiting. Business errors (bad input,
// validation) are returned unwrapped and must not trigger failover.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
