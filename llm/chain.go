package llm

import (
	"context"
	"fmt"

	"github.com/quorra-ai/quorra/core"
)

// ChainClient composes providers with transport-only failover: the
// first provider that does not return a transport error wins. Business
// errors stop the chain immediately, they would fail everywhere.
type ChainClient struct {
	clients []Client
	logger  core.Logger
}

// NewChainClient builds a failover chain in priority order.
func NewChainClient(logger core.Logger, clients ...Client) *ChainClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ChainClient{clients: clients, logger: logger}
}

// Provider names the chain by its members.
func (c *ChainClient) Provider() string {
	if len(c.clients) == 1 {
		return c.clients[0].Provider()
	}
	return "chain"
}

// Generate tries each provider in order.
func (c *ChainClient) Generate(ctx context.Context, prompt string, opts ...GenerateOption) (*Response, error) {
	if len(c.clients) == 0 {
		return nil, core.ErrNoProvider
	}

	var lastErr error
	for _, client := range c.clients {
		resp, err := client.Generate(ctx, prompt, opts...)
		if err == nil {
			return resp, nil
		}
		if !IsTransport(err) {
			return nil, err
		}
		c.logger.Warn("Provider failed, trying next", map[string]interface{}{
			"operation": "llm_failover",
			"provider":  client.Provider(),
			"error":     err.Error(),
		})
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", core.ErrNoProvider, lastErr)
}

// GenerateStream streams from the first provider that accepts the call.
func (c *ChainClient) GenerateStream(ctx context.Context, prompt string, opts ...GenerateOption) (<-chan string, error) {
	if len(c.clients) == 0 {
		return nil, core.ErrNoProvider
	}

	var lastErr error
	for _, client := range c.clients {
		stream, err := client.GenerateStream(ctx, prompt, opts...)
		if err == nil {
			return stream, nil
		}
		if !IsTransport(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", core.ErrNoProvider, lastErr)
}
