package resilience

import (
	"context"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/types"
)

// LLMChain implements [llm.Provider] across multiple model backends, each
// behind its own breaker. When the primary fails or its breaker is open, the
// next healthy backend is tried.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain creates an [LLMChain] with primary as the preferred backend.
func NewLLMChain(primaryName string, primary llm.Provider, cfg ChainConfig) *LLMChain {
	return &LLMChain{chain: NewChain(primaryName, primary, cfg)}
}

// Add registers an additional backend as a fallback.
func (c *LLMChain) Add(name string, p llm.Provider) {
	c.chain.Add(name, p)
}

// StreamCompletion opens a completion stream on the first healthy backend.
// Only stream establishment is covered by failover; once chunks are flowing,
// mid-stream errors surface to the caller as FinishError chunks.
func (c *LLMChain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, _, err := TryResult(c.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
	return ch, err
}

// Complete runs a blocking completion on the first healthy backend.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, _, err := TryResult(c.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	return resp, err
}

// CountTokens delegates to the first healthy backend's counter.
func (c *LLMChain) CountTokens(messages []types.Message) (int, error) {
	n, _, err := TryResult(c.chain, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
	return n, err
}

// Capabilities reports the primary backend's capabilities. Static metadata,
// so it does not participate in failover.
func (c *LLMChain) Capabilities() types.ModelCapabilities {
	if len(c.chain.entries) == 0 {
		return types.ModelCapabilities{}
	}
	return c.chain.entries[0].value.Capabilities()
}
