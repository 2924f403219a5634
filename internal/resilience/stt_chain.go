package resilience

import (
	"context"

	"github.com/voxhall/voxhall/pkg/provider/stt"
)

// STTChain implements [stt.Provider] across multiple recognizer backends,
// each behind its own breaker. Only opening a stream participates in
// failover; an established session's reconnects are handled by the session
// wrapper in internal/call.
type STTChain struct {
	chain *Chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTChain)(nil)

// NewSTTChain creates an [STTChain] with primary as the preferred recognizer.
func NewSTTChain(primaryName string, primary stt.Provider, cfg ChainConfig) *STTChain {
	return &STTChain{chain: NewChain(primaryName, primary, cfg)}
}

// Add registers an additional recognizer as a fallback.
func (c *STTChain) Add(name string, p stt.Provider) {
	c.chain.Add(name, p)
}

// StartStream opens a transcription session against the first healthy
// recognizer.
func (c *STTChain) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, _, err := TryResult(c.chain, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	return h, err
}
