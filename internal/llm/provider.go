package llm

import (
	"context"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
)

// CompletionRequest describes a single call to the completion service.
type CompletionRequest struct {
	System    string
	User      string
	Model     string // model key from config, not the wire name
	MaxTokens int
}

// Completion is the result of one call, with usage and cost attached so
// callers can bookkeep without recomputing prices.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Model        string // wire model name reported by the provider
	CostUSD      float64
}

// Provider is the completion-service contract used by the agents. It is
// stateless across calls; retries happen inside Complete.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// NewProvider creates a provider from configuration. Backoff bounds apply
// to the retry loop inside Complete.
func NewProvider(cfg config.LLMConfig, backoffBase, backoffCap time.Duration) (Provider, error) {
	switch cfg.Provider.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg.Provider, backoffBase, backoffCap), nil
	default:
		return nil, &FatalError{Detail: "unsupported llm provider type: " + cfg.Provider.Type}
	}
}
