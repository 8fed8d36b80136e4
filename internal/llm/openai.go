package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against the chat completions API.
type OpenAIProvider struct {
	config      config.LLMProvider
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg config.LLMProvider, backoffBase, backoffCap time.Duration) *OpenAIProvider {
	if len(cfg.Models) == 0 {
		cfg.Models = config.DefaultModels()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffCap < backoffBase {
		backoffCap = 30 * time.Second
	}
	return &OpenAIProvider{
		config:      cfg,
		client:      &http.Client{Timeout: timeout},
		maxRetries:  retries,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Complete calls the chat completions endpoint. RateLimited and Transient
// failures are retried with exponential backoff up to the configured
// attempt limit; Fatal failures propagate immediately.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	m, ok := p.config.Models[req.Model]
	if !ok {
		return Completion{}, &FatalError{Detail: fmt.Sprintf("model %s not configured", req.Model)}
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		comp, err := p.sendOnce(ctx, req, m)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return Completion{}, err
		}
		if attempt == p.maxRetries {
			break
		}
		// Exponential backoff with cap and jitter; cancellation is
		// honoured between attempts, never mid-commit.
		delay := p.backoffBase << (attempt - 1)
		if delay > p.backoffCap {
			delay = p.backoffCap
		}
		if jitter := int64(p.backoffBase) / 2; jitter > 0 {
			delay += time.Duration(rand.Int63n(jitter))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	return Completion{}, fmt.Errorf("completion failed after %d attempts: %w", p.maxRetries, lastErr)
}

func (p *OpenAIProvider) sendOnce(ctx context.Context, req CompletionRequest, m config.LLMModel) (Completion, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return Completion{}, &FatalError{Detail: "OpenAI API key not configured"}
	}

	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = m.MaxTokens
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	msgs := []chatMsg{}
	if req.System != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMsg{Role: "user", Content: req.User})

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Completion{}, &FatalError{Detail: fmt.Sprintf("marshal request: %v", err)}
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return Completion{}, &FatalError{Detail: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Completion{}, &RateLimitedError{Model: apiModel}
	case resp.StatusCode >= 500:
		return Completion{}, &TransientError{Status: resp.StatusCode}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Completion{}, &FatalError{Status: resp.StatusCode, Detail: string(detail)}
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, &TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return Completion{}, &TransientError{Err: fmt.Errorf("empty completion (model=%s)", apiModel)}
	}

	cost := p.CalculateCost(out.Usage.PromptTokens, out.Usage.CompletionTokens, req.Model)
	model := out.Model
	if model == "" {
		model = apiModel
	}
	return Completion{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Model:        model,
		CostUSD:      cost,
	}, nil
}

// CalculateCost converts token usage to dollars using the per-model rates
// (USD per 1M tokens). Unknown models cost zero.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := p.config.Models[model]
	if !ok {
		return 0.0
	}
	inputCost := float64(inputTokens) / 1_000_000 * m.CostPer1MIn
	outputCost := float64(outputTokens) / 1_000_000 * m.CostPer1MOut
	return inputCost + outputCost
}
