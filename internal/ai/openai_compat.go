package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pricing in USD per 1K tokens, keyed by model prefix. Unknown models cost
// the default rate so estimated_cost never silently reads zero.
var pricing = map[string]struct{ in, out float64 }{
	"gpt-4o":      {0.0025, 0.01},
	"gpt-4o-mini": {0.00015, 0.0006},
	"gpt-4.1":     {0.002, 0.008},
}

var defaultPricing = struct{ in, out float64 }{0.001, 0.002}

// CostUSD computes the estimated cost of a completion from its token counts.
func CostUSD(model string, promptTokens, completionTokens int64) float64 {
	p, ok := pricing[model]
	if !ok {
		// Longest prefix wins: "gpt-4o-mini-..." must not match "gpt-4o".
		best := -1
		for prefix, rates := range pricing {
			if len(prefix) > best && len(model) > len(prefix) && model[:len(prefix)] == prefix {
				p, ok, best = rates, true, len(prefix)
			}
		}
	}
	if !ok {
		p = defaultPricing
	}
	return float64(promptTokens)/1000*p.in + float64(completionTokens)/1000*p.out
}

// OpenAIConfig configures the OpenAI-compatible client. BaseURL points at
// any provider that speaks the /chat/completions dialect.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// OpenAIClient implements Client over the OpenAI-compatible chat completions
// HTTP API.
type OpenAIClient struct {
	cfg  OpenAIConfig
	http *http.Client
}

// NewOpenAIClient constructs the client with sane defaults for unset fields.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt and returns the assistant reply with the
// provider's exact token usage.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("ai: read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ai: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := "unexpected status"
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("ai: provider returned %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("ai: provider returned no choices")
	}

	model := out.Model
	if model == "" {
		model = c.cfg.Model
	}
	log.Ctx(ctx).Debug().
		Str("model", model).
		Int64("prompt_tokens", out.Usage.PromptTokens).
		Int64("completion_tokens", out.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("ai completion")

	return &Completion{
		Content:          out.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}
