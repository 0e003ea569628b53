package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	internal "github.com/ZanzyTHEbar/otagon/otagon"
	"github.com/ZanzyTHEbar/otagon/otagon/config"
)

// NewModel creates the upstream model client named by cfg.Provider.
func NewModel(ctx context.Context, cfg config.ServerConfig) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("server.api_key is required")
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "googleai", "gemini":
		model := cfg.DefaultModel
		if model == "" {
			model = internal.DefaultModel
		}
		m, err := googleai.New(ctx, googleai.WithAPIKey(cfg.APIKey), googleai.WithDefaultModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to create googleai client: %w", err)
		}
		return m, nil
	case "openai":
		m, err := openai.New(openai.WithToken(cfg.APIKey), openai.WithModel(cfg.DefaultModel))
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// tokenInfo reads token counts from the provider-specific generation info.
func tokenInfo(info map[string]any) *TokenInfo {
	if len(info) == 0 {
		return nil
	}
	pick := func(keys ...string) int {
		for _, k := range keys {
			switch v := info[k].(type) {
			case int:
				return v
			case int32:
				return int(v)
			case int64:
				return int(v)
			case float64:
				return int(v)
			}
		}
		return 0
	}
	t := &TokenInfo{
		PromptTokens:     pick("input_tokens", "PromptTokens"),
		CompletionTokens: pick("output_tokens", "CompletionTokens"),
		TotalTokens:      pick("total_tokens", "TotalTokens"),
	}
	if t.TotalTokens == 0 {
		t.TotalTokens = t.PromptTokens + t.CompletionTokens
	}
	if t.TotalTokens == 0 {
		return nil
	}
	return t
}

var safetyMarkers = []string{"safety", "blocked", "prohibited", "content_filter", "recitation"}

// isSafetyStop reports whether a stop reason or error text means the model
// refused to answer.
func isSafetyStop(s string) bool {
	s = strings.ToLower(s)
	for _, m := range safetyMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
