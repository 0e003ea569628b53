package harnessports

import (
	"context"
	"encoding/json"
)

// PromptInput is everything the provider needs for one completion.
type PromptInput struct {
	System    string // persona and injected context
	Prompt    string // the user turn, already composed
	Image     string // base64 payload or data URL
	ImageMIME string
	Meta      map[string]string // tracing only
}

// RequestType selects the proxy's text or image quota.
type RequestType string

const (
	RequestText  RequestType = "text"
	RequestImage RequestType = "image"
)

// Options controls sampling and output shape.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	RequestType RequestType
	// ResponseFormat is a JSON schema; when set the model must answer in JSON.
	ResponseFormat json.RawMessage
	Tools          []ToolSpec
}

// ToolSpec declares a server-side tool, e.g. search grounding.
type ToolSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// TokenUsage captures token accounting for metadata and cost.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response. Blocked is set when the model
// refused the request on safety grounds.
type Completion struct {
	Text        string
	Usage       *TokenUsage
	Blocked     bool
	BlockReason string
	Grounding   json.RawMessage
	Model       string
}

// Provider is the abstraction for the LLM backend.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
