// Package proxy is the server that holds the model API key, enforces per-user
// quotas and forwards prompts to the upstream model.
package proxy

import "encoding/json"

// Request is the JSON body of POST /v1/ai.
type Request struct {
	Prompt         string          `json:"prompt"`
	Image          string          `json:"image,omitempty"`
	ImageMIME      string          `json:"imageMimeType,omitempty"`
	SystemPrompt   string          `json:"systemPrompt,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"maxTokens,omitempty"`
	RequestType    string          `json:"requestType"`
	Model          string          `json:"model,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	ResponseFormat json.RawMessage `json:"responseFormat,omitempty"`
}

// UsageInfo echoes the counters after the request was charged.
type UsageInfo struct {
	TextCount  int `json:"textCount"`
	ImageCount int `json:"imageCount"`
}

// TokenInfo is the upstream token accounting, when the model reports it.
type TokenInfo struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the JSON body of every /v1/ai reply, success or not.
type Response struct {
	Response          string          `json:"response,omitempty"`
	Success           bool            `json:"success"`
	Usage             *UsageInfo      `json:"usage,omitempty"`
	Tokens            *TokenInfo      `json:"tokens,omitempty"`
	GroundingMetadata json.RawMessage `json:"groundingMetadata,omitempty"`
	Model             string          `json:"model,omitempty"`
	Error             string          `json:"error,omitempty"`
	Details           string          `json:"details,omitempty"`
	Blocked           bool            `json:"blocked,omitempty"`
	Tier              string          `json:"tier,omitempty"`
	Limit             int             `json:"limit,omitempty"`
}

const (
	RequestTypeText  = "text"
	RequestTypeImage = "image"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
)
