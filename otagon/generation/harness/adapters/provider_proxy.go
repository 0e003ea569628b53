package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/proxy"
)

// ProxyProvider calls the LLM proxy over HTTP. The proxy holds the model API
// key; this client only carries the user's bearer token.
type ProxyProvider struct {
	endpoint  string
	authToken string
	client    *http.Client
	logger    zerolog.Logger
}

func NewProxyProvider(endpoint, authToken string, timeout time.Duration, logger zerolog.Logger) *ProxyProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ProxyProvider{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "proxy_provider").Logger(),
	}
}

// ProxyError is a non-success reply from the proxy.
type ProxyError struct {
	Status  int
	Message string
	Details string
}

func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("proxy error (status %d): %s", e.Status, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Temporary reports whether retrying the same request may succeed.
func (e *ProxyError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout || e.Status >= 500
}

func (p *ProxyProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	req := proxy.Request{
		Prompt:       in.Prompt,
		SystemPrompt: in.System,
		MaxTokens:    opts.MaxTokens,
		RequestType:  string(opts.RequestType),
		Model:        opts.Model,
	}
	if opts.Temperature > 0 {
		t := float64(opts.Temperature)
		req.Temperature = &t
	}
	if req.RequestType == "" {
		req.RequestType = proxy.RequestTypeText
	}
	if in.Image != "" {
		mime, data := SplitDataURL(in.Image)
		if in.ImageMIME != "" {
			mime = in.ImageMIME
		}
		req.Image, req.ImageMIME = data, mime
		req.RequestType = proxy.RequestTypeImage
	}
	if len(opts.Tools) > 0 {
		tools, err := json.Marshal(opts.Tools)
		if err != nil {
			return ports.Completion{}, fmt.Errorf("failed to marshal tools: %w", err)
		}
		req.Tools = tools
	}
	if len(opts.ResponseFormat) > 0 {
		req.ResponseFormat = opts.ResponseFormat
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to marshal proxy request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to build proxy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("network error calling proxy: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("network error reading proxy response: %w", err)
	}

	var out proxy.Response
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode >= 300 {
			return ports.Completion{}, &ProxyError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Details: strings.TrimSpace(string(body))}
		}
		return ports.Completion{}, fmt.Errorf("failed to decode proxy response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(out.Error), "limit") {
		return ports.Completion{}, &ports.QuotaExceededError{
			Kind:  ports.RequestType(req.RequestType),
			Count: out.Limit,
			Limit: out.Limit,
			Tier:  ports.Tier(out.Tier),
		}
	}
	if out.Blocked {
		p.logger.Warn().Str("reason", out.Error).Msg("proxy reported blocked content")
		return ports.Completion{Blocked: true, BlockReason: out.Error, Model: out.Model}, nil
	}
	if resp.StatusCode >= 300 || !out.Success {
		return ports.Completion{}, &ProxyError{Status: resp.StatusCode, Message: out.Error, Details: out.Details}
	}

	completion := ports.Completion{
		Text:      out.Response,
		Grounding: out.GroundingMetadata,
		Model:     out.Model,
	}
	if out.Tokens != nil {
		completion.Usage = &ports.TokenUsage{
			PromptTokens:     out.Tokens.PromptTokens,
			CompletionTokens: out.Tokens.CompletionTokens,
			TotalTokens:      out.Tokens.TotalTokens,
		}
	}
	return completion, nil
}

// SplitDataURL splits "data:image/png;base64,AAAA" into its MIME type and
// payload. Plain base64 is returned as image/jpeg.
func SplitDataURL(s string) (mime, data string) {
	if !strings.HasPrefix(s, "data:") {
		return "image/jpeg", s
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return "image/jpeg", s
	}
	mime, _, _ = strings.Cut(header, ";")
	if mime == "" {
		mime = "image/jpeg"
	}
	return mime, payload
}

var _ ports.Provider = (*ProxyProvider)(nil)
