package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// StubModel implements llms.Model for testing.
type StubModel struct {
	generateFunc func(ctx context.Context, messages []llms.MessageContent, opts llms.CallOptions) (*llms.ContentResponse, error)

	mu       sync.Mutex
	calls    int
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *StubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.mu.Lock()
	m.calls++
	m.messages = messages
	m.opts = opts
	m.mu.Unlock()
	if m.generateFunc != nil {
		return m.generateFunc(ctx, messages, opts)
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        "Hint: Parry the second swing.",
		StopReason:     "FinishReasonStop",
		GenerationInfo: map[string]any{"input_tokens": int32(12), "output_tokens": int32(8), "total_tokens": int32(20)},
	}}}, nil
}

func (m *StubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

var _ llms.Model = (*StubModel)(nil)

type fakeUsage struct {
	mu           sync.Mutex
	users        map[string]*ports.User // by id
	tokens       map[string]string      // token -> id
	incrementErr error
	hideUser     bool
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{
		users: map[string]*ports.User{
			"u1": {ID: "u1", Tier: ports.TierFree, Usage: ports.Usage{TextCount: 3, TextLimit: 55, ImageCount: 25, ImageLimit: 25}},
		},
		tokens: map[string]string{"good-token": "u1"},
	}
}

func (f *fakeUsage) UserByToken(ctx context.Context, token string) (*ports.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *f.users[id]
	return &u, nil
}

func (f *fakeUsage) User(ctx context.Context, userID string) (*ports.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || f.hideUser {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (f *fakeUsage) Increment(ctx context.Context, userID string, kind ports.RequestType) (ports.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrementErr != nil {
		return ports.Usage{}, f.incrementErr
	}
	u := f.users[userID]
	if kind == ports.RequestImage {
		u.Usage.ImageCount++
	} else {
		u.Usage.TextCount++
	}
	return u.Usage, nil
}

type denyLimiter struct{}

func (denyLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return nil, errors.New("rate limit exceeded")
}

func newTestServer(model llms.Model, usage UsageStore, limiter ports.RateLimiter) *Server {
	return NewServer(config.ServerConfig{DefaultModel: "gemini-test"}, model, usage, limiter, zerolog.Nop())
}

func postAI(t *testing.T, s *Server, token string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/ai", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestHandleAI_Success(t *testing.T) {
	model := &StubModel{}
	usage := newFakeUsage()
	s := newTestServer(model, usage, nil)
	temp := 0.2

	rec, out := postAI(t, s, "good-token", Request{
		Prompt:         "How do I beat Margit?",
		SystemPrompt:   "You are Otagon.",
		Temperature:    &temp,
		RequestType:    RequestTypeText,
		ResponseFormat: json.RawMessage(`{"type":"object"}`),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, out.Success)
	assert.Equal(t, "Hint: Parry the second swing.", out.Response)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 4, out.Usage.TextCount)
	assert.Equal(t, 25, out.Usage.ImageCount)
	require.NotNil(t, out.Tokens)
	assert.Equal(t, 20, out.Tokens.TotalTokens)
	assert.Equal(t, "gemini-test", out.Model)

	require.Len(t, model.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, "gemini-test", model.opts.Model)
	assert.InDelta(t, 0.2, model.opts.Temperature, 0.0001)
	assert.Equal(t, DefaultMaxTokens, model.opts.MaxTokens)
	assert.True(t, model.opts.JSONMode)
}

func TestHandleAI_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		body     any
		limiter  ports.RateLimiter
		mutate   func(*fakeUsage)
		wantCode int
		wantErr  string
	}{
		{"missing token", "", Request{Prompt: "hi"}, nil, nil, http.StatusUnauthorized, "Unauthorized"},
		{"unknown token", "bad-token", Request{Prompt: "hi"}, nil, nil, http.StatusUnauthorized, "Invalid token"},
		{"rate limited", "good-token", Request{Prompt: "hi"}, denyLimiter{}, nil, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 1 minute."},
		{"empty prompt", "good-token", Request{Prompt: "  "}, nil, nil, http.StatusBadRequest, "Prompt is required"},
		{"bad request type", "good-token", Request{Prompt: "hi", RequestType: "video"}, nil, nil, http.StatusBadRequest, `Unknown requestType "video"`},
		{"user vanished", "good-token", Request{Prompt: "hi"}, nil, func(f *fakeUsage) { f.hideUser = true }, http.StatusNotFound, "User not found"},
		{"image quota", "good-token", Request{Prompt: "what is this", Image: "AAAA", RequestType: RequestTypeImage}, nil, nil, http.StatusForbidden, "Image query limit reached. Upgrade to continue."},
		{"bad image", "good-token", Request{Prompt: "what is this", Image: "%%%", RequestType: RequestTypeImage}, nil, func(f *fakeUsage) { f.users["u1"].Usage.ImageCount = 0 }, http.StatusBadRequest, "Invalid image data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &StubModel{}
			usage := newFakeUsage()
			if tt.mutate != nil {
				tt.mutate(usage)
			}
			s := newTestServer(model, usage, tt.limiter)

			rec, out := postAI(t, s, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantErr, out.Error)
			assert.Equal(t, 0, model.calls)
		})
	}
}

func TestHandleAI_TextQuota(t *testing.T) {
	usage := newFakeUsage()
	usage.users["u1"].Usage.TextCount = 55
	s := newTestServer(&StubModel{}, usage, nil)

	rec, out := postAI(t, s, "good-token", Request{Prompt: "hi", RequestType: RequestTypeText})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Text query limit reached. Upgrade to continue.", out.Error)
	assert.Equal(t, "free", out.Tier)
	assert.Equal(t, 55, out.Limit)
}

func TestHandleAI_Upstream(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		model := &StubModel{generateFunc: func(ctx context.Context, m []llms.MessageContent, o llms.CallOptions) (*llms.ContentResponse, error) {
			return nil, errors.New("googleapi: Error 500")
		}}
		usage := newFakeUsage()
		rec, out := postAI(t, newTestServer(model, usage, nil), "good-token", Request{Prompt: "hi"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "AI service error", out.Error)
		assert.Contains(t, out.Details, "Error 500")
		assert.Equal(t, 3, usage.users["u1"].Usage.TextCount, "failed calls are not charged")
	})

	t.Run("safety stop", func(t *testing.T) {
		model := &StubModel{generateFunc: func(ctx context.Context, m []llms.MessageContent, o llms.CallOptions) (*llms.ContentResponse, error) {
			return &llms.ContentResponse{Choices: []*llms.ContentChoice{{StopReason: "FinishReasonSafety"}}}, nil
		}}
		usage := newFakeUsage()
		rec, out := postAI(t, newTestServer(model, usage, nil), "good-token", Request{Prompt: "hi"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, out.Blocked)
		assert.False(t, out.Success)
		assert.Equal(t, 3, usage.users["u1"].Usage.TextCount)
	})

	t.Run("usage failure is not fatal", func(t *testing.T) {
		usage := newFakeUsage()
		usage.incrementErr = errors.New("db locked")
		rec, out := postAI(t, newTestServer(&StubModel{}, usage, nil), "good-token", Request{Prompt: "hi"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, out.Success)
		assert.Equal(t, 4, out.Usage.TextCount)
	})

	t.Run("image request", func(t *testing.T) {
		model := &StubModel{}
		usage := newFakeUsage()
		usage.users["u1"].Usage.ImageCount = 0
		rec, out := postAI(t, newTestServer(model, usage, nil), "good-token", Request{
			Prompt: "what is this", Image: "aGVsbG8=", ImageMIME: "image/png", RequestType: RequestTypeImage,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, out.Usage.ImageCount)
		require.Len(t, model.messages, 1)
		require.Len(t, model.messages[0].Parts, 2)
		bin, ok := model.messages[0].Parts[1].(llms.BinaryContent)
		require.True(t, ok)
		assert.Equal(t, "image/png", bin.MIMEType)
		assert.Equal(t, []byte("hello"), bin.Data)
	})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&StubModel{}, newFakeUsage(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestTokenInfo(t *testing.T) {
	assert.Nil(t, tokenInfo(nil))
	assert.Equal(t, &TokenInfo{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
		tokenInfo(map[string]any{"PromptTokens": 3, "CompletionTokens": 4}))
}

func TestIsSafetyStop(t *testing.T) {
	assert.True(t, isSafetyStop("FinishReasonSafety"))
	assert.True(t, isSafetyStop("content_filter"))
	assert.False(t, isSafetyStop("stop"))
	assert.False(t, isSafetyStop(""))
}
