package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/otagon/otagon"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
	"github.com/rs/zerolog"
)

// ResponseRequest is one user turn to answer.
type ResponseRequest struct {
	Conversation    *ports.Conversation
	User            *ports.User
	Message         string
	IsActiveSession bool
	HasImages       bool
	ImageData       string // data URL or bare base64
	Structured      bool
	NoCache         bool
}

func (r *ResponseRequest) requestType() ports.RequestType {
	if r.HasImages {
		return ports.RequestImage
	}
	return ports.RequestText
}

func (r *ResponseRequest) cacheContext() CacheContext {
	cc := CacheContext{NoCache: r.NoCache}
	if r.Conversation != nil {
		cc.GameTitle = r.Conversation.GameTitle
		cc.ConversationID = r.Conversation.ID
	}
	if r.User != nil {
		cc.HasUserContext = r.User.HasUserContext
	}
	return cc
}

// Settings are the provider call defaults.
type Settings struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// MemoryTTLSeconds bounds entries in the in-process cache.
	MemoryTTLSeconds int
	// SearchGrounding asks the proxy to enable web search for text requests.
	SearchGrounding bool
}

// DefaultSettings mirror the proxy's own defaults.
func DefaultSettings() Settings {
	return Settings{
		Model:            internal.DefaultModel,
		Temperature:      0.7,
		MaxTokens:        2048,
		MemoryTTLSeconds: 3600,
	}
}

// Components are the collaborators of an Orchestrator. Nil members are
// replaced with no-op implementations, except Persistent and Knowledge which
// simply disable their feature.
type Components struct {
	Builder    *PromptBuilder
	Knowledge  *KnowledgeInjector
	Memory     ports.Cache
	Persistent ports.ResponseCache
	Policy     CachePolicy
	Limiter    ports.RateLimiter
	Tracer     ports.Tracer
	Dedup      *Deduplicator
	Writes     *BestEffort
	Parser     *tags.Parser
	Guardrails *Guardrails
	Tokens     *TokenCounter
}

// Orchestrator turns a user message into a post-processed AIResponse.
type Orchestrator struct {
	provider   ports.Provider
	builder    *PromptBuilder
	knowledge  *KnowledgeInjector
	memory     ports.Cache
	persistent ports.ResponseCache
	policy     CachePolicy
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	dedup      *Deduplicator
	writes     *BestEffort
	parser     *tags.Parser
	guardrails *Guardrails
	tokens     *TokenCounter
	settings   Settings
	logger     zerolog.Logger
	now        func() time.Time
}

// NewOrchestrator wires an orchestrator around provider.
func NewOrchestrator(provider ports.Provider, c Components, settings Settings, logger zerolog.Logger) *Orchestrator {
	logger = logger.With().Str("component", "orchestrator").Logger()
	o := &Orchestrator{
		provider:   provider,
		builder:    c.Builder,
		knowledge:  c.Knowledge,
		memory:     c.Memory,
		persistent: c.Persistent,
		policy:     c.Policy,
		limiter:    c.Limiter,
		tracer:     c.Tracer,
		dedup:      c.Dedup,
		writes:     c.Writes,
		parser:     c.Parser,
		guardrails: c.Guardrails,
		tokens:     c.Tokens,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
	}
	if o.builder == nil {
		o.builder = NewPromptBuilder()
	}
	if o.memory == nil {
		o.memory = &noOpCache{}
	}
	if o.policy == nil {
		o.policy = &DefaultCachePolicy{GlobalTTL: 168 * time.Hour, GameSpecificTTL: 24 * time.Hour, UserTTL: 12 * time.Hour}
	}
	if o.limiter == nil {
		o.limiter = &noOpRateLimiter{}
	}
	if o.tracer == nil {
		o.tracer = &noOpTracer{}
	}
	if o.dedup == nil {
		o.dedup = NewDeduplicator()
	}
	if o.writes == nil {
		o.writes = NewBestEffort(0, 0, logger)
	}
	if o.parser == nil {
		o.parser = tags.NewParser()
	}
	if o.guardrails == nil {
		o.guardrails = NewGuardrails(0)
	}
	if o.settings.Temperature <= 0 {
		o.settings.Temperature = 0.7
	}
	if o.settings.MaxTokens <= 0 {
		o.settings.MaxTokens = 2048
	}
	if o.settings.MemoryTTLSeconds <= 0 {
		o.settings.MemoryTTLSeconds = 3600
	}
	return o
}

// Flush waits for pending cache writes.
func (o *Orchestrator) Flush() { o.writes.Wait() }

// CheckQuota fails when the user has no allowance left for kind. Limits
// <= 0 are unlimited.
func CheckQuota(user *ports.User, kind ports.RequestType) error {
	if user == nil {
		return nil
	}
	count, limit := user.Usage.TextCount, user.Usage.TextLimit
	if kind == ports.RequestImage {
		count, limit = user.Usage.ImageCount, user.Usage.ImageLimit
	}
	if limit > 0 && count >= limit {
		return &ports.QuotaExceededError{Kind: kind, Count: count, Limit: limit, Tier: user.Tier}
	}
	return nil
}

// GetResponse answers one user turn. It returns ErrQuotaExceeded,
// ErrContentPolicy or ErrAborted as errors; any other provider failure is
// reported as a degraded response with a nil error.
func (o *Orchestrator) GetResponse(ctx context.Context, req ResponseRequest) (*ports.AIResponse, error) {
	if req.Conversation == nil {
		return nil, errors.New("conversation is required")
	}
	if err := CheckQuota(req.User, req.requestType()); err != nil {
		return nil, err
	}

	key := DedupKey(req.Conversation.ID, req.Message, req.IsActiveSession, req.HasImages)
	resp, shared, err := o.dedup.Do(ctx, key, func(ctx context.Context) (*ports.AIResponse, error) {
		return o.respond(ctx, &req)
	})
	if shared {
		o.logger.Debug().Str("conversation_id", req.Conversation.ID).Msg("request shared an in-flight response")
	}
	if ctx.Err() != nil {
		return nil, ErrAborted
	}
	return resp, err
}

func (o *Orchestrator) respond(ctx context.Context, req *ResponseRequest) (resp *ports.AIResponse, err error) {
	ctx, finish := o.tracer.StartSpan(ctx, "get_response", map[string]any{
		"conversation_id": req.Conversation.ID,
		"has_images":      req.HasImages,
		"structured":      req.Structured,
	})
	defer func() { finish(err) }()

	fingerprint := Fingerprint(req)
	if !req.NoCache {
		if cached := o.lookupCache(ctx, fingerprint); cached != nil {
			return cached, nil
		}
	}

	release, err := o.limiter.Acquire(ctx, o.limiterKey(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		o.tracer.Event(ctx, "degraded_response", map[string]any{"reason": err.Error()})
		return degradedResponse(err, o.now()), nil
	}
	defer release()

	resp, err = o.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Metadata.Degraded {
		o.storeResponse(ctx, req, fingerprint, resp)
	}
	return resp, nil
}

func (o *Orchestrator) limiterKey(req *ResponseRequest) string {
	if req.User != nil && req.User.ID != "" {
		return req.User.ID
	}
	return "anonymous"
}

func (o *Orchestrator) lookupCache(ctx context.Context, fingerprint string) *ports.AIResponse {
	if data, ok := o.memory.Get(ctx, fingerprint); ok {
		var cached ports.AIResponse
		if err := json.Unmarshal(data, &cached); err == nil {
			cached.Metadata.FromCache = true
			cached.Metadata.CacheType = ports.CacheSourceMemory
			o.tracer.Event(ctx, "cache_hit", map[string]any{"tier": "memory"})
			return &cached
		}
		_ = o.memory.Delete(ctx, fingerprint)
	}

	if o.persistent == nil {
		return nil
	}
	entry, ok, err := o.persistent.Get(ctx, fingerprint)
	if err != nil {
		o.logger.Warn().Err(err).Msg("persistent cache lookup failed")
		return nil
	}
	if !ok {
		return nil
	}
	cached := entry.Response
	if data, err := json.Marshal(cached); err == nil {
		o.writes.Go(ctx, "memory_cache_backfill", func(ctx context.Context) error {
			return o.memory.Set(ctx, fingerprint, data, o.settings.MemoryTTLSeconds)
		})
	}
	cached.Metadata.FromCache = true
	cached.Metadata.CacheType = ports.CacheSourcePersistent
	o.tracer.Event(ctx, "cache_hit", map[string]any{"tier": "persistent", "cache_type": string(entry.CacheType)})
	return &cached
}

func (o *Orchestrator) storeResponse(ctx context.Context, req *ResponseRequest, fingerprint string, resp *ports.AIResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to encode response for cache")
		return
	}
	o.writes.Go(ctx, "memory_cache_write", func(ctx context.Context) error {
		return o.reportWrite(ctx, "memory", o.memory.Set(ctx, fingerprint, data, o.settings.MemoryTTLSeconds))
	})

	cc := req.cacheContext()
	if o.persistent == nil || !o.policy.ShouldCache(req.Message, cc) {
		return
	}
	cacheType := o.policy.DetermineCacheType(cc)
	now := o.now()
	entry := ports.CacheEntry{
		Key:            fingerprint,
		Response:       *resp,
		CacheType:      cacheType,
		GameTitle:      cc.GameTitle,
		ConversationID: cc.ConversationID,
		Model:          resp.Metadata.Model,
		TokensUsed:     resp.Metadata.Tokens,
		ExpiresAt:      now.Add(o.policy.TTL(cacheType)),
		CreatedAt:      now,
	}
	o.writes.Go(ctx, "persistent_cache_write", func(ctx context.Context) error {
		return o.reportWrite(ctx, "persistent", o.persistent.Put(ctx, entry))
	})
}

func (o *Orchestrator) reportWrite(ctx context.Context, tier string, err error) error {
	if err != nil {
		o.tracer.Event(ctx, "cache_write_error", map[string]any{"tier": tier, "error": err.Error()})
	}
	return err
}

// generate builds the prompt, calls the provider and post-processes.
func (o *Orchestrator) generate(ctx context.Context, req *ResponseRequest) (*ports.AIResponse, error) {
	// screenshots are answered in tag mode
	structured := req.Structured && !req.HasImages

	pr := PromptRequest{
		Conversation:    req.Conversation,
		User:            req.User,
		Message:         req.Message,
		IsActiveSession: req.IsActiveSession,
		HasImages:       req.HasImages,
		ImageData:       req.ImageData,
		Structured:      structured,
	}
	if o.knowledge != nil {
		pr.Knowledge = o.knowledge.Context(ctx, req.Conversation, req.Message)
	}
	input := o.builder.Build(pr, nil)

	opts := o.options(req)
	if structured {
		opts.ResponseFormat = json.RawMessage(ResponseSchema)
	}

	completion, err := o.complete(ctx, input, opts)
	if err != nil {
		return o.failure(ctx, err)
	}

	var resp *ports.AIResponse
	if structured {
		resp, err = o.parseStructured(completion.Text)
		if err != nil {
			o.tracer.Event(ctx, "fallback_plain_mode", map[string]any{"error": err.Error()})
			pr.Structured = false
			input = o.builder.Build(pr, nil)
			opts.ResponseFormat = nil
			completion, err = o.complete(ctx, input, opts)
			if err != nil {
				return o.failure(ctx, err)
			}
			structured = false
		}
	}
	if !structured {
		out := o.parser.Parse(completion.Text)
		resp = &ports.AIResponse{
			Content:     out.CleanContent,
			RawContent:  completion.Text,
			OtakonTags:  out.Tags,
			Suggestions: out.Tags.Suggestions(),
		}
	}

	o.finalize(resp, input, completion, opts, structured)
	return resp, nil
}

func (o *Orchestrator) options(req *ResponseRequest) ports.Options {
	opts := ports.Options{
		Model:       o.settings.Model,
		Temperature: o.settings.Temperature,
		MaxTokens:   o.settings.MaxTokens,
		RequestType: req.requestType(),
	}
	if o.settings.SearchGrounding && !req.HasImages {
		opts.Tools = []ports.ToolSpec{{Name: "google_search"}}
	}
	return opts
}

// complete calls the provider with abort checks on both sides and a single
// retry for transient failures.
func (o *Orchestrator) complete(ctx context.Context, input ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	completion, err := o.attempt(ctx, input, opts, 1)
	if err != nil && isTransient(err) {
		o.logger.Warn().Err(err).Msg("provider call failed, retrying once")
		completion, err = o.attempt(ctx, input, opts, 2)
	}
	if err != nil {
		return ports.Completion{}, err
	}
	if err := o.guardrails.CheckCompletion(completion); err != nil {
		return ports.Completion{}, err
	}
	return completion, nil
}

func (o *Orchestrator) attempt(ctx context.Context, input ports.PromptInput, opts ports.Options, n int) (ports.Completion, error) {
	if ctx.Err() != nil {
		return ports.Completion{}, ErrAborted
	}
	spanCtx, finish := o.tracer.StartSpan(ctx, "provider_call", map[string]any{
		"attempt":      n,
		"model":        opts.Model,
		"request_type": string(opts.RequestType),
	})
	completion, err := o.provider.Complete(spanCtx, input, opts)
	finish(err)
	if ctx.Err() != nil {
		return ports.Completion{}, ErrAborted
	}
	if err != nil {
		if isContentPolicy(err) && !errors.Is(err, ErrContentPolicy) {
			return ports.Completion{}, fmt.Errorf("%w: %v", ErrContentPolicy, err)
		}
		return ports.Completion{}, err
	}
	return completion, nil
}

// failure converts a provider error into the caller-facing result.
func (o *Orchestrator) failure(ctx context.Context, err error) (*ports.AIResponse, error) {
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, ErrContentPolicy), errors.Is(err, ErrQuotaExceeded):
		return nil, err
	}
	o.logger.Error().Err(err).Msg("provider call failed, returning degraded response")
	o.tracer.Event(ctx, "degraded_response", map[string]any{"reason": err.Error()})
	return degradedResponse(err, o.now()), nil
}

// finalize applies the steps shared by both response modes.
func (o *Orchestrator) finalize(resp *ports.AIResponse, input ports.PromptInput, c ports.Completion, opts ports.Options, structured bool) {
	if resp.OtakonTags == nil {
		resp.OtakonTags = tags.Map{}
	}
	if n, ok := resp.OtakonTags.Progress(); ok {
		resp.Progress = &n
	}
	if objective, ok := resp.OtakonTags.Objective(); ok {
		resp.Objective = objective
	}
	if len(resp.Suggestions) == 0 {
		resp.Suggestions = resp.FollowUpPrompts
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []string{}
	}
	resp.Content = o.guardrails.SanitizeOutput(resp.Content)

	model := c.Model
	if model == "" {
		model = opts.Model
	}
	tokens := 0
	if c.Usage != nil {
		tokens = c.Usage.TotalTokens
	}
	if tokens == 0 {
		tokens = o.tokens.Count(input.System+"\n"+input.Prompt) + o.tokens.Count(c.Text)
	}
	resp.Metadata = ports.ResponseMetadata{
		Model:      model,
		Timestamp:  o.now(),
		Tokens:     tokens,
		Structured: structured,
	}
}

// Generate is a one-shot text completion without tags, caching or retries.
func (o *Orchestrator) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := o.attempt(ctx, ports.PromptInput{Prompt: strings.TrimSpace(prompt)}, ports.Options{
		Model:       o.settings.Model,
		Temperature: o.settings.Temperature,
		MaxTokens:   o.settings.MaxTokens,
		RequestType: ports.RequestText,
	}, 1)
	if err != nil {
		return "", fmt.Errorf("failed to generate: %w", err)
	}
	if err := o.guardrails.CheckCompletion(completion); err != nil {
		return "", err
	}
	return completion.Text, nil
}
