package harness

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
	"github.com/ZanzyTHEbar/otagon/otagon/db"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *db.DB // optional; enables the SQL-backed stores
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, database *db.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: database, logger: logger}
}

// CreateOrchestrator creates a fully wired Orchestrator. A nil provider is
// replaced by the configured proxy client.
func (f *Factory) CreateOrchestrator(provider ports.Provider) *Orchestrator {
	h := f.cfg.Harness
	if provider == nil {
		provider = f.CreateProvider()
	}
	tokens := NewTokenCounter(h.TokenEncoding, f.logger)

	components := Components{
		Builder:    NewPromptBuilder(),
		Knowledge:  f.createKnowledge(tokens),
		Memory:     f.createCache(),
		Persistent: f.CreateResponseCache(),
		Policy:     NewCachePolicy(h),
		Limiter:    f.createRateLimiter(),
		Tracer:     f.createTracer(),
		Dedup:      NewDeduplicator(),
		Writes:     NewBestEffort(h.CacheWriteTimeout, h.CacheWriteWorkers, f.logger),
		Parser:     tags.NewParser(),
		Guardrails: f.CreateGuardrails(),
		Tokens:     tokens,
	}
	settings := Settings{
		Model:            f.cfg.Proxy.Model,
		Temperature:      f.cfg.Proxy.Temperature,
		MaxTokens:        f.cfg.Proxy.MaxTokens,
		MemoryTTLSeconds: h.CacheTTLSeconds,
	}
	return NewOrchestrator(provider, components, settings, f.logger)
}

// CreateProvider returns the HTTP client for the LLM proxy.
func (f *Factory) CreateProvider() ports.Provider {
	p := f.cfg.Proxy
	return adapters.NewProxyProvider(p.URL, p.AuthToken, p.Timeout, f.logger)
}

func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}
	ttl := time.Duration(f.cfg.Harness.CacheTTLSeconds) * time.Second
	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity, ttl)
}

// CreateResponseCache returns the persistent cache, or nil when it is
// disabled or no database is configured.
func (f *Factory) CreateResponseCache() ports.ResponseCache {
	if f.db == nil || !f.cfg.Harness.PersistentCacheEnabled {
		return nil
	}
	return adapters.NewSQLResponseCache(f.db)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createKnowledge(tokens *TokenCounter) *KnowledgeInjector {
	h := f.cfg.Harness
	if f.db == nil || !h.KnowledgeEnabled {
		return nil
	}
	assembler := NewContextAssembler(Budget{
		MaxContextTokens: h.KnowledgeMaxTokens,
		MaxSnippets:      h.KnowledgeSnippets,
	}, tokens)
	return NewKnowledgeInjector(adapters.NewSQLKnowledgeSource(f.db), assembler, tokens, h.KnowledgeSnippets, f.logger)
}

// CreateStore creates the conversation store.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewSQLConversationStore(f.db)
}

// CreateGuardrails creates guardrails from config. Disabled guardrails still
// map blocked completions to ErrContentPolicy but do not redact.
func (f *Factory) CreateGuardrails() *Guardrails {
	g := NewGuardrails(f.cfg.Harness.MaxOutputSize)
	if !f.cfg.Harness.EnableGuardrails {
		g.outputFilters = nil
	}
	return g
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore keeps nothing; Load always reports not found.
type noOpStore struct{}

func (s *noOpStore) Load(ctx context.Context, id string) (*ports.Conversation, error) {
	return nil, ports.ErrConversationNotFound
}

func (s *noOpStore) Save(ctx context.Context, conv *ports.Conversation) error { return nil }

func (s *noOpStore) AppendMessage(ctx context.Context, conversationID string, msg ports.ChatMessage) error {
	return nil
}

func (s *noOpStore) ListMessages(ctx context.Context, conversationID string) ([]ports.ChatMessage, error) {
	return nil, nil
}

var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
