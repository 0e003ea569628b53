package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// StubProvider implements Provider for testing.
type StubProvider struct {
	completionFunc func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error)

	mu    sync.Mutex
	calls []ports.Options
}

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	p.calls = append(p.calls, opts)
	p.mu.Unlock()
	if p.completionFunc != nil {
		return p.completionFunc(ctx, in, opts)
	}
	return ports.Completion{
		Text:  "Hint: Head north. [OTAKON_SUGGESTIONS: [\"What next?\", \"Any tips?\"]]",
		Usage: &ports.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Model: "stub-model",
	}, nil
}

func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *StubProvider) Options(i int) ports.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

// fakeResponseCache is an in-memory ResponseCache.
type fakeResponseCache struct {
	mu      sync.Mutex
	entries map[string]ports.CacheEntry
}

func newFakeResponseCache() *fakeResponseCache {
	return &fakeResponseCache{entries: make(map[string]ports.CacheEntry)}
}

func (c *fakeResponseCache) Get(ctx context.Context, key string) (ports.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

func (c *fakeResponseCache) Put(ctx context.Context, entry ports.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
	return nil
}

func (c *fakeResponseCache) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }

func (c *fakeResponseCache) Stats(ctx context.Context) (ports.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ports.CacheStats{Total: len(c.entries)}, nil
}

func (c *fakeResponseCache) InvalidateGame(ctx context.Context, gameTitle string) (int, error) {
	return 0, nil
}

func (c *fakeResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var _ ports.ResponseCache = (*fakeResponseCache)(nil)

func newTestOrchestrator(provider ports.Provider, mutate ...func(*Components)) *Orchestrator {
	logger := zerolog.Nop()
	c := Components{
		Memory: adapters.NewLRUCache(100, time.Hour),
		Tokens: NewTokenCounter("", logger),
		Writes: NewBestEffort(time.Second, 4, logger),
	}
	for _, m := range mutate {
		m(&c)
	}
	return NewOrchestrator(provider, c, DefaultSettings(), logger)
}

func testConversation() *ports.Conversation {
	return &ports.Conversation{ID: "conv-1", Title: "Elden Ring", GameTitle: "Elden Ring", Genre: "Action RPG"}
}

func testUser() *ports.User {
	return &ports.User{
		ID:    "user-1",
		Tier:  ports.TierFree,
		Usage: ports.Usage{TextCount: 3, TextLimit: 55, ImageCount: 0, ImageLimit: 25},
	}
}

func testRequest(message string) ResponseRequest {
	return ResponseRequest{Conversation: testConversation(), User: testUser(), Message: message}
}

func TestGetResponse_PlainMode(t *testing.T) {
	provider := &StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			return ports.Completion{
				Text: "Hint: Go left at the gate. [OTAKON_SUGGESTIONS: [\"Where is the key?\", \"Any boss tips?\"]] " +
					"[OTAKON_PROGRESS: 40] [OTAKON_OBJECTIVE_SET: {\"description\": \"Find the key\"}]",
			}, nil
		},
	}
	o := newTestOrchestrator(provider)

	resp, err := o.GetResponse(context.Background(), testRequest("How do I open the gate?"))
	require.NoError(t, err)

	assert.Contains(t, resp.Content, "Go left at the gate.")
	assert.NotContains(t, resp.Content, "OTAKON")
	assert.Equal(t, []string{"Where is the key?", "Any boss tips?"}, resp.Suggestions)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 40, *resp.Progress)
	assert.Equal(t, "Find the key", resp.Objective)
	assert.Equal(t, DefaultSettings().Model, resp.Metadata.Model)
	assert.Positive(t, resp.Metadata.Tokens)
	assert.False(t, resp.Metadata.FromCache)
	assert.False(t, resp.Metadata.Structured)

	opts := provider.Options(0)
	assert.Equal(t, ports.RequestText, opts.RequestType)
	assert.InDelta(t, 0.7, opts.Temperature, 0.001)
	assert.Equal(t, 2048, opts.MaxTokens)
}

func TestGetResponse_QuotaExceeded(t *testing.T) {
	tests := []struct {
		name      string
		usage     ports.Usage
		hasImages bool
		wantErr   bool
		wantKind  ports.RequestType
	}{
		{"text exhausted", ports.Usage{TextCount: 55, TextLimit: 55, ImageLimit: 25}, false, true, ports.RequestText},
		{"image exhausted", ports.Usage{TextLimit: 55, ImageCount: 25, ImageLimit: 25}, true, true, ports.RequestImage},
		{"image left while text exhausted", ports.Usage{TextCount: 55, TextLimit: 55, ImageCount: 1, ImageLimit: 25}, true, false, ""},
		{"zero limit is unlimited", ports.Usage{TextCount: 9999}, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &StubProvider{}
			o := newTestOrchestrator(provider)

			req := testRequest("What should I do next here?")
			req.User.Usage = tt.usage
			req.HasImages = tt.hasImages
			if tt.hasImages {
				req.ImageData = "data:image/png;base64,AAAA"
			}

			_, err := o.GetResponse(context.Background(), req)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 1, provider.Calls())
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrQuotaExceeded))
			var qe *ports.QuotaExceededError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, tt.wantKind, qe.Kind)
			assert.Equal(t, 0, provider.Calls(), "quota must be checked before any provider call")
		})
	}
}

func TestGetResponse_DeduplicatesConcurrentRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32

	provider := &StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			calls.Add(1)
			once.Do(func() { close(started) })
			<-release
			return ports.Completion{Text: "Shared answer"}, nil
		},
	}
	o := newTestOrchestrator(provider)

	const n = 5
	results := make([]*ports.AIResponse, n)
	var wg sync.WaitGroup
	run := func(i int) {
		defer wg.Done()
		resp, err := o.GetResponse(context.Background(), testRequest("Where is the blacksmith?"))
		assert.NoError(t, err)
		results[i] = resp
	}

	wg.Add(1)
	go run(0)
	<-started
	wg.Add(n - 1)
	for i := 1; i < n; i++ {
		go run(i)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, o.dedup.InFlight())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 0, o.dedup.InFlight())
}

func TestGetResponse_SettledFlightIsForgotten(t *testing.T) {
	tests := []struct {
		name           string
		fail           func() (ports.Completion, error)
		callsPerFlight int
		wantErr        error
		wantDegraded   bool
	}{
		{
			name:           "content policy error",
			fail:           func() (ports.Completion, error) { return ports.Completion{Blocked: true, BlockReason: "SAFETY"}, nil },
			callsPerFlight: 1,
			wantErr:        ErrContentPolicy,
		},
		{
			name:           "degraded after retry",
			fail:           func() (ports.Completion, error) { return ports.Completion{}, errors.New("connection reset by peer") },
			callsPerFlight: 2,
			wantDegraded:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			provider := &StubProvider{
				completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
					once.Do(func() { close(started) })
					<-release
					return tt.fail()
				},
			}
			o := newTestOrchestrator(provider)

			const n = 4
			errs := make([]error, n)
			resps := make([]*ports.AIResponse, n)
			var wg sync.WaitGroup
			run := func(i int) {
				defer wg.Done()
				resps[i], errs[i] = o.GetResponse(context.Background(), testRequest("Where is the hidden path?"))
			}
			wg.Add(1)
			go run(0)
			<-started
			wg.Add(n - 1)
			for i := 1; i < n; i++ {
				go run(i)
			}
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()

			for i := 0; i < n; i++ {
				if tt.wantErr != nil {
					assert.ErrorIs(t, errs[i], tt.wantErr)
					continue
				}
				require.NoError(t, errs[i])
				assert.Equal(t, tt.wantDegraded, resps[i].Metadata.Degraded)
			}
			assert.Equal(t, tt.callsPerFlight, provider.Calls())
			assert.Equal(t, 0, o.dedup.InFlight())

			o.Flush()
			_, _ = o.GetResponse(context.Background(), testRequest("Where is the hidden path?"))
			assert.Equal(t, 2*tt.callsPerFlight, provider.Calls(), "a settled flight must not answer later calls")
			assert.Equal(t, 0, o.dedup.InFlight())
		})
	}
}

func TestGetResponse_FollowerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	provider := &StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			once.Do(func() { close(started) })
			<-release
			return ports.Completion{Text: "Shared answer"}, nil
		},
	}
	o := newTestOrchestrator(provider)

	var leader *ports.AIResponse
	var leaderErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		leader, leaderErr = o.GetResponse(context.Background(), testRequest("Where is the blacksmith?"))
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.GetResponse(ctx, testRequest("Where is the blacksmith?"))
	assert.ErrorIs(t, err, ErrAborted)

	close(release)
	<-done
	require.NoError(t, leaderErr)
	assert.Contains(t, leader.Content, "Shared answer")
	assert.Equal(t, 1, provider.Calls())
}

// failingCache rejects every write.
type failingCache struct{ sets atomic.Int32 }

func (c *failingCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }

func (c *failingCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.sets.Add(1)
	return errors.New("cache unavailable")
}

func (c *failingCache) Delete(ctx context.Context, key string) error { return nil }

// failingResponseCache rejects every Put.
type failingResponseCache struct {
	*fakeResponseCache
	puts atomic.Int32
}

func (c *failingResponseCache) Put(ctx context.Context, entry ports.CacheEntry) error {
	c.puts.Add(1)
	return errors.New("disk full")
}

func TestGetResponse_CacheWriteFailureIsIgnored(t *testing.T) {
	tests := []struct {
		name           string
		memoryFails    bool
		persistentFail bool
	}{
		{"memory write fails", true, false},
		{"persistent write fails", false, true},
		{"both fail", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := &failingCache{}
			persistent := &failingResponseCache{fakeResponseCache: newFakeResponseCache()}
			provider := &StubProvider{}
			o := newTestOrchestrator(provider, func(c *Components) {
				if tt.memoryFails {
					c.Memory = memory
				}
				if tt.persistentFail {
					c.Persistent = persistent
				}
			})

			resp, err := o.GetResponse(context.Background(), testRequest("How do I beat Margit?"))
			require.NoError(t, err)
			assert.NotPanics(t, o.Flush)

			assert.Contains(t, resp.Content, "Head north.")
			assert.Equal(t, []string{"What next?", "Any tips?"}, resp.Suggestions)
			assert.False(t, resp.Metadata.Degraded)
			assert.False(t, resp.Metadata.FromCache)
			if tt.memoryFails {
				assert.Equal(t, int32(1), memory.sets.Load())
			}
			if tt.persistentFail {
				assert.Equal(t, int32(1), persistent.puts.Load())
			}
		})
	}
}

func TestGetResponse_NoCacheAfterSettledFlight(t *testing.T) {
	provider := &StubProvider{}
	o := newTestOrchestrator(provider)
	ctx := context.Background()

	_, err := o.GetResponse(ctx, testRequest("How do I reach the castle?"))
	require.NoError(t, err)
	o.Flush()
	require.Equal(t, 0, o.dedup.InFlight())

	req := testRequest("How do I reach the castle?")
	req.NoCache = true
	resp, err := o.GetResponse(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Metadata.FromCache)
	assert.Equal(t, 2, provider.Calls())
}

func TestGetResponse_MemoryCacheHit(t *testing.T) {
	provider := &StubProvider{}
	o := newTestOrchestrator(provider)
	ctx := context.Background()

	first, err := o.GetResponse(ctx, testRequest("How do I beat Margit?"))
	require.NoError(t, err)
	o.Flush()

	second, err := o.GetResponse(ctx, testRequest("How do I beat Margit?"))
	require.NoError(t, err)

	assert.Equal(t, 1, provider.Calls())
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, ports.CacheSourceMemory, second.Metadata.CacheType)
	assert.Equal(t, first.Content, second.Content)
	assert.False(t, first.Metadata.FromCache)

	// NoCache bypasses both tiers
	req := testRequest("How do I beat Margit?")
	req.NoCache = true
	third, err := o.GetResponse(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Metadata.FromCache)
	assert.Equal(t, 2, provider.Calls())
}

func TestGetResponse_PersistentCache(t *testing.T) {
	persistent := newFakeResponseCache()
	provider := &StubProvider{}
	ctx := context.Background()

	writer := newTestOrchestrator(provider, func(c *Components) { c.Persistent = persistent })
	_, err := writer.GetResponse(ctx, testRequest("How do I beat Margit?"))
	require.NoError(t, err)
	writer.Flush()
	require.Equal(t, 1, persistent.Len())

	for _, e := range persistent.entries {
		assert.Equal(t, ports.CacheGameSpecific, e.CacheType)
		assert.Equal(t, "Elden Ring", e.GameTitle)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), e.ExpiresAt, time.Minute)
	}

	// a fresh process shares only the persistent tier
	reader := newTestOrchestrator(provider, func(c *Components) { c.Persistent = persistent })
	hit, err := reader.GetResponse(ctx, testRequest("How do I beat Margit?"))
	require.NoError(t, err)
	assert.True(t, hit.Metadata.FromCache)
	assert.Equal(t, ports.CacheSourcePersistent, hit.Metadata.CacheType)
	assert.Equal(t, 1, provider.Calls())

	reader.Flush()
	again, err := reader.GetResponse(ctx, testRequest("How do I beat Margit?"))
	require.NoError(t, err)
	assert.Equal(t, ports.CacheSourceMemory, again.Metadata.CacheType)
}

func TestGetResponse_TimeSensitiveNotPersisted(t *testing.T) {
	persistent := newFakeResponseCache()
	o := newTestOrchestrator(&StubProvider{}, func(c *Components) { c.Persistent = persistent })

	_, err := o.GetResponse(context.Background(), testRequest("What is the latest patch about?"))
	require.NoError(t, err)
	o.Flush()
	assert.Equal(t, 0, persistent.Len())
}

func TestGetResponse_Aborted(t *testing.T) {
	t.Run("before call", func(t *testing.T) {
		provider := &StubProvider{}
		o := newTestOrchestrator(provider)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := o.GetResponse(ctx, testRequest("Where do I go now?"))
		assert.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, 0, provider.Calls())
	})

	t.Run("during call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		provider := &StubProvider{
			completionFunc: func(_ context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				cancel()
				return ports.Completion{Text: "too late"}, nil
			},
		}
		o := newTestOrchestrator(provider)

		resp, err := o.GetResponse(ctx, testRequest("Where do I go now?"))
		assert.ErrorIs(t, err, ErrAborted)
		assert.Nil(t, resp)
		assert.Equal(t, 1, provider.Calls())
	})
}

func TestGetResponse_ContentPolicy(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error)
	}{
		{"blocked completion", func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			return ports.Completion{Blocked: true, BlockReason: "SAFETY"}, nil
		}},
		{"safety error", func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			return ports.Completion{}, errors.New("candidate was blocked due to SAFETY")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &StubProvider{completionFunc: tt.fn}
			o := newTestOrchestrator(provider)

			_, err := o.GetResponse(context.Background(), testRequest("Tell me about this boss"))
			assert.ErrorIs(t, err, ErrContentPolicy)
			assert.Equal(t, 1, provider.Calls(), "content policy errors are not retried")
		})
	}
}

func TestGetResponse_RetryAndDegrade(t *testing.T) {
	t.Run("transient failure retried once", func(t *testing.T) {
		var n atomic.Int32
		provider := &StubProvider{
			completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				if n.Add(1) == 1 {
					return ports.Completion{}, &adapters.ProxyError{Status: 503, Message: "unavailable"}
				}
				return ports.Completion{Text: "Recovered answer"}, nil
			},
		}
		o := newTestOrchestrator(provider)

		resp, err := o.GetResponse(context.Background(), testRequest("Where is the merchant?"))
		require.NoError(t, err)
		assert.Equal(t, 2, provider.Calls())
		assert.Contains(t, resp.Content, "Recovered answer")
		assert.False(t, resp.Metadata.Degraded)
	})

	t.Run("second failure degrades", func(t *testing.T) {
		provider := &StubProvider{
			completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				return ports.Completion{}, errors.New("network error calling proxy: connection refused")
			},
		}
		o := newTestOrchestrator(provider)

		resp, err := o.GetResponse(context.Background(), testRequest("Where is the merchant?"))
		require.NoError(t, err)
		assert.Equal(t, 2, provider.Calls())
		assert.True(t, resp.Metadata.Degraded)
		assert.Equal(t, "error", resp.Metadata.Model)
		assert.Equal(t, msgNetwork, resp.Content)
		assert.Equal(t, []string{"Try again", "Check your connection", "Contact support"}, resp.Suggestions)

		// degraded answers are never cached
		o.Flush()
		_, err = o.GetResponse(context.Background(), testRequest("Where is the merchant?"))
		require.NoError(t, err)
		assert.Equal(t, 4, provider.Calls())
	})

	t.Run("auth failure is not retried", func(t *testing.T) {
		provider := &StubProvider{
			completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				return ports.Completion{}, &adapters.ProxyError{Status: 401, Message: "Unauthorized"}
			},
		}
		o := newTestOrchestrator(provider)

		resp, err := o.GetResponse(context.Background(), testRequest("Where is the merchant?"))
		require.NoError(t, err)
		assert.Equal(t, 1, provider.Calls())
		assert.Equal(t, msgAuthFailed, resp.Content)
	})
}

func TestGetResponse_RateLimited(t *testing.T) {
	provider := &StubProvider{}
	o := newTestOrchestrator(provider, func(c *Components) {
		c.Limiter = adapters.NewTokenBucket(1, time.Hour)
	})
	ctx := context.Background()

	_, err := o.GetResponse(ctx, testRequest("Where is the first grace?"))
	require.NoError(t, err)

	resp, err := o.GetResponse(ctx, testRequest("Where is the second grace?"))
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Degraded)
	assert.Equal(t, msgBusy, resp.Content)
	assert.Equal(t, 1, provider.Calls())
}

func TestGetResponse_StructuredMode(t *testing.T) {
	raw := "```json\n" + `{
  "content": "Hint: Use fire against the tree sentinel.\n\nfollowUpPrompts: [\"x\"]",
  "followUpPrompts": ["What next?", "Where to level up?"],
  "stateUpdateTags": ["PROGRESS: 145", "OBJECTIVE: Reach Stormveil Castle"],
  "gamePillData": {"shouldCreate": true, "gameName": "Elden Ring", "genre": "Action RPG", "wikiContent": "{\"tips\":\"Level vigor first\"}"}
}` + "\n```"

	provider := &StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			return ports.Completion{Text: raw}, nil
		},
	}
	o := newTestOrchestrator(provider)

	req := testRequest("How do I beat the tree sentinel?")
	req.Structured = true
	resp, err := o.GetResponse(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hint: Use fire against the tree sentinel.", resp.Content)
	assert.Equal(t, []string{"What next?", "Where to level up?"}, resp.Suggestions)
	assert.Equal(t, resp.Suggestions, resp.FollowUpPrompts)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 100, *resp.Progress)
	assert.Equal(t, "Reach Stormveil Castle", resp.Objective)
	require.NotNil(t, resp.GamePillData)
	assert.Equal(t, map[string]string{"tips": "Level vigor first"}, resp.GamePillData.WikiContent)
	assert.True(t, resp.Metadata.Structured)
	assert.NotEmpty(t, provider.Options(0).ResponseFormat)
}

func TestGetResponse_StructuredRepairAndFallback(t *testing.T) {
	t.Run("truncated json repaired", func(t *testing.T) {
		provider := &StubProvider{
			completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				return ports.Completion{Text: `{"content":"Partial answer","followUpPrompts":["One?","Tw`}, nil
			},
		}
		o := newTestOrchestrator(provider)
		req := testRequest("Explain the rune system")
		req.Structured = true

		resp, err := o.GetResponse(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "Partial answer", resp.Content)
		assert.True(t, resp.Metadata.Structured)
		assert.Equal(t, 1, provider.Calls())
	})

	t.Run("unrepairable falls back to tag mode", func(t *testing.T) {
		provider := &StubProvider{
			completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
				if len(opts.ResponseFormat) > 0 {
					return ports.Completion{Text: "I would rather answer in prose."}, nil
				}
				return ports.Completion{Text: "Plain answer. [OTAKON_PROGRESS: 30]"}, nil
			},
		}
		o := newTestOrchestrator(provider)
		req := testRequest("Explain the rune system")
		req.Structured = true

		resp, err := o.GetResponse(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 2, provider.Calls())
		assert.Empty(t, provider.Options(1).ResponseFormat)
		assert.Contains(t, resp.Content, "Plain answer.")
		assert.NotContains(t, resp.Content, "OTAKON")
		require.NotNil(t, resp.Progress)
		assert.Equal(t, 30, *resp.Progress)
		assert.False(t, resp.Metadata.Structured)
	})

	t.Run("images skip structured mode", func(t *testing.T) {
		provider := &StubProvider{}
		o := newTestOrchestrator(provider)
		req := testRequest("What is this?")
		req.Structured = true
		req.HasImages = true
		req.ImageData = "data:image/png;base64,AAAA"

		_, err := o.GetResponse(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, provider.Options(0).ResponseFormat)
		assert.Equal(t, ports.RequestImage, provider.Options(0).RequestType)
	})
}

func TestGenerate(t *testing.T) {
	provider := &StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			assert.Empty(t, in.System)
			assert.Equal(t, "Summarize this", in.Prompt)
			return ports.Completion{Text: "A summary"}, nil
		},
	}
	o := newTestOrchestrator(provider)

	out, err := o.Generate(context.Background(), "  Summarize this ")
	require.NoError(t, err)
	assert.Equal(t, "A summary", out)

	blocked := newTestOrchestrator(&StubProvider{
		completionFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
			return ports.Completion{Blocked: true}, nil
		},
	})
	_, err = blocked.Generate(context.Background(), "Summarize this")
	assert.ErrorIs(t, err, ErrContentPolicy)
}

func TestBestEffort_SurvivesPanicsAndCancellation(t *testing.T) {
	be := NewBestEffort(time.Second, 2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	be.Go(ctx, "panics", func(context.Context) error { panic("boom") })
	be.Go(ctx, "fails", func(context.Context) error { return errors.New("write failed") })
	be.Go(ctx, "detached", func(ctx context.Context) error {
		if ctx.Err() == nil {
			ran.Store(true)
		}
		return nil
	})

	assert.NotPanics(t, be.Wait)
	assert.True(t, ran.Load())
}

func TestBestEffort_BoundedAndReusable(t *testing.T) {
	be := NewBestEffort(time.Second, 2, zerolog.Nop())
	assert.Equal(t, 2, be.Workers())

	var running, peak atomic.Int32
	task := func(context.Context) error {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	for round := 0; round < 2; round++ {
		for i := 0; i < 6; i++ {
			be.Go(context.Background(), "write", task)
		}
		be.Wait()
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}
