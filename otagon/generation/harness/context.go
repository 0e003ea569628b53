package harness

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// TokenCounter counts tokens with a tiktoken encoding, falling back to a
// four-characters-per-token estimate when the encoding is unavailable.
// The encoding is loaded on first use.
type TokenCounter struct {
	encoding string
	logger   zerolog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter for encoding. An empty encoding always
// uses the estimate.
func NewTokenCounter(encoding string, logger zerolog.Logger) *TokenCounter {
	return &TokenCounter{encoding: encoding, logger: logger}
}

func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.encoding == "" {
		return EstimateTokens(text)
	}
	c.once.Do(c.load)
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TokenCounter) load() {
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.logger.Warn().Err(err).Str("encoding", c.encoding).Msg("tokenizer unavailable, using estimate")
		return
	}
	c.enc = enc
}

// EstimateTokens is the rough ~4 chars per token heuristic.
func EstimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Snippet is a retrievable chunk with a score and token estimate.
type Snippet struct {
	Text       string
	Score      float64 // higher is better
	TokenCount int
	Source     string
}

// Budget specifies maximum tokens allocated to context packing.
type Budget struct {
	MaxContextTokens int
	MaxSnippets      int
}

// ContextAssembler selects and packs context snippets within a token budget.
type ContextAssembler struct {
	defaultBudget Budget
	counter       *TokenCounter
}

func NewContextAssembler(b Budget, counter *TokenCounter) *ContextAssembler {
	return &ContextAssembler{defaultBudget: b, counter: counter}
}

// Pack sorts snippets by score desc and packs up to budget. Snippets that do
// not fit are skipped so a smaller, lower scored one can still be used.
func (a *ContextAssembler) Pack(snippets []Snippet, b *Budget) []string {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(snippets) == 0 || b.MaxContextTokens <= 0 || b.MaxSnippets <= 0 {
		return nil
	}

	sorted := make([]Snippet, len(snippets))
	copy(sorted, snippets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := b.MaxContextTokens
	packed := make([]string, 0, min(len(sorted), b.MaxSnippets))

	for _, sn := range sorted {
		if len(packed) >= b.MaxSnippets || remaining <= 0 {
			break
		}
		text := normalize(sn.Text)
		if sn.TokenCount <= 0 {
			sn.TokenCount = a.counter.Count(text)
		}
		if sn.TokenCount > remaining {
			continue
		}
		packed = append(packed, text)
		remaining -= sn.TokenCount
	}

	return packed
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
