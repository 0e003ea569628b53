// Package summarizer keeps conversation history within a word budget by
// folding older messages into a single system summary message.
package summarizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// Config is the summarizer's tuning, loaded from the summarizer.* keys.
type Config = config.SummarizerConfig

// Generator produces a summary text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Summary is the outcome of summarizing a run of messages.
type Summary struct {
	Text              string
	WordCount         int
	MessagesIncluded  int
	OriginalWordCount int
	Fallback          bool
}

// Summarizer implements context summarization for conversations.
type Summarizer struct {
	cfg    Config
	gen    Generator
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a summarizer. Zero config fields take the built-in defaults.
// A nil generator always produces the deterministic fallback summary.
func New(cfg Config, gen Generator, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		cfg:    withDefaults(cfg),
		gen:    gen,
		logger: logger.With().Str("component", "summarizer").Logger(),
		now:    time.Now,
	}
}

func withDefaults(cfg Config) Config {
	d := config.DefaultSummarizerConfig()
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = d.MaxWords
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = d.RecentWindow
	}
	if cfg.TriggerMultiplier <= 0 {
		cfg.TriggerMultiplier = d.TriggerMultiplier
	}
	if cfg.WarnRatio <= 0 {
		cfg.WarnRatio = d.WarnRatio
	}
	if cfg.ContextSummaryMaxWords <= 0 {
		cfg.ContextSummaryMaxWords = d.ContextSummaryMaxWords
	}
	if cfg.FallbackMessages <= 0 {
		cfg.FallbackMessages = d.FallbackMessages
	}
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = d.FallbackChars
	}
	return cfg
}

// Config returns the effective configuration.
func (s *Summarizer) Config() Config { return s.cfg }

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// TotalWords sums the word count of every message.
func TotalWords(msgs []ports.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += CountWords(m.Content)
	}
	return total
}

func (s *Summarizer) threshold() int {
	return s.cfg.MaxWords * s.cfg.TriggerMultiplier
}

// ShouldSummarize reports whether conv has more live messages than the
// recent window and more words than the trigger threshold. Summary messages
// do not count against the window, so an already summarized conversation is
// left alone.
func (s *Summarizer) ShouldSummarize(conv *ports.Conversation) bool {
	if conv == nil {
		return false
	}
	live := 0
	for _, m := range conv.Messages {
		if !m.IsSummary() {
			live++
		}
	}
	if live <= s.cfg.RecentWindow {
		return false
	}
	return TotalWords(conv.Messages) > s.threshold()
}

// WillTriggerSummarization reports whether conv is close to the trigger
// threshold, so callers can warn before context gets folded.
func (s *Summarizer) WillTriggerSummarization(conv *ports.Conversation) bool {
	if conv == nil {
		return false
	}
	return float64(TotalWords(conv.Messages)) > float64(s.threshold())*s.cfg.WarnRatio
}

func (s *Summarizer) split(msgs []ports.ChatMessage) (toSummarize, toKeep []ports.ChatMessage) {
	if len(msgs) <= s.cfg.RecentWindow {
		return nil, msgs
	}
	cut := len(msgs) - s.cfg.RecentWindow
	return msgs[:cut], msgs[cut:]
}

// SummarizeMessages asks the generator for a summary of msgs. It never fails:
// a generator error or empty answer yields a truncated concatenation of the
// first messages instead.
func (s *Summarizer) SummarizeMessages(ctx context.Context, msgs []ports.ChatMessage, gameTitle, genre string) Summary {
	original := TotalWords(msgs)
	s.logger.Debug().Int("messages", len(msgs)).Int("words", original).Msg("summarizing messages")

	if s.gen != nil {
		text, err := s.gen.Generate(ctx, s.prompt(msgs, gameTitle, genre))
		text = strings.TrimSpace(text)
		if err == nil && text != "" {
			sum := Summary{
				Text:              text,
				WordCount:         CountWords(text),
				MessagesIncluded:  len(msgs),
				OriginalWordCount: original,
			}
			s.logger.Info().
				Int("summary_words", sum.WordCount).
				Int("original_words", original).
				Msg("summary generated")
			return sum
		}
		if err == nil {
			err = fmt.Errorf("empty summary")
		}
		s.logger.Warn().Err(err).Msg("summary generation failed, using fallback")
	}

	return s.fallback(msgs, original)
}

func (s *Summarizer) fallback(msgs []ports.ChatMessage, original int) Summary {
	n := min(len(msgs), s.cfg.FallbackMessages)
	parts := make([]string, 0, n)
	for _, m := range msgs[:n] {
		parts = append(parts, truncateRunes(m.Content, s.cfg.FallbackChars))
	}
	text := truncateRunes(strings.Join(parts, " ... "), s.cfg.MaxWords*6)
	return Summary{
		Text:              "[Previous conversation context] " + text,
		WordCount:         CountWords(text),
		MessagesIncluded:  len(msgs),
		OriginalWordCount: original,
		Fallback:          true,
	}
}

func (s *Summarizer) prompt(msgs []ports.ChatMessage, gameTitle, genre string) string {
	contextInfo := "This is a general conversation."
	if gameTitle != "" && genre != "" {
		contextInfo = fmt.Sprintf("This is a conversation about %q (%s).", gameTitle, genre)
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		speaker := "Assistant"
		if m.Role == ports.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Content)
	}

	var b strings.Builder
	b.WriteString(contextInfo)
	b.WriteString("\n\nPlease provide a concise summary of the following conversation history. Focus on:\n")
	b.WriteString("- Key topics discussed\n")
	b.WriteString("- Important decisions or choices made\n")
	b.WriteString("- Game progress or story developments (if applicable)\n")
	b.WriteString("- User preferences or interests mentioned\n\n")
	fmt.Fprintf(&b, "Keep the summary under %d words while preserving essential context.\n\n", s.cfg.MaxWords)
	b.WriteString("Conversation to summarize:\n")
	b.WriteString(strings.Join(lines, "\n\n"))
	b.WriteString("\n\nProvide ONLY the summary, no additional commentary.")
	return b.String()
}

// Apply returns a summarized copy of conv and true, or conv itself and false
// when no summarization is due. conv is never modified.
func (s *Summarizer) Apply(ctx context.Context, conv *ports.Conversation) (*ports.Conversation, bool, error) {
	if !s.ShouldSummarize(conv) {
		return conv, false, nil
	}
	if err := ctx.Err(); err != nil {
		return conv, false, err
	}

	toSummarize, toKeep := s.split(conv.Messages)
	if len(toSummarize) == 0 {
		return conv, false, nil
	}

	sum := s.SummarizeMessages(ctx, toSummarize, conv.GameTitle, conv.Genre)

	summaryMsg := ports.ChatMessage{
		ID:        uuid.NewString(),
		Role:      ports.RoleSystem,
		Content:   sum.Text,
		Timestamp: toSummarize[len(toSummarize)-1].Timestamp,
		Metadata: &ports.MessageMetadata{
			IsSummary:         true,
			MessagesIncluded:  sum.MessagesIncluded,
			OriginalWordCount: sum.OriginalWordCount,
			SummaryWordCount:  sum.WordCount,
		},
	}

	out := conv.Clone()
	out.Messages = make([]ports.ChatMessage, 0, len(toKeep)+1)
	out.Messages = append(out.Messages, summaryMsg)
	out.Messages = append(out.Messages, toKeep...)
	out.ContextSummary = s.contextSummary(sum.Text)
	now := s.now()
	out.LastSummarizedAt = now
	out.UpdatedAt = now

	s.logger.Info().
		Str("conversation_id", conv.ID).
		Int("messages_before", len(conv.Messages)).
		Int("messages_after", len(out.Messages)).
		Msg("context optimized")

	return out, true, nil
}

// OptimizedContext returns the message list to send to the model.
func (s *Summarizer) OptimizedContext(ctx context.Context, conv *ports.Conversation) ([]ports.ChatMessage, error) {
	out, _, err := s.Apply(ctx, conv)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

var inlineImage = regexp.MustCompile(`!\[.*?\]\(data:image/.*?\)`)

// contextSummary strips inline data-URL images and caps the word count.
func (s *Summarizer) contextSummary(text string) string {
	textOnly := inlineImage.ReplaceAllString(text, "")
	words := strings.Fields(textOnly)
	if len(words) > s.cfg.ContextSummaryMaxWords {
		return strings.Join(words[:s.cfg.ContextSummaryMaxWords], " ") + "..."
	}
	return textOnly
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
