package harness

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/rs/zerolog"
)

type gamePattern struct {
	re      *regexp.Regexp
	game    string
	capture int // used when game is empty
}

// gamePatterns are tried in order. Sequels come before the base title so
// "dark souls 3" is not read as "Dark Souls".
var gamePatterns = []gamePattern{
	{re: regexp.MustCompile(`(?i)\b(elden ring)\b`), game: "Elden Ring"},
	{re: regexp.MustCompile(`(?i)\b(dark souls 3|ds3|darksouls 3)\b`), game: "Dark Souls III"},
	{re: regexp.MustCompile(`(?i)\b(dark souls 2|ds2|darksouls 2)\b`), game: "Dark Souls II"},
	{re: regexp.MustCompile(`(?i)\b(dark souls|ds1|darksouls)\b`), game: "Dark Souls"},
	{re: regexp.MustCompile(`(?i)\b(bloodborne)\b`), game: "Bloodborne"},
	{re: regexp.MustCompile(`(?i)\b(sekiro)\b`), game: "Sekiro: Shadows Die Twice"},

	{re: regexp.MustCompile(`(?i)\b(god of war ragnarok|gow ragnarok)\b`), game: "God of War Ragnarök"},
	{re: regexp.MustCompile(`(?i)\b(god of war|gow)\b`), game: "God of War"},
	{re: regexp.MustCompile(`(?i)\b(horizon forbidden west|hfw)\b`), game: "Horizon Forbidden West"},
	{re: regexp.MustCompile(`(?i)\b(zelda totk|tears of the kingdom)\b`), game: "The Legend of Zelda: Tears of the Kingdom"},
	{re: regexp.MustCompile(`(?i)\b(zelda botw|breath of the wild)\b`), game: "The Legend of Zelda: Breath of the Wild"},
	{re: regexp.MustCompile(`(?i)\b(baldur's gate 3|bg3)\b`), game: "Baldur's Gate 3"},
	{re: regexp.MustCompile(`(?i)\b(witcher 3)\b`), game: "The Witcher 3: Wild Hunt"},
	{re: regexp.MustCompile(`(?i)\b(cyberpunk 2077|cyberpunk)\b`), game: "Cyberpunk 2077"},
	{re: regexp.MustCompile(`(?i)\b(minecraft)\b`), game: "Minecraft"},
	{re: regexp.MustCompile(`(?i)\b(terraria)\b`), game: "Terraria"},
	{re: regexp.MustCompile(`(?i)\b(stardew valley)\b`), game: "Stardew Valley"},
	{re: regexp.MustCompile(`(?i)\b(hollow knight)\b`), game: "Hollow Knight"},
	{re: regexp.MustCompile(`(?i)\b(hades)\b`), game: "Hades"},
	{re: regexp.MustCompile(`(?i)\b(celeste)\b`), game: "Celeste"},

	// capitalised phrases, lowest priority
	{re: regexp.MustCompile(`\bplaying\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,4})\b`), capture: 1},
	{re: regexp.MustCompile(`\bin\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,4})\b`), capture: 1},
	{re: regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,4})\s+boss\b`), capture: 1},
}

// DetectGame returns the game a message talks about, if any.
func DetectGame(message string) (string, bool) {
	text := strings.TrimSpace(message)
	for _, p := range gamePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if p.game != "" {
			return p.game, true
		}
		if p.capture < len(m) && m[p.capture] != "" {
			return m[p.capture], true
		}
	}
	return "", false
}

// KnowledgeInjector builds the verified knowledge block for a prompt.
type KnowledgeInjector struct {
	source    ports.KnowledgeSource
	assembler *ContextAssembler
	counter   *TokenCounter
	limit     int
	logger    zerolog.Logger
}

func NewKnowledgeInjector(source ports.KnowledgeSource, assembler *ContextAssembler, counter *TokenCounter, limit int, logger zerolog.Logger) *KnowledgeInjector {
	if limit <= 0 {
		limit = 5
	}
	return &KnowledgeInjector{
		source:    source,
		assembler: assembler,
		counter:   counter,
		limit:     limit,
		logger:    logger.With().Str("component", "knowledge").Logger(),
	}
}

// TargetGame picks the game whose knowledge should be offered: a title
// named in the message wins over the conversation's own game.
func TargetGame(conv *ports.Conversation, message string) string {
	if game, ok := DetectGame(message); ok {
		return game
	}
	if conv != nil {
		return conv.GameTitle
	}
	return ""
}

// Context returns the knowledge block, or "" when nothing applies. Lookup
// failures are logged and produce no block.
func (k *KnowledgeInjector) Context(ctx context.Context, conv *ports.Conversation, message string) string {
	if k == nil || k.source == nil {
		return ""
	}
	game := TargetGame(conv, message)
	if game == "" {
		return ""
	}
	if conv != nil && conv.GameTitle != "" && !strings.EqualFold(game, conv.GameTitle) {
		k.logger.Debug().Str("detected", game).Str("tab", conv.GameTitle).Msg("message mentions a different game")
	}

	found, err := k.source.Lookup(ctx, game, message, k.limit)
	if err != nil {
		k.logger.Warn().Err(err).Str("game", game).Msg("knowledge lookup failed")
		return ""
	}
	snippets := make([]Snippet, 0, len(found))
	for _, f := range found {
		text := f.Content
		if f.Topic != "" {
			text = f.Topic + ": " + f.Content
		}
		snippets = append(snippets, Snippet{Text: text, Score: f.Score, Source: f.GameTitle})
	}
	packed := k.assembler.Pack(snippets, nil)
	if len(packed) == 0 {
		return ""
	}
	body := strings.Join(packed, "\n\n")
	return renderKnowledge(game, body, k.counter.Count(body))
}

const knowledgeRule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func renderKnowledge(game, body string, tokens int) string {
	upper := strings.ToUpper(game)
	var b strings.Builder
	b.WriteString("\n\n" + knowledgeRule + "\n")
	fmt.Fprintf(&b, "🎮 GAME KNOWLEDGE DATABASE: %q\n", upper)
	b.WriteString(knowledgeRule + "\n\n")
	b.WriteString("⚠️ VERIFY FIRST - BEFORE READING FURTHER:\n\n")
	fmt.Fprintf(&b, "Is this query about %q?\n", game)
	b.WriteString("  ✅ YES → Continue reading, use this knowledge\n")
	b.WriteString("  ❌ NO → STOP, ignore everything below, use training data instead\n\n")
	b.WriteString("Quick verification checklist:\n")
	fmt.Fprintf(&b, "• Does query mention %q by name?\n", game)
	fmt.Fprintf(&b, "• Do boss/item/location names match %q?\n", game)
	fmt.Fprintf(&b, "• Does screenshot show %q UI/visuals?\n\n", game)
	b.WriteString("If verification FAILS:\n")
	b.WriteString("→ Do NOT read or use the knowledge below\n")
	b.WriteString("→ Use your training data for the actual game\n")
	b.WriteString("→ Return [OTAKON_GAME_ID: ActualGameName]\n\n")
	b.WriteString(knowledgeRule + "\n\n")
	fmt.Fprintf(&b, "📚 COMPREHENSIVE KNOWLEDGE FOR %q (%d tokens):\n\n", game, tokens)
	b.WriteString(body + "\n\n")
	b.WriteString(knowledgeRule + "\n")
	fmt.Fprintf(&b, "END OF %s KNOWLEDGE DATABASE\n", upper)
	b.WriteString(knowledgeRule + "\n\n")
	return b.String()
}
