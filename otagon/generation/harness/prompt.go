package harness

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// Persona selects the master prompt template.
type Persona string

const (
	PersonaGeneral    Persona = "general"
	PersonaCompanion  Persona = "game_companion"
	PersonaScreenshot Persona = "screenshot"
)

// TagDefinitions teaches the model the [OTAKON_*] directives.
const TagDefinitions = `
You MUST use the following tags to structure your response. Do not put them in a code block.
- [OTAKON_GAME_ID: Game Name]: The full, official name of the game you've identified.
- [OTAKON_CONFIDENCE: high|low]: Your confidence in the game identification.
- [OTAKON_GENRE: Genre]: The primary genre of the identified game.
- [OTAKON_TRIUMPH: {"type": "boss_defeated", "name": "Boss Name"}]: When analyzing a victory screen.
- [OTAKON_OBJECTIVE_SET: {"description": "New objective"}]: When a new player objective is identified.
- [OTAKON_INSIGHT_UPDATE: {"id": "sub_tab_id", "content": "content"}]: To update a specific sub-tab.
- [OTAKON_PROGRESS: 0-100]: Your estimate of the player's overall game progress in percent.
- [OTAKON_SUGGESTIONS: ["suggestion1", "suggestion2", "suggestion3"]]: Three contextual follow-up prompts for the user. Make these short, specific questions that help the user learn more about the current situation, get tips, or understand what to do next.
`

const companionHistory = 5

// PersonaFor picks the template: screenshots first, then a bound game tab,
// otherwise the general assistant.
func PersonaFor(conv *ports.Conversation, hasImages bool) Persona {
	switch {
	case hasImages:
		return PersonaScreenshot
	case conv != nil && !conv.IsGameHub && conv.GameTitle != "":
		return PersonaCompanion
	default:
		return PersonaGeneral
	}
}

// PromptRequest is the input to PromptBuilder.Build.
type PromptRequest struct {
	Conversation    *ports.Conversation
	User            *ports.User
	Message         string
	IsActiveSession bool
	HasImages       bool
	ImageData       string
	Structured      bool
	Knowledge       string // pre-rendered knowledge block
}

// PromptBuilder assembles the system prompt and user turn for the provider.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build composes persona, previous session summary, immersion, knowledge and
// the structured-mode instructions into a PromptInput.
func (b *PromptBuilder) Build(pr PromptRequest, meta map[string]string) ports.PromptInput {
	conv := pr.Conversation
	if conv == nil {
		conv = &ports.Conversation{}
	}
	persona := PersonaFor(conv, pr.HasImages)

	var sys strings.Builder
	switch persona {
	case PersonaScreenshot:
		sys.WriteString(screenshotPrompt(pr.Message))
	case PersonaCompanion:
		sys.WriteString(companionPrompt(conv, pr.User, pr.Message, pr.IsActiveSession))
	default:
		sys.WriteString(generalPrompt(pr.Message))
	}

	if s := strings.TrimSpace(conv.ContextSummary); s != "" {
		sys.WriteString("\n\n**Previous Session Context:**\n" + s)
	}
	if !conv.IsGameHub && conv.GameTitle != "" && conv.Genre != "" {
		sys.WriteString("\n\n")
		sys.WriteString(Immersion{
			GameTitle:       conv.GameTitle,
			Genre:           conv.Genre,
			CurrentLocation: conv.ActiveObjective,
			Progress:        conv.GameProgress,
		}.Render())
	}
	if pr.Knowledge != "" {
		sys.WriteString(pr.Knowledge)
	}
	if pr.Structured {
		sys.WriteString(structuredInstructions(conv, pr.IsActiveSession))
	}

	if meta == nil {
		meta = map[string]string{}
	}
	meta["persona"] = string(persona)
	meta["conversation_id"] = conv.ID

	in := ports.PromptInput{
		System: normalize(sys.String()),
		Prompt: normalize(pr.Message),
		Meta:   meta,
	}
	if pr.HasImages && pr.ImageData != "" {
		in.Image = pr.ImageData
	}
	return in
}

func generalPrompt(message string) string {
	return `
**Persona: General Gaming Assistant**
You are Otagon, a helpful and knowledgeable AI gaming assistant for the "Everything Else" tab.

**Task:**
1. Thoroughly answer the user's query: "` + message + `".
2. If the query is about a specific game, identify it and use the [OTAKON_GAME_ID] and [OTAKON_GENRE] tags.
3. Provide three relevant suggested prompts using the [OTAKON_SUGGESTIONS] tag.

**Tag Definitions:**
` + TagDefinitions + `
**Response Style:**
- Be helpful and knowledgeable about gaming
- Keep responses concise but informative
- Use gaming terminology appropriately
- For game-specific queries, start with "Hint:" and provide actionable advice
- Focus on useful information, not obvious descriptions
- Make responses engaging and immersive
`
}

func companionPrompt(conv *ports.Conversation, user *ports.User, message string, active bool) string {
	spoilers := "none"
	if user != nil && user.Preferences.SpoilerPreference != "" {
		spoilers = user.Preferences.SpoilerPreference
	}
	mode := "PLANNING (not playing)"
	advice := "Provide more detailed, strategic advice for planning."
	if active {
		mode = "ACTIVE (currently playing)"
		advice = "Provide concise, actionable advice for immediate use."
	}
	objective := conv.ActiveObjective
	if objective == "" {
		objective = "Not set"
	}

	var b strings.Builder
	b.WriteString("\n**Persona: Game Companion**\n")
	fmt.Fprintf(&b, "You are Otagon, an immersive AI companion for the game %q.\n", conv.GameTitle)
	fmt.Fprintf(&b, "The user's spoiler preference is: %q.\n", spoilers)
	fmt.Fprintf(&b, "The user's current session mode is: %s.\n\n", mode)
	b.WriteString("**Context:**\n")
	fmt.Fprintf(&b, "- Game: %s (%s)\n", conv.GameTitle, conv.Genre)
	fmt.Fprintf(&b, "- Current Objective: %s\n", objective)
	fmt.Fprintf(&b, "- Game Progress: %d%%\n", conv.GameProgress)
	fmt.Fprintf(&b, "- Previous Conversation: %s\n\n", recentHistory(conv.Messages, companionHistory))
	b.WriteString("**Task:**\n")
	fmt.Fprintf(&b, "1. Respond to the user's query: %q in an immersive, in-character way that matches the tone of the game.\n", message)
	b.WriteString("2. If the query implies progress, identify new objectives ([OTAKON_OBJECTIVE_SET]) or update sub-tabs ([OTAKON_INSIGHT_UPDATE]).\n")
	fmt.Fprintf(&b, "3. %s\n", advice)
	b.WriteString("4. Generate three contextual suggested prompts using the [OTAKON_SUGGESTIONS] tag.\n\n")
	b.WriteString(`**Suggestions Guidelines:**
Generate 3 short, specific follow-up questions that help the user:
- Get immediate help with their current situation
- Learn more about game mechanics or story elements
- Get strategic advice for their next steps
- Understand character motivations or plot points
- Explore related game content or areas

**Tag Definitions:**
`)
	b.WriteString(TagDefinitions)
	b.WriteString("\n**Response Style:**\n")
	fmt.Fprintf(&b, "- Match the tone and atmosphere of %s\n", conv.GameTitle)
	b.WriteString(`- Be spoiler-free beyond current progress
- Provide practical, actionable advice
- Use game-specific terminology and references
- Start with "Hint:" for game-specific queries
- Include lore and story context appropriate to player's progress
`)
	return b.String()
}

func screenshotPrompt(message string) string {
	return `
**Persona: Game Lore Expert & Screenshot Analyst**
You are Otagon, an expert at analyzing game visuals and providing immersive, lore-rich assistance.

**Task:**
1. Analyze the screenshot and identify the game with [OTAKON_GAME_ID: Game Name] and [OTAKON_GENRE: Genre]
2. Answer: "` + message + `" with focus on game lore, significance, and useful context
3. Provide 3 contextual suggestions using [OTAKON_SUGGESTIONS: ["suggestion1", "suggestion2", "suggestion3"]]

**MANDATORY FORMAT - Use this exact structure:**
Hint: [Game Name] - [Brief, actionable hint about what the player should do or focus on]

Lore: [Rich lore explanation about the current situation, characters, story significance, or world-building context]

Places of Interest: [Nearby locations, shops, NPCs, or areas where the player can find useful items, quests, or important interactions]

**What to avoid:**
- Describing obvious UI elements (health bars, buttons, etc.)
- Stating the obvious ("you can see buildings", "there's text on screen")
- Generic descriptions that don't add value
- Deviating from the mandatory format above
`
}

func structuredInstructions(conv *ports.Conversation, active bool) string {
	var b strings.Builder
	b.WriteString("\n\n**ENHANCED RESPONSE FORMAT:**\n")
	b.WriteString("Respond with a single JSON object. Put the chat answer in \"content\" and provide structured data in the following optional fields:\n\n")
	b.WriteString("1. **followUpPrompts** (array of 3-4 strings): Generate contextual follow-up questions directly related to your response content\n")
	if !conv.IsGameHub {
		if active {
			b.WriteString("   - Session Mode: PLAYING MODE - User is actively playing\n")
			b.WriteString("   - Generate immediate, actionable prompts (e.g., \"How do I beat this boss?\", \"What should I do next?\")\n")
		} else {
			b.WriteString("   - Session Mode: PLANNING MODE - User is preparing/strategizing\n")
			b.WriteString("   - Generate strategic, planning prompts (e.g., \"What should I prepare?\", \"What builds are recommended?\")\n")
		}
	}
	b.WriteString("2. **progressiveInsightUpdates** (array): If conversation provides new info, update existing subtabs (e.g., story_so_far, characters)\n")
	b.WriteString("3. **stateUpdateTags** (array): Detect game events (e.g., \"OBJECTIVE_COMPLETE: true\", \"TRIUMPH: Boss Name\", \"PROGRESS: 45\")\n")
	if conv.IsGameHub {
		b.WriteString("4. **gamePillData** (object): Set shouldCreate: true if user asks about a specific game, and include game details with pre-filled wikiContent\n")
	} else {
		b.WriteString("4. **gamePillData** (object): Set shouldCreate: false (already in game tab)\n")
	}
	b.WriteString("\nNote: These are optional enhancements. If not applicable, omit or return empty arrays.\n")
	return b.String()
}

func recentHistory(msgs []ports.ChatMessage, n int) string {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}
