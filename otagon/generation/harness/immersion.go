package harness

import (
	"fmt"
	"strings"
)

// GameTone describes how the assistant should sound for a genre.
type GameTone struct {
	Adjectives    []string
	Personality   string
	SpeechPattern string
	LoreStyle     string
}

var defaultTone = GameTone{
	Adjectives:    []string{"helpful", "knowledgeable", "friendly", "supportive", "engaging"},
	Personality:   "helpful gaming companion",
	SpeechPattern: "speaks clearly and helpfully",
	LoreStyle:     "focused on gameplay and helpful information",
}

var genreTones = map[string]GameTone{
	"Action RPG": {
		Adjectives:    []string{"epic", "heroic", "legendary", "mystical", "ancient"},
		Personality:   "wise and experienced adventurer",
		SpeechPattern: "speaks with the wisdom of ages and the thrill of adventure",
		LoreStyle:     "rich with mythology and ancient secrets",
	},
	"FPS": {
		Adjectives:    []string{"intense", "tactical", "precise", "combat-ready", "strategic"},
		Personality:   "battle-hardened soldier",
		SpeechPattern: "communicates with military precision and combat experience",
		LoreStyle:     "focused on warfare, technology, and military history",
	},
	"Horror": {
		Adjectives:    []string{"ominous", "chilling", "mysterious", "haunting", "eerie"},
		Personality:   "knowledgeable survivor",
		SpeechPattern: "speaks with caution and awareness of lurking dangers",
		LoreStyle:     "dark and atmospheric, filled with supernatural elements",
	},
	"Puzzle": {
		Adjectives:    []string{"logical", "methodical", "analytical", "clever", "systematic"},
		Personality:   "brilliant problem-solver",
		SpeechPattern: "explains with clear logic and step-by-step reasoning",
		LoreStyle:     "intellectual and mysterious, focused on patterns and solutions",
	},
	"RPG": {
		Adjectives:    []string{"immersive", "narrative-driven", "character-focused", "epic", "emotional"},
		Personality:   "storyteller and guide",
		SpeechPattern: "speaks like a narrator, weaving tales and character development",
		LoreStyle:     "deep character development and rich storytelling",
	},
	"Strategy": {
		Adjectives:    []string{"tactical", "strategic", "calculated", "methodical", "commanding"},
		Personality:   "master tactician",
		SpeechPattern: "speaks with authority and strategic insight",
		LoreStyle:     "focused on warfare, politics, and grand strategy",
	},
	"Adventure": {
		Adjectives:    []string{"exploratory", "curious", "adventurous", "discoverer", "wanderer"},
		Personality:   "intrepid explorer",
		SpeechPattern: "speaks with wonder and excitement about discovery",
		LoreStyle:     "filled with exploration, discovery, and world-building",
	},
}

// ToneFor returns the tone for genre, or the neutral tone when unknown.
func ToneFor(genre string) GameTone {
	if tone, ok := genreTones[genre]; ok {
		return tone
	}
	return defaultTone
}

// Immersion is the game state used to flavour a companion prompt.
type Immersion struct {
	GameTitle       string
	Genre           string
	CurrentLocation string
	RecentEvents    []string
	Progress        int
}

// Render produces the immersion block appended to the system prompt.
func (im Immersion) Render() string {
	tone := ToneFor(im.Genre)

	var b strings.Builder
	fmt.Fprintf(&b, "**Immersion Context for %s:**\n", im.GameTitle)
	fmt.Fprintf(&b, "You are speaking as a %s who %s.\n", tone.Personality, tone.SpeechPattern)
	fmt.Fprintf(&b, "The game's lore is %s.\n", tone.LoreStyle)
	if im.CurrentLocation != "" {
		fmt.Fprintf(&b, "The player is currently in: %s\n", im.CurrentLocation)
	}
	if len(im.RecentEvents) > 0 {
		fmt.Fprintf(&b, "Recent events: %s\n", strings.Join(im.RecentEvents, ", "))
	}
	fmt.Fprintf(&b, "Player progress: %d%%\n", im.Progress)

	b.WriteString("\n**Response Guidelines:**\n")
	fmt.Fprintf(&b, "- Use %s language\n", strings.Join(tone.Adjectives, ", "))
	fmt.Fprintf(&b, "- Maintain the %s personality\n", tone.Personality)
	fmt.Fprintf(&b, "- Focus on %s elements\n", tone.LoreStyle)
	b.WriteString("- Keep responses immersive and in-character\n")
	return b.String()
}
