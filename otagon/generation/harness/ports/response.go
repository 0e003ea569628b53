package harnessports

import (
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
)

// InsightUpdate replaces the content of one insight sub-tab.
type InsightUpdate struct {
	TabID   string `json:"tabId"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// GamePillData asks the client to create a dedicated tab for a detected game.
type GamePillData struct {
	ShouldCreate bool              `json:"shouldCreate"`
	GameName     string            `json:"gameName,omitempty"`
	Genre        string            `json:"genre,omitempty"`
	WikiContent  map[string]string `json:"wikiContent,omitempty"`
}

// CacheSource names the tier that served a cached response.
type CacheSource string

const (
	CacheSourceNone       CacheSource = ""
	CacheSourceMemory     CacheSource = "memory"
	CacheSourcePersistent CacheSource = "persistent"
)

type ResponseMetadata struct {
	Model      string      `json:"model"`
	Timestamp  time.Time   `json:"timestamp"`
	Tokens     int         `json:"tokens"`
	Cost       float64     `json:"cost"`
	FromCache  bool        `json:"fromCache,omitempty"`
	CacheType  CacheSource `json:"cacheType,omitempty"`
	Structured bool        `json:"structured,omitempty"`
	Degraded   bool        `json:"degraded,omitempty"`
}

// AIResponse is the post-processed answer returned to the caller. It is
// stored as JSON in both cache tiers.
type AIResponse struct {
	Content                   string           `json:"content"`
	RawContent                string           `json:"rawContent"`
	OtakonTags                tags.Map         `json:"otakonTags"`
	Suggestions               []string         `json:"suggestions"`
	FollowUpPrompts           []string         `json:"followUpPrompts,omitempty"`
	ProgressiveInsightUpdates []InsightUpdate  `json:"progressiveInsightUpdates,omitempty"`
	StateUpdateTags           []string         `json:"stateUpdateTags,omitempty"`
	GamePillData              *GamePillData    `json:"gamePillData,omitempty"`
	Progress                  *int             `json:"progress,omitempty"`
	Objective                 string           `json:"objective,omitempty"`
	Metadata                  ResponseMetadata `json:"metadata"`
}
