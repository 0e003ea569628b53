package harnessports

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageMetadata is attached to synthetic messages such as summaries.
type MessageMetadata struct {
	IsSummary         bool `json:"isSummary,omitempty"`
	MessagesIncluded  int  `json:"messagesIncluded,omitempty"`
	OriginalWordCount int  `json:"originalWordCount,omitempty"`
	SummaryWordCount  int  `json:"summaryWordCount,omitempty"`
}

// ChatMessage is immutable once appended to a conversation.
type ChatMessage struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ImageURL  string           `json:"imageUrl,omitempty"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// IsSummary reports whether the message was produced by context summarization.
func (m ChatMessage) IsSummary() bool {
	return m.Metadata != nil && m.Metadata.IsSummary
}

// Conversation is one chat tab. IsGameHub marks the catch-all tab that is not
// bound to a single game.
type Conversation struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Messages         []ChatMessage `json:"messages"`
	GameTitle        string        `json:"gameTitle,omitempty"`
	Genre            string        `json:"genre,omitempty"`
	ContextSummary   string        `json:"contextSummary,omitempty"`
	LastSummarizedAt time.Time     `json:"lastSummarizedAt,omitempty"`
	IsActiveSession  bool          `json:"isActiveSession"`
	GameProgress     int           `json:"gameProgress"`
	ActiveObjective  string        `json:"activeObjective,omitempty"`
	IsGameHub        bool          `json:"isGameHub"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Clone returns a copy whose message slice can be modified without touching c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]ChatMessage, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}
