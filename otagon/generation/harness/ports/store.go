package harnessports

import "context"

// ConversationStore persists conversations and their message log.
type ConversationStore interface {
	Load(ctx context.Context, id string) (*Conversation, error)
	// Save upserts the whole conversation, replacing its message list.
	Save(ctx context.Context, conv *Conversation) error
	AppendMessage(ctx context.Context, conversationID string, msg ChatMessage) error
	ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error)
}
