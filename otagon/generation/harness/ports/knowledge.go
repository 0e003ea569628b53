package harnessports

import "context"

// KnowledgeSnippet is one stored fact about a game.
type KnowledgeSnippet struct {
	GameTitle string
	Topic     string
	Content   string
	Score     float64
}

// KnowledgeSource returns background facts for a game, best first.
type KnowledgeSource interface {
	Lookup(ctx context.Context, gameTitle, query string, limit int) ([]KnowledgeSnippet, error)
}
