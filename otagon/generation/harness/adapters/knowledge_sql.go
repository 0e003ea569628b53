package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/otagon/otagon/db"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// SQLKnowledgeSource serves game facts from the game_knowledge table.
// Rows are scored by priority plus the number of query words found in
// their keywords and content.
type SQLKnowledgeSource struct {
	db *db.DB
}

func NewSQLKnowledgeSource(database *db.DB) *SQLKnowledgeSource {
	return &SQLKnowledgeSource{db: database}
}

func (k *SQLKnowledgeSource) Lookup(ctx context.Context, gameTitle, query string, limit int) ([]ports.KnowledgeSnippet, error) {
	if strings.TrimSpace(gameTitle) == "" {
		return nil, nil
	}
	rows, err := k.db.QueryContext(ctx,
		k.db.Rebind(`SELECT game_title, topic, content, keywords, priority FROM game_knowledge WHERE LOWER(game_title) = ?`),
		strings.ToLower(strings.TrimSpace(gameTitle)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query game knowledge: %w", err)
	}
	defer rows.Close()

	terms := queryTerms(query)
	var out []ports.KnowledgeSnippet
	for rows.Next() {
		var (
			snip     ports.KnowledgeSnippet
			keywords string
			priority int
		)
		if err := rows.Scan(&snip.GameTitle, &snip.Topic, &snip.Content, &keywords, &priority); err != nil {
			return nil, fmt.Errorf("failed to scan game knowledge: %w", err)
		}
		snip.Score = float64(priority) + matchScore(terms, keywords+" "+snip.Topic+" "+snip.Content)
		out = append(out, snip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating game knowledge: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Add stores one fact and returns its id.
func (k *SQLKnowledgeSource) Add(ctx context.Context, snip ports.KnowledgeSnippet, keywords []string, priority int) (string, error) {
	id := uuid.NewString()
	_, err := k.db.ExecContext(ctx,
		k.db.Rebind(`INSERT INTO game_knowledge (id, game_title, topic, content, keywords, priority, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, snip.GameTitle, snip.Topic, snip.Content, strings.Join(keywords, " "), priority, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert game knowledge: %w", err)
	}
	return id, nil
}

func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) > 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

func matchScore(terms []string, text string) float64 {
	text = strings.ToLower(text)
	score := 0.0
	for _, t := range terms {
		if strings.Contains(text, t) {
			score++
		}
	}
	return score
}

var _ ports.KnowledgeSource = (*SQLKnowledgeSource)(nil)
