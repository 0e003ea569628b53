package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/db"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// SQLConversationStore persists conversations in the conversations and
// conversation_messages tables. Message order is kept in a seq column.
type SQLConversationStore struct {
	db *db.DB
}

func NewSQLConversationStore(database *db.DB) *SQLConversationStore {
	return &SQLConversationStore{db: database}
}

func (s *SQLConversationStore) Load(ctx context.Context, id string) (*ports.Conversation, error) {
	query := s.db.Rebind(`
		SELECT id, title, game_title, genre, context_summary, last_summarized_at, is_active_session,
			game_progress, active_objective, is_game_hub, created_at, updated_at
		FROM conversations WHERE id = ?
	`)

	var (
		conv                         ports.Conversation
		lastSummarized, created, upd int64
		activeSession, gameHub       int
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.GameTitle, &conv.Genre, &conv.ContextSummary, &lastSummarized,
		&activeSession, &conv.GameProgress, &conv.ActiveObjective, &gameHub, &created, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ports.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv.LastSummarizedAt = fromMillis(lastSummarized)
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(upd)
	conv.IsActiveSession = activeSession != 0
	conv.IsGameHub = gameHub != 0

	msgs, err := s.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

// Save upserts the conversation row and replaces its message list in one
// transaction.
func (s *SQLConversationStore) Save(ctx context.Context, conv *ports.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	upsert := s.db.Rebind(`
		INSERT INTO conversations (id, title, game_title, genre, context_summary, last_summarized_at,
			is_active_session, game_progress, active_objective, is_game_hub, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			game_title = excluded.game_title,
			genre = excluded.genre,
			context_summary = excluded.context_summary,
			last_summarized_at = excluded.last_summarized_at,
			is_active_session = excluded.is_active_session,
			game_progress = excluded.game_progress,
			active_objective = excluded.active_objective,
			is_game_hub = excluded.is_game_hub,
			updated_at = excluded.updated_at
	`)
	if _, err := tx.ExecContext(ctx, upsert,
		conv.ID, conv.Title, conv.GameTitle, conv.Genre, conv.ContextSummary, toMillis(conv.LastSummarizedAt),
		boolInt(conv.IsActiveSession), conv.GameProgress, conv.ActiveObjective, boolInt(conv.IsGameHub),
		created.UnixMilli(), updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM conversation_messages WHERE conversation_id = ?`), conv.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range conv.Messages {
		if err := s.insertMessage(ctx, tx, conv.ID, i, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	return nil
}

// AppendMessage adds msg after the last stored message.
func (s *SQLConversationStore) AppendMessage(ctx context.Context, conversationID string, msg ports.ChatMessage) error {
	var next int
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT COALESCE(MAX(seq), -1) + 1 FROM conversation_messages WHERE conversation_id = ?`),
		conversationID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}
	return s.insertMessage(ctx, s.db, conversationID, next, msg)
}

// ListMessages returns the messages of a conversation, oldest first.
func (s *SQLConversationStore) ListMessages(ctx context.Context, conversationID string) ([]ports.ChatMessage, error) {
	query := s.db.Rebind(`
		SELECT id, role, content, image_url, metadata, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []ports.ChatMessage
	for rows.Next() {
		var (
			msg      ports.ChatMessage
			role     string
			metadata string
			created  int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.ImageURL, &metadata, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = ports.Role(role)
		msg.Timestamp = fromMillis(created)
		if metadata != "" {
			msg.Metadata = &ports.MessageMetadata{}
			if err := json.Unmarshal([]byte(metadata), msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLConversationStore) insertMessage(ctx context.Context, ex execer, conversationID string, seq int, msg ports.ChatMessage) error {
	metadata := ""
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = string(b)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := s.db.Rebind(`
		INSERT INTO conversation_messages (id, conversation_id, seq, role, content, image_url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := ex.ExecContext(ctx, query, msg.ID, conversationID, seq, string(msg.Role), msg.Content, msg.ImageURL, metadata, ts.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ports.ConversationStore = (*SQLConversationStore)(nil)
