// Package conversation runs one chat turn end to end: history, context
// summarization, the orchestrated model call and persistence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/summarizer"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
)

// Responder answers a single user turn.
type Responder interface {
	GetResponse(ctx context.Context, req harness.ResponseRequest) (*ports.AIResponse, error)
}

var _ Responder = (*harness.Orchestrator)(nil)

// SendOptions tune a single turn.
type SendOptions struct {
	IsActiveSession bool
	// Image is a data URL or bare base64 screenshot.
	Image      string
	Structured bool
	NoCache    bool
}

// Result is the outcome of SendMessage.
type Result struct {
	Response     *ports.AIResponse
	Conversation *ports.Conversation
	// Summarized is true when older history was folded into a summary
	// during this turn.
	Summarized bool
	// SummarizationWarning is true when the next turns are likely to
	// trigger summarization.
	SummarizationWarning bool
}

// Service coordinates the conversation store, the summarizer and the
// orchestrator.
type Service struct {
	store      ports.ConversationStore
	responder  Responder
	summarizer *summarizer.Summarizer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a conversation service. A nil summarizer disables
// context summarization.
func NewService(store ports.ConversationStore, responder Responder, sum *summarizer.Summarizer, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		responder:  responder,
		summarizer: sum,
		logger:     logger.With().Str("component", "conversation").Logger(),
		now:        time.Now,
	}
}

// Create stores a new conversation. An empty gameTitle makes it the game hub.
func (s *Service) Create(ctx context.Context, title, gameTitle, genre string) (*ports.Conversation, error) {
	now := s.now()
	conv := &ports.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		GameTitle: gameTitle,
		Genre:     genre,
		IsGameHub: gameTitle == "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.Title == "" {
		conv.Title = gameTitle
	}
	if conv.Title == "" {
		conv.Title = "Game Hub"
	}
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Get loads a conversation.
func (s *Service) Get(ctx context.Context, id string) (*ports.Conversation, error) {
	conv, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return conv, nil
}

// SendMessage appends text as a user turn, answers it and saves the
// conversation. When only the final save fails the result is still returned
// together with the error.
func (s *Service) SendMessage(ctx context.Context, convID string, user *ports.User, text string, opts SendOptions) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" && opts.Image == "" {
		return nil, errors.New("message is empty")
	}

	stored, err := s.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	conv := stored.Clone()

	conv.Messages = append(conv.Messages, ports.ChatMessage{
		ID:        uuid.NewString(),
		Role:      ports.RoleUser,
		Content:   text,
		Timestamp: s.now(),
		ImageURL:  opts.Image,
	})

	summarized := false
	if s.summarizer != nil {
		var out *ports.Conversation
		out, summarized, err = s.summarizer.Apply(ctx, conv)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize conversation: %w", err)
		}
		conv = out
	}

	resp, err := s.responder.GetResponse(ctx, harness.ResponseRequest{
		Conversation:    conv,
		User:            user,
		Message:         text,
		IsActiveSession: opts.IsActiveSession,
		HasImages:       opts.Image != "",
		ImageData:       opts.Image,
		Structured:      opts.Structured,
		NoCache:         opts.NoCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}

	now := s.now()
	conv.Messages = append(conv.Messages, ports.ChatMessage{
		ID:        uuid.NewString(),
		Role:      ports.RoleAssistant,
		Content:   resp.Content,
		Timestamp: now,
	})
	applyStateUpdates(conv, resp)
	conv.IsActiveSession = opts.IsActiveSession
	conv.UpdatedAt = now

	result := &Result{
		Response:     resp,
		Conversation: conv,
		Summarized:   summarized,
	}
	if s.summarizer != nil {
		result.SummarizationWarning = s.summarizer.WillTriggerSummarization(conv)
	}

	if err := s.store.Save(ctx, conv); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to save conversation")
		return result, fmt.Errorf("failed to save conversation: %w", err)
	}
	return result, nil
}

// applyStateUpdates copies the advisory progress and objective signals
// onto the conversation. Degraded responses carry none.
func applyStateUpdates(conv *ports.Conversation, resp *ports.AIResponse) {
	if resp.Metadata.Degraded {
		return
	}
	if resp.Progress != nil {
		conv.GameProgress = tags.ClampProgress(*resp.Progress)
	}
	if resp.Objective != "" {
		conv.ActiveObjective = resp.Objective
	}
	if conv.IsGameHub {
		return
	}
	if pill := resp.GamePillData; pill != nil && conv.Genre == "" && pill.Genre != "" &&
		strings.EqualFold(pill.GameName, conv.GameTitle) {
		conv.Genre = pill.Genre
	}
}
