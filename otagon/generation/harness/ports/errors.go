package harnessports

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded matches every *QuotaExceededError via errors.Is.
	ErrQuotaExceeded = &QuotaExceededError{}
	// ErrContentPolicy is returned when the model refuses on safety grounds.
	// It is never retried.
	ErrContentPolicy = errors.New("content policy violation")
	// ErrAborted is returned when the caller's context ends around the model call.
	ErrAborted = errors.New("request aborted")
	// ErrConversationNotFound is returned by ConversationStore.Load for unknown ids.
	ErrConversationNotFound = errors.New("conversation not found")
)

// QuotaExceededError reports which allowance ran out.
type QuotaExceededError struct {
	Kind  RequestType
	Count int
	Limit int
	Tier  Tier
}

func (e *QuotaExceededError) Error() string {
	if e.Kind == "" {
		return "query limit reached"
	}
	return fmt.Sprintf("%s query limit reached (%d/%d)", e.Kind, e.Count, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	_, ok := target.(*QuotaExceededError)
	return ok
}
