package harnessports

import (
	"context"
	"time"
)

// Cache provides in-process memoization keyed by request fingerprint.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// CacheType scopes a persistent entry and selects its TTL.
type CacheType string

const (
	CacheGlobal       CacheType = "global"
	CacheGameSpecific CacheType = "game_specific"
	CacheUser         CacheType = "user"
)

// CacheEntry is one row of the persistent response cache.
type CacheEntry struct {
	Key            string
	Response       AIResponse
	CacheType      CacheType
	GameTitle      string
	ConversationID string
	Model          string
	TokensUsed     int
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// CacheStats summarizes the persistent cache contents.
type CacheStats struct {
	Total       int               `json:"total"`
	ByType      map[CacheType]int `json:"byType"`
	TokensSaved int               `json:"tokensSaved"`
}

// ResponseCache is the durable tier shared across processes.
type ResponseCache interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (CacheStats, error)
	InvalidateGame(ctx context.Context, gameTitle string) (int, error)
}
