package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// CacheContext is what the cache policy knows about a request.
type CacheContext struct {
	GameTitle      string
	ConversationID string
	HasUserContext bool
	NoCache        bool
}

// CachePolicy decides whether and for how long a response is persisted.
type CachePolicy interface {
	ShouldCache(prompt string, cc CacheContext) bool
	DetermineCacheType(cc CacheContext) ports.CacheType
	TTL(t ports.CacheType) time.Duration
}

const minCacheablePrompt = 10

// volatileTerms mark questions whose answer changes over time.
var volatileTerms = []string{"today", "now", "current", "latest", "recent", "just released"}

// DefaultCachePolicy caches general knowledge longest and personalised
// answers shortest.
type DefaultCachePolicy struct {
	GlobalTTL       time.Duration
	GameSpecificTTL time.Duration
	UserTTL         time.Duration
}

func NewCachePolicy(cfg config.HarnessConfig) *DefaultCachePolicy {
	p := &DefaultCachePolicy{
		GlobalTTL:       cfg.GlobalTTL,
		GameSpecificTTL: cfg.GameSpecificTTL,
		UserTTL:         cfg.UserTTL,
	}
	if p.GlobalTTL <= 0 {
		p.GlobalTTL = 168 * time.Hour
	}
	if p.GameSpecificTTL <= 0 {
		p.GameSpecificTTL = 24 * time.Hour
	}
	if p.UserTTL <= 0 {
		p.UserTTL = 12 * time.Hour
	}
	return p
}

func (p *DefaultCachePolicy) ShouldCache(prompt string, cc CacheContext) bool {
	if cc.NoCache {
		return false
	}
	if len(strings.TrimSpace(prompt)) < minCacheablePrompt {
		return false
	}
	lower := strings.ToLower(prompt)
	for _, term := range volatileTerms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

func (p *DefaultCachePolicy) DetermineCacheType(cc CacheContext) ports.CacheType {
	switch {
	case cc.GameTitle != "":
		return ports.CacheGameSpecific
	case cc.HasUserContext || cc.ConversationID != "":
		return ports.CacheUser
	default:
		return ports.CacheGlobal
	}
}

func (p *DefaultCachePolicy) TTL(t ports.CacheType) time.Duration {
	switch t {
	case ports.CacheGlobal:
		return p.GlobalTTL
	case ports.CacheGameSpecific:
		return p.GameSpecificTTL
	case ports.CacheUser:
		return p.UserTTL
	default:
		return 24 * time.Hour
	}
}

var _ CachePolicy = (*DefaultCachePolicy)(nil)

// Fingerprint is the response cache key for a request.
func Fingerprint(req *ResponseRequest) string {
	title := ""
	convID := ""
	if req.Conversation != nil {
		title = strings.ToLower(req.Conversation.GameTitle)
		convID = req.Conversation.ID
	}
	msg := strings.ToLower(strings.TrimSpace(req.Message))
	return fmt.Sprintf("ai:%s|conv:%s|s:%t|img:%t|game:%s",
		hashString(msg+"\x00"+req.ImageData), convID, req.IsActiveSession, req.HasImages, hashString(title))
}

// hashString is djb2, short enough for keys and stable across processes.
func hashString(s string) string {
	hash := uint32(5381)
	for _, r := range s {
		hash = ((hash << 5) + hash) + uint32(r)
	}
	return fmt.Sprintf("%x", hash)
}
