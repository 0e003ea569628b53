package harness

import (
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
)

const (
	msgAuthFailed  = "AI service authentication failed. Please check your API key in settings."
	msgBusy        = "AI service is temporarily busy. Please try again in a few moments."
	msgNetwork     = "Network connection issue. Please check your internet connection and try again."
	msgUnavailable = "AI service is temporarily unavailable. Please try again later."
)

var recoverySuggestions = []string{"Try again", "Check your connection", "Contact support"}

// RecoveryMessage chooses the user-facing text for a failed request.
func RecoveryMessage(err error) string {
	if err == nil {
		return msgUnavailable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "api key", "auth", "401"):
		return msgAuthFailed
	case containsAny(msg, "rate limit", "quota", "too many requests", "429", "busy"):
		return msgBusy
	case containsAny(msg, "network", "timeout", "deadline exceeded", "connection", "fetch"):
		return msgNetwork
	default:
		return msgUnavailable
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// degradedResponse is returned instead of an error once retries are spent.
func degradedResponse(err error, now time.Time) *ports.AIResponse {
	msg := RecoveryMessage(err)
	return &ports.AIResponse{
		Content:     msg,
		RawContent:  msg,
		OtakonTags:  tags.Map{},
		Suggestions: append([]string(nil), recoverySuggestions...),
		Metadata: ports.ResponseMetadata{
			Model:     "error",
			Timestamp: now,
			Degraded:  true,
		},
	}
}
