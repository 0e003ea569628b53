package harness

import (
	"errors"
	"strings"

	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

var (
	ErrQuotaExceeded     = ports.ErrQuotaExceeded
	ErrContentPolicy     = ports.ErrContentPolicy
	ErrAborted           = ports.ErrAborted
	ErrRateLimitExceeded = adapters.ErrRateLimitExceeded
)

var contentPolicyMarkers = []string{"blocked", "safety", "content policy"}

// isContentPolicy reports whether err is a refusal on safety grounds.
func isContentPolicy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContentPolicy) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range contentPolicyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isTransient reports whether a failed provider call is worth one retry.
// Proxy replies decide for themselves; anything else (network, decode,
// timeout) is assumed transient.
func isTransient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrAborted),
		errors.Is(err, ErrQuotaExceeded),
		isContentPolicy(err):
		return false
	}
	var pe *adapters.ProxyError
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return true
}
