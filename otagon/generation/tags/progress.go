package tags

import (
	"regexp"
	"strconv"
)

// progressPatterns are tried in order, most specific first.
var progressPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[OTAKON_PROGRESS[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)\[?PROGRESS[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)(?:progress|completion|game progress)[:\s]+(?:approximately\s+)?(\d+)\s*%`),
	regexp.MustCompile(`(?i)"stateUpdateTags"[^}]*"PROGRESS[:\s]+(\d+)`),
}

var firstInt = regexp.MustCompile(`\d+`)

// ExtractProgress finds a progress percentage in free text. Values outside
// 0..100 are ignored and the next pattern is tried.
func ExtractProgress(text string) (int, bool) {
	for _, pattern := range progressPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 0 && n <= 100 {
			return n, true
		}
	}
	return 0, false
}

// ParseProgressValue reads the first integer out of a tag value such as
// "50", "50%", "~45" or "40-60" and clamps it.
func ParseProgressValue(s string) (int, bool) {
	m := firstInt.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 100, true
	}
	return ClampProgress(n), true
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
