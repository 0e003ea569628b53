package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/tags"
)

// ResponseSchema is sent to the model as the response format and used to
// validate what comes back.
const ResponseSchema = `{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The main chat response for the user"},
    "followUpPrompts": {"type": "array", "items": {"type": "string"}, "description": "3-4 contextual follow-up questions"},
    "progressiveInsightUpdates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "tabId": {"type": "string"},
          "title": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    },
    "stateUpdateTags": {"type": "array", "items": {"type": "string"}},
    "gamePillData": {
      "type": "object",
      "properties": {
        "shouldCreate": {"type": "boolean"},
        "gameName": {"type": "string"},
        "genre": {"type": "string"},
        "wikiContent": {"description": "JSON string containing pre-filled subtab content"}
      }
    }
  },
  "required": ["content"]
}`

type structuredPayload struct {
	Content                   string                `json:"content"`
	FollowUpPrompts           []string              `json:"followUpPrompts"`
	ProgressiveInsightUpdates []ports.InsightUpdate `json:"progressiveInsightUpdates"`
	StateUpdateTags           []string              `json:"stateUpdateTags"`
	GamePillData              *structuredGamePill   `json:"gamePillData"`
}

type structuredGamePill struct {
	ShouldCreate bool            `json:"shouldCreate"`
	GameName     string          `json:"gameName"`
	Genre        string          `json:"genre"`
	WikiContent  json.RawMessage `json:"wikiContent"`
}

var (
	codeFence     = regexp.MustCompile("(?s)^\\s*```(?:json|JSON)?\\s*\n?(.*?)\\s*```\\s*$")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// stripCodeFences removes a ```json ... ``` wrapper.
func stripCodeFences(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// repairJSON recovers a truncated or sloppy JSON object: trailing commas are
// dropped, and a cut-off document is trimmed back to its last complete
// property with the open brackets closed again.
func repairJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if start := strings.IndexByte(s, '{'); start > 0 {
		s = s[start:]
	}
	if json.Valid([]byte(s)) {
		return s, true
	}
	s = trailingComma.ReplaceAllString(s, "$1")
	if json.Valid([]byte(s)) {
		return s, true
	}

	var (
		stack    []byte
		inString bool
		escaped  bool
		lastCut  = -1
		cutStack []byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				// complete document followed by junk
				if out := s[:i+1]; json.Valid([]byte(out)) {
					return out, true
				}
			}
		case ',':
			lastCut = i
			cutStack = append(cutStack[:0], stack...)
		}
	}

	// close everything as is
	candidate := s
	if inString {
		candidate += `"`
	}
	if out := candidate + closers(stack); json.Valid([]byte(out)) {
		return out, true
	}
	// drop the incomplete trailing property
	if lastCut > 0 {
		if out := s[:lastCut] + closers(cutStack); json.Valid([]byte(out)) {
			return out, true
		}
	}
	return "", false
}

func closers(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

var leakedFieldRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)followUpPrompts:\s*\[[\s\S]*?\](\s*(?:progressiveInsightUpdates|stateUpdateTags|gamePillData|$))`), "$1"},
	{regexp.MustCompile(`(?i)progressiveInsightUpdates:\s*\[[\s\S]*?\](\s*(?:followUpPrompts|stateUpdateTags|gamePillData|$))`), "$1"},
	{regexp.MustCompile(`(?i)stateUpdateTags:\s*\[[\s\S]*?\](\s*(?:followUpPrompts|progressiveInsightUpdates|gamePillData|$))`), "$1"},
	{regexp.MustCompile(`(?i)gamePillData:\s*\{[\s\S]*?\}\s*$`), ""},
	{regexp.MustCompile(`\{[\s\S]*?"OTAKON_[A-Z_]+":[\s\S]*?\}`), ""},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

// stripLeakedFields removes structured fields the model echoed into content.
func stripLeakedFields(content string) string {
	for _, r := range leakedFieldRules {
		content = r.re.ReplaceAllString(content, r.repl)
	}
	return strings.TrimSpace(content)
}

// parseWikiContent accepts either an object or a JSON-encoded string.
func parseWikiContent(raw json.RawMessage) (map[string]string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, true
	}
	// non-string values
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, false
	}
	out = make(map[string]string, len(loose))
	for k, v := range loose {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, _ := json.Marshal(v)
		out[k] = string(b)
	}
	return out, true
}

// stateTags turns "KEY: value" strings into a tag map so progress and
// objectives are read the same way as in tag mode.
func stateTags(items []string) tags.Map {
	m := tags.Map{}
	for _, item := range items {
		key, value, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "OTAKON_")))
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if key == "PROGRESS" {
			if n, ok := tags.ParseProgressValue(value); ok {
				m[key] = tags.Number(float64(n))
			}
			continue
		}
		if r := tags.TryParseJSON[any](value); r.Parsed {
			m[key] = tags.FromAny(r.Value)
			continue
		}
		m[key] = tags.String(value)
	}
	return m
}

// parseStructured decodes a structured-mode reply into a response. A reply
// that cannot be repaired or does not match ResponseSchema is an error.
func (o *Orchestrator) parseStructured(raw string) (*ports.AIResponse, error) {
	doc, ok := repairJSON(stripCodeFences(raw))
	if !ok {
		return nil, fmt.Errorf("structured response is not repairable JSON")
	}
	if err := o.guardrails.ValidateJSONOutput(json.RawMessage(doc), []byte(ResponseSchema)); err != nil {
		return nil, err
	}
	var payload structuredPayload
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode structured response: %w", err)
	}

	resp := &ports.AIResponse{
		Content:                   stripLeakedFields(payload.Content),
		RawContent:                raw,
		OtakonTags:                stateTags(payload.StateUpdateTags),
		Suggestions:               payload.FollowUpPrompts,
		FollowUpPrompts:           payload.FollowUpPrompts,
		ProgressiveInsightUpdates: payload.ProgressiveInsightUpdates,
		StateUpdateTags:           payload.StateUpdateTags,
	}
	if _, ok := resp.OtakonTags["PROGRESS"]; !ok {
		if n, ok := tags.ExtractProgress(raw); ok {
			resp.OtakonTags["PROGRESS"] = tags.Number(float64(n))
		}
	}
	if pill := payload.GamePillData; pill != nil {
		wiki, ok := parseWikiContent(pill.WikiContent)
		if !ok {
			o.logger.Warn().Str("game", pill.GameName).Msg("failed to parse wikiContent as JSON")
		}
		resp.GamePillData = &ports.GamePillData{
			ShouldCreate: pill.ShouldCreate,
			GameName:     pill.GameName,
			Genre:        pill.Genre,
			WikiContent:  wiki,
		}
	}
	return resp, nil
}
