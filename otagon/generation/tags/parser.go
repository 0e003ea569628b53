// Package tags extracts [OTAKON_KEY: value] directives from model output and
// cleans the remaining prose for display.
package tags

import (
	"encoding/json"
	"regexp"
	"strings"
)

const tagPrefix = "[OTAKON_"

var (
	tagStart  = regexp.MustCompile(`\[OTAKON_([A-Z_]+):[ \t]*`)
	simpleTag = regexp.MustCompile(`\[OTAKON_([A-Z_]+):\s*([^\[\]\n]+?)\]`)
	// a whole-line tag whose value holds brackets but is not JSON
	lineTag     = regexp.MustCompile(`(?m)\[OTAKON_([A-Z_]+):[ \t]*([^\n]*?)\][ \t]*$`)
	escapedStar = regexp.MustCompile(`\\\*`)
)

// multiValueKeys collect every occurrence into an array instead of keeping
// the last one.
var multiValueKeys = map[string]bool{
	"SUBTAB_UPDATE":  true,
	"INSIGHT_UPDATE": true,
}

// Output is the result of parsing one model response.
type Output struct {
	CleanContent string
	Tags         Map
}

// Parser extracts tags and runs the cleanup pipeline.
type Parser struct {
	pipeline Pipeline
}

// NewParser creates a parser. With no steps the default cleanup pipeline is used.
func NewParser(steps ...Step) *Parser {
	if len(steps) == 0 {
		return &Parser{pipeline: DefaultPipeline()}
	}
	return &Parser{pipeline: Pipeline(steps)}
}

var defaultParser = NewParser()

// Parse runs the default parser.
func Parse(raw string) Output {
	return defaultParser.Parse(raw)
}

// Parse never fails: unparseable values are kept as strings and a malformed
// tag at worst survives in the text.
func (p *Parser) Parse(raw string) Output {
	found := Map{}
	content := escapedStar.ReplaceAllString(raw, "*")

	content = extractStructured(content, '[', found)
	content = extractStructured(content, '{', found)

	content = simpleTag.ReplaceAllStringFunc(content, func(m string) string {
		sub := simpleTag.FindStringSubmatch(m)
		key, value := sub[1], strings.TrimSpace(sub[2])
		if key == "PROGRESS" {
			if n, ok := ParseProgressValue(value); ok {
				found[key] = Number(float64(n))
				return ""
			}
		}
		found.set(key, valueFromText(value))
		return ""
	})

	content = lineTag.ReplaceAllStringFunc(content, func(m string) string {
		sub := lineTag.FindStringSubmatch(m)
		value := strings.TrimSpace(sub[2])
		if value == "" || strings.Contains(value, tagPrefix) {
			return m
		}
		found.set(sub[1], String(value))
		return ""
	})

	if _, ok := found["PROGRESS"]; !ok {
		if n, ok := ExtractProgress(raw); ok {
			found["PROGRESS"] = Number(float64(n))
		}
	}

	return Output{
		CleanContent: p.pipeline.Run(content),
		Tags:         found,
	}
}

// extractStructured removes tags whose value is a bracketed array or object
// opened by open. The value must be balanced and followed by the closing "]"
// of the tag. A value spanning several lines is only taken when it decodes as
// JSON; otherwise the text is left for the simple pass or the reader.
func extractStructured(content string, open byte, found Map) string {
	var b strings.Builder
	rest := content
	for {
		loc := tagStart.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			return b.String()
		}
		key, valStart := rest[loc[2]:loc[3]], loc[1]
		if valStart >= len(rest) || rest[valStart] != open {
			b.WriteString(rest[:valStart])
			rest = rest[valStart:]
			continue
		}

		end, ok := scanBalanced(rest, valStart)
		closeAt := end
		for ok && closeAt < len(rest) && (rest[closeAt] == ' ' || rest[closeAt] == '\t' || rest[closeAt] == '\n' || rest[closeAt] == '\r') {
			closeAt++
		}
		if ok && closeAt < len(rest) && rest[closeAt] == ']' {
			value := rest[valStart:end]
			if json.Valid([]byte(value)) || !strings.ContainsAny(value, "\r\n") {
				found.set(key, valueFromText(strings.TrimSpace(value)))
				b.WriteString(rest[:loc[0]])
				rest = rest[closeAt+1:]
				continue
			}
		}
		b.WriteString(rest[:valStart])
		rest = rest[valStart:]
	}
}

// scanBalanced returns the index just past the bracket that closes the one at
// s[start]. Brackets inside double-quoted strings are ignored. It gives up on
// a mismatched closer or when another tag opens before the value closes.
func scanBalanced(s string, start int) (int, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
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
		case '[':
			if strings.HasPrefix(s[i:], tagPrefix) {
				return 0, false
			}
			stack = append(stack, ']')
		case '{':
			stack = append(stack, '}')
		case ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func (m Map) set(key string, v TagValue) {
	if !multiValueKeys[key] {
		m[key] = v
		return
	}
	existing, _ := m[key].AsArray()
	m[key] = Array(append(existing, v.Raw()))
}
