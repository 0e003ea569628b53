package tags

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the payload held by a TagValue.
type Kind int

const (
	KindString Kind = iota
	KindObject
	KindArray
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindNumber:
		return "number"
	default:
		return "string"
	}
}

// TagValue is the value attached to a single OTAKON tag.
type TagValue struct {
	kind Kind
	str  string
	obj  map[string]any
	arr  []any
	num  float64
}

func String(s string) TagValue         { return TagValue{kind: KindString, str: s} }
func Object(m map[string]any) TagValue { return TagValue{kind: KindObject, obj: m} }
func Array(a []any) TagValue           { return TagValue{kind: KindArray, arr: a} }
func Number(n float64) TagValue        { return TagValue{kind: KindNumber, num: n} }

func (v TagValue) Kind() Kind { return v.kind }

// AsObject returns the decoded JSON object for object-kind values.
func (v TagValue) AsObject() (map[string]any, bool) { return v.obj, v.kind == KindObject }

// AsArray returns the decoded JSON array for array-kind values.
func (v TagValue) AsArray() ([]any, bool) { return v.arr, v.kind == KindArray }

// AsString returns the raw string for string-kind values.
func (v TagValue) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns numeric values directly and parses numeric strings.
func (v TagValue) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return n, err == nil
	}
	return 0, false
}

// Strings returns the string elements of an array value. Non-string
// elements are skipped.
func (v TagValue) Strings() ([]string, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	out := make([]string, 0, len(v.arr))
	for _, item := range v.arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// Raw returns the underlying Go value (string, map, slice or float64).
func (v TagValue) Raw() any {
	switch v.kind {
	case KindObject:
		return v.obj
	case KindArray:
		return v.arr
	case KindNumber:
		return v.num
	default:
		return v.str
	}
}

func (v TagValue) String() string {
	if v.kind == KindString {
		return v.str
	}
	b, err := json.Marshal(v.Raw())
	if err != nil {
		return fmt.Sprintf("%v", v.Raw())
	}
	return string(b)
}

func (v TagValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}

func (v *TagValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny wraps a decoded JSON value. Anything that is not an object, array
// or number is stored as its string form.
func FromAny(raw any) TagValue {
	switch t := raw.(type) {
	case map[string]any:
		return Object(t)
	case []any:
		return Array(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case string:
		return String(t)
	case nil:
		return String("")
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Result is the outcome of an opportunistic JSON parse: either the decoded
// value or the original text.
type Result[T any] struct {
	Value  T
	Raw    string
	Parsed bool
}

// TryParseJSON decodes text into T when it looks like a JSON object or array.
// Array candidates have single quotes converted to double quotes first.
func TryParseJSON[T any](text string) Result[T] {
	res := Result[T]{Raw: text}
	trimmed := strings.TrimSpace(text)
	candidate := trimmed
	switch {
	case strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}"):
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		candidate = strings.ReplaceAll(trimmed, "'", `"`)
	default:
		return res
	}

	var out T
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return res
	}
	res.Value = out
	res.Parsed = true
	return res
}

// valueFromText applies TryParseJSON and falls back to a string value.
func valueFromText(text string) TagValue {
	if r := TryParseJSON[any](text); r.Parsed {
		return FromAny(r.Value)
	}
	return String(text)
}

// Map is the set of tags extracted from one response, keyed without the
// OTAKON_ prefix.
type Map map[string]TagValue

func (m Map) Get(key string) (TagValue, bool) {
	v, ok := m[key]
	return v, ok
}

// Suggestions returns the SUGGESTIONS tag as a string slice.
func (m Map) Suggestions() []string {
	v, ok := m["SUGGESTIONS"]
	if !ok {
		return nil
	}
	s, _ := v.Strings()
	return s
}

// Progress returns the clamped PROGRESS tag when present.
func (m Map) Progress() (int, bool) {
	v, ok := m["PROGRESS"]
	if !ok {
		return 0, false
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, false
	}
	return ClampProgress(int(n)), true
}

// Objective returns the OBJECTIVE or OBJECTIVE_SET tag as free text.
func (m Map) Objective() (string, bool) {
	for _, key := range []string{"OBJECTIVE", "OBJECTIVE_SET"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		if obj, isObj := v.AsObject(); isObj {
			if desc, ok := obj["description"].(string); ok && desc != "" {
				return desc, true
			}
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s, true
		}
	}
	return "", false
}

// Keys returns the tag names present in the map.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
