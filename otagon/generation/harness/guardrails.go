package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails enforces output safety and validation.
type Guardrails struct {
	outputFilters []*regexp.Regexp // credentials echoed back by the model
	maxOutputSize int              // bytes, 0 disables
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails that redact provider API keys.
func NewGuardrails(maxOutputSize int) *Guardrails {
	return &Guardrails{
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
			regexp.MustCompile(`\bsk-[0-9A-Za-z]{20,}\b`),
		},
		maxOutputSize: maxOutputSize,
		jsonValidator: NewJSONValidator(),
	}
}

// CheckCompletion maps a refused completion to ErrContentPolicy.
func (g *Guardrails) CheckCompletion(c ports.Completion) error {
	if !c.Blocked {
		return nil
	}
	reason := c.BlockReason
	if reason == "" {
		reason = "response blocked by safety filters"
	}
	return fmt.Errorf("%w: %s", ErrContentPolicy, reason)
}

// SanitizeOutput masks credentials and enforces the size limit.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	if g.maxOutputSize > 0 && len(sanitized) > g.maxOutputSize {
		cut := g.maxOutputSize
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = sanitized[:cut]
	}
	return sanitized
}

// ValidateJSONOutput validates JSON output against a schema if provided.
func (g *Guardrails) ValidateJSONOutput(data json.RawMessage, schema []byte) error {
	return g.jsonValidator.Validate(data, schema)
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
