package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ResponseValidator checks an LLM answer against the label schema for one
// vocabulary.
type ResponseValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// ValidationError describes an answer that could not be accepted.
type ValidationError struct {
	Message string
	Raw     string
	// Decoded is set when the answer had a usable labels array that failed the
	// schema, typically because of labels outside the vocabulary.
	Decoded bool
}

func (e *ValidationError) Error() string { return e.Message }

// LabelSchema builds the JSON Schema an answer must satisfy.
func LabelSchema(vocabulary []string, maxLabels int) (json.RawMessage, error) {
	if len(vocabulary) == 0 {
		return nil, fmt.Errorf("label schema: empty vocabulary")
	}
	schema := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"labels": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "enum": vocabulary},
				"maxItems":    maxLabels,
				"uniqueItems": true,
			},
		},
		"required": []string{"labels"},
	}
	return json.Marshal(schema)
}

func NewResponseValidator(vocabulary []string, maxLabels int) (*ResponseValidator, error) {
	schemaJSON, err := LabelSchema(vocabulary, maxLabels)
	if err != nil {
		return nil, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("labels.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("labels.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ResponseValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

func (v *ResponseValidator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// Validate extracts the JSON answer from text and returns its labels.
func (v *ResponseValidator) Validate(text string) ([]string, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil, &ValidationError{Message: "response does not contain valid JSON", Raw: text}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}

	var answer struct {
		Labels []string `json:"labels"`
	}
	decodeErr := json.Unmarshal([]byte(jsonStr), &answer)
	if err := v.schema.Validate(parsed); err != nil {
		verr := &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: text}
		if decodeErr == nil && answer.Labels != nil {
			verr.Decoded = true
			return answer.Labels, verr
		}
		return nil, verr
	}
	if decodeErr != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decode labels: %s", decodeErr), Raw: text}
	}
	return answer.Labels, nil
}

// extractJSON finds a JSON object or array in the response text: a ```json
// fence first, then a bare fence, then the first balanced value.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON value at the start of s, skipping
// brackets inside strings.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
