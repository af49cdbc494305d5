package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnparseable is returned when model output is not JSON even after repair.
var ErrUnparseable = errors.New("output is not valid JSON")

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\\r?\\n?(.*?)(?:```|$)")

// StripCodeFences returns the body of the first fenced block in content, or
// the trimmed content when there is no fence.
func StripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	m := fencePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return trimmed
	}
	return strings.TrimSpace(m[1])
}

// ParseStructuredJSON strips fences and decodes the output. Malformed JSON
// gets one best-effort repair pass. repaired reports whether that pass was
// needed.
func ParseStructuredJSON(content string) (doc any, repaired bool, err error) {
	body := StripCodeFences(content)
	if body == "" {
		return nil, false, fmt.Errorf("empty structured output: %w", ErrUnparseable)
	}

	if err := json.Unmarshal([]byte(body), &doc); err == nil {
		return doc, false, nil
	}

	fixed, rerr := jsonrepair.JSONRepair(body)
	if rerr != nil {
		return nil, false, fmt.Errorf("repair failed: %v: %w", rerr, ErrUnparseable)
	}
	if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
		return nil, true, fmt.Errorf("repaired output still invalid: %v: %w", err, ErrUnparseable)
	}
	return doc, true, nil
}

// CompileSchema compiles a JSON schema document for repeated validation.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load structured schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile structured schema: %w", err)
	}
	return schema, nil
}

// ValidateStructuredJSON checks a decoded document against schema.
func ValidateStructuredJSON(schema *jsonschema.Schema, doc any) error {
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}
