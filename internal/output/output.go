// Package output renders command results as YAML or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Format is a structured output format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	mu      sync.RWMutex
	current = FormatYAML
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatYAML, "":
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want yaml or json)", s)
	}
}

// SetFormat sets the format used by Print. It is set once by the root
// command's --output flag.
func SetFormat(f Format) {
	mu.Lock()
	current = f
	mu.Unlock()
}

// CurrentFormat returns the format used by Print.
func CurrentFormat() Format {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Print writes data to stdout in the current format.
func Print(data any) error {
	return Write(os.Stdout, CurrentFormat(), data)
}

// Write writes data to w in format f. Chinese text is written unescaped.
func Write(w io.Writer, f Format, data any) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", f)
	}
}
