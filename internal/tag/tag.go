// Package tag serves the browser agent script with a project's API key
// compiled in.
package tag

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

//go:embed surface_analytics.js
var embedded string

// Placeholder is the line of the script that receives the API key.
const Placeholder = "const SURFACE_API_KEY = null;"

// Script is the agent script template.
type Script struct {
	source string
}

// Embedded returns the script compiled into the binary.
func Embedded() *Script {
	return &Script{source: embedded}
}

// Load reads a script from path, or returns the embedded one when path is
// empty. The script must contain Placeholder.
func Load(path string) (*Script, error) {
	if path == "" {
		return Embedded(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag script: %w", err)
	}
	src := string(b)
	if !strings.Contains(src, Placeholder) {
		return nil, errors.New("tag script: missing API key placeholder")
	}
	return &Script{source: src}, nil
}

// Render returns the script with apiKey injected as a string literal.
func (s *Script) Render(apiKey string) string {
	// JSON string encoding is a valid JS string literal and escapes quotes.
	lit, _ := json.Marshal(apiKey)
	return strings.Replace(s.source, Placeholder, "const SURFACE_API_KEY = "+string(lit)+";", 1)
}
