package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Parse decodes a local descriptor document. YAML documents are converted to
// the JSON wire form first; anything else is treated as JSONC, so comments
// and trailing commas are accepted.
func Parse(data []byte, format string) (Spec, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Spec{}, fmt.Errorf("%w: parsing YAML: %v", ErrInvalid, err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: converting YAML: %v", ErrInvalid, err)
		}
		return Decode(raw)
	default:
		return Decode(jsonc.ToJSON(data))
	}
}

// ReadFile reads and decodes a descriptor from disk. The format is chosen
// from the file extension.
func ReadFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("reading %s: %w", path, err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	s, err := Parse(data, format)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
