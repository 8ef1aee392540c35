// Package manifest parses and validates extension manifests.
package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/reglet-dev/reglet-exthost/extension"
)

// Parser parses raw manifest bytes into a Manifest.
type Parser interface {
	// Parse unmarshals and validates manifest bytes.
	Parse(data []byte) (*extension.Manifest, error)
}

// JSONParser implements Parser for JSON manifests.
type JSONParser struct {
	validator *Validator
}

// NewJSONParser creates a JSON manifest parser that validates with v.
// A nil validator uses DefaultValidator.
func NewJSONParser(v *Validator) Parser {
	if v == nil {
		v = DefaultValidator()
	}
	return &JSONParser{validator: v}
}

// Parse validates JSON bytes against the manifest schema and decodes them.
func (p *JSONParser) Parse(data []byte) (*extension.Manifest, error) {
	return p.validator.Decode(data)
}

// YAMLParser implements Parser for YAML manifests.
type YAMLParser struct {
	validator *Validator
}

// NewYAMLParser creates a YAML manifest parser that validates with v.
// A nil validator uses DefaultValidator.
func NewYAMLParser(v *Validator) Parser {
	if v == nil {
		v = DefaultValidator()
	}
	return &YAMLParser{validator: v}
}

// Parse converts YAML to JSON, then validates and decodes it.
func (p *YAMLParser) Parse(data []byte) (*extension.Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &extension.ValidationError{Field: "manifest", Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("converting manifest to JSON: %w", err)
	}
	return p.validator.Decode(jsonData)
}

// ParserFor picks a parser from a manifest file name.
func ParserFor(path string, v *Validator) Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYAMLParser(v)
	default:
		return NewJSONParser(v)
	}
}
