package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/reglet-dev/reglet-exthost/extension"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "manifest.schema.json"

var (
	defaultValidator *Validator
	defaultOnce      sync.Once
)

// Validator checks manifests against a JSON schema reflected from
// extension.Manifest, then applies semantic checks the schema cannot express.
type Validator struct {
	schema      *validator.Schema
	schemaJSON  []byte
	hostVersion string
	engineName  string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithHostVersion sets the host version used to evaluate the manifest's
// engines constraint. Unparseable versions (such as "dev") skip the check.
func WithHostVersion(version string) ValidatorOption {
	return func(v *Validator) {
		v.hostVersion = version
	}
}

// WithEngineName sets the engines key that carries the host constraint.
func WithEngineName(name string) ValidatorOption {
	return func(v *Validator) {
		if name != "" {
			v.engineName = name
		}
	}
}

// DefaultValidator returns a shared validator with no host version pinned.
func DefaultValidator() *Validator {
	defaultOnce.Do(func() {
		v, err := NewValidator()
		if err != nil {
			panic(fmt.Sprintf("manifest: compiling built-in schema: %v", err))
		}
		defaultValidator = v
	})
	return defaultValidator
}

// NewValidator reflects and compiles the manifest schema.
func NewValidator(opts ...ValidatorOption) (*Validator, error) {
	v := &Validator{engineName: EngineName}
	for _, opt := range opts {
		opt(v)
	}

	schemaJSON, err := reflectSchema()
	if err != nil {
		return nil, err
	}

	c := validator.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v.schema = compiled
	v.schemaJSON = schemaJSON
	return v, nil
}

func reflectSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	r.AllowAdditionalProperties = true
	r.DoNotReference = true
	r.RequiredFromJSONSchemaTags = true

	s := r.Reflect(&extension.Manifest{})
	s.ID = ""
	s.Version = ""
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated schema: %w", err)
	}
	return b, nil
}

// Schema returns the JSON schema used for validation.
func (v *Validator) Schema() []byte {
	return v.schemaJSON
}

// Decode validates raw JSON manifest bytes and decodes them.
func (v *Validator) Decode(data []byte) (*extension.Manifest, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &extension.ValidationError{Field: "manifest", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := v.schema.Validate(raw); err != nil {
		return nil, schemaError(err)
	}

	var m extension.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &extension.ValidationError{Field: "manifest", Message: err.Error()}
	}
	if err := v.Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate applies the semantic checks to an already decoded manifest.
func (v *Validator) Validate(m *extension.Manifest) error {
	if m == nil {
		return &extension.ValidationError{Field: "manifest", Message: "manifest is required"}
	}
	if err := extension.ValidateID(m.ID); err != nil {
		return &extension.ValidationError{Field: "id", Message: err.Error()}
	}
	if strings.TrimSpace(m.Main) == "" {
		return &extension.ValidationError{Field: "main", Message: "entry module is required"}
	}
	for i, ev := range m.ActivationEvents {
		if strings.TrimSpace(ev) == "" {
			return &extension.ValidationError{Field: fmt.Sprintf("activationEvents[%d]", i), Message: "activation event cannot be empty"}
		}
	}
	if err := checkVersion(m.Version); err != nil {
		return err
	}
	if err := checkEngine(m, v.engineName, v.hostVersion); err != nil {
		return err
	}
	return checkContributions(m)
}

func checkContributions(m *extension.Manifest) error {
	if m.Contributes == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, tool := range m.Contributes.Tools {
		if strings.Contains(tool.Name, "/") {
			return &extension.ValidationError{Field: "contributes.tools", Message: fmt.Sprintf("tool name %q cannot contain '/'", tool.Name)}
		}
		if seen[tool.Name] {
			return &extension.ValidationError{Field: "contributes.tools", Message: fmt.Sprintf("duplicate tool name %q", tool.Name)}
		}
		seen[tool.Name] = true
	}
	servers := make(map[string]bool)
	for _, srv := range m.Contributes.ExternalServers {
		if servers[srv.ID] {
			return &extension.ValidationError{Field: "contributes.externalServers", Message: fmt.Sprintf("duplicate server id %q", srv.ID)}
		}
		servers[srv.ID] = true
	}
	return nil
}

func schemaError(err error) error {
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		return &extension.ValidationError{Field: "manifest", Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if field == "" {
		field = "manifest"
	}
	return &extension.ValidationError{Field: strings.ReplaceAll(field, "/", "."), Message: leaf.Message}
}
