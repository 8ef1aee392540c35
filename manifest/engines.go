package manifest

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/reglet-dev/reglet-exthost/extension"
)

// EngineName is the engines key extensions use to constrain the host version.
const EngineName = "exthost"

func checkVersion(version string) error {
	if version == "" {
		return nil
	}
	if _, err := semver.NewVersion(version); err != nil {
		return &extension.ValidationError{Field: "version", Message: fmt.Sprintf("invalid version %q: %v", version, err)}
	}
	return nil
}

// checkEngine rejects manifests whose engines constraint excludes the host.
// A host version that is not semver (development builds) matches everything.
func checkEngine(m *extension.Manifest, engine, hostVersion string) error {
	constraint, ok := m.Engines[engine]
	if !ok || constraint == "" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return &extension.ValidationError{
			Field:   "engines." + engine,
			Message: fmt.Sprintf("invalid version constraint %q: %v", constraint, err),
		}
	}

	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil
	}
	if !c.Check(host) {
		return &extension.ValidationError{
			Field:   "engines." + engine,
			Message: fmt.Sprintf("host version %s does not satisfy %q", host.Original(), constraint),
		}
	}
	return nil
}

// LoadFile reads and validates a manifest file. The format follows the
// file extension; anything other than .yaml/.yml is parsed as JSON.
func LoadFile(path string, v *Validator) (*extension.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // manifest path supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParserFor(path, v).Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}
