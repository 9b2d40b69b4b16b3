package edge

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

// hostAPIConstraint is the plugin ABI range this build can host. Plugins
// declaring an api outside the range are refused before any code runs.
const hostAPIConstraint = ">=1.0.0 <2.0.0"

// Manifest describes a capability plugin. It sits next to the plugin
// binary as manifest.json.
type Manifest struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	API     string   `json:"api"`
	Modules []string `json:"modules,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read plugin manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parse plugin manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks required fields and the host API range.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest missing name")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("invalid plugin version %q: %w", m.Version, err)
	}
	constraint, err := semver.NewConstraint(hostAPIConstraint)
	if err != nil {
		return fmt.Errorf("invalid host api constraint: %w", err)
	}
	apiV, err := semver.NewVersion(m.API)
	if err != nil {
		return fmt.Errorf("invalid plugin api version %q: %w", m.API, err)
	}
	if !constraint.Check(apiV) {
		return fmt.Errorf("plugin %s declares api %s, host accepts %s", m.Name, m.API, hostAPIConstraint)
	}
	return nil
}
