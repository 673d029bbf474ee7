package plugin

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Artifact file suffixes. The module id is the file name without the suffix.
const (
	ArtifactSuffix    = ".plugin.yaml"
	ArtifactSuffixAlt = ".plugin.yml"
)

var (
	idPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	viewPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// ValidID reports whether id may name a module.
func ValidID(id string) bool { return len(id) <= 64 && idPattern.MatchString(id) }

// ValidViewName reports whether name may name a view template.
func ValidViewName(name string) bool { return len(name) <= 64 && viewPattern.MatchString(name) }

// IDFromFilename derives a module id from an artifact file name. ok is false
// when the name lacks an artifact suffix or yields an invalid id.
func IDFromFilename(name string) (id string, ok bool) {
	base := filepath.Base(name)
	for _, suffix := range []string{ArtifactSuffix, ArtifactSuffixAlt} {
		if strings.HasSuffix(base, suffix) {
			id = strings.TrimSuffix(base, suffix)
			return id, ValidID(id)
		}
	}
	return "", false
}

// IsArtifactFile reports whether name carries an artifact suffix.
func IsArtifactFile(name string) bool {
	_, ok := IDFromFilename(name)
	return ok
}

// Manifest is the declarative content of an artifact.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author" json:"author"`
	Description string `yaml:"description" json:"description"`
	Category    string `yaml:"category" json:"category"`

	// Entrypoint names the compiled-in factory that implements the module.
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`
	// Namespace scopes routes, views and events. Defaults to the module id.
	Namespace string `yaml:"namespace" json:"namespace"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`
	// Requires is a version constraint on HostVersion.
	Requires       string   `yaml:"requires" json:"requires,omitempty"`
	Permissions    []string `yaml:"permissions" json:"permissions,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`

	Config   map[string]any    `yaml:"config" json:"config,omitempty"`
	Views    map[string]string `yaml:"views" json:"views,omitempty"`
	Admin    *AdminEntry       `yaml:"admin" json:"admin,omitempty"`
	Frontend *Frontend         `yaml:"frontend" json:"frontend,omitempty"`
}

// ParseManifest decodes and validates an artifact for module id, filling in
// defaults. Unknown fields are rejected so typos surface at upload time.
func ParseManifest(id string, data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("manifest: empty artifact")
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if m.Name == "" {
		m.Name = id
	}
	if m.Namespace == "" {
		m.Namespace = id
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsEnabled reports the manifest's enabled flag, defaulting to true.
func (m *Manifest) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// Validate checks required fields and declared contributions.
func (m *Manifest) Validate() error {
	if m.Entrypoint == "" {
		return fmt.Errorf("manifest: entrypoint is required")
	}
	if !ValidID(m.Namespace) {
		return fmt.Errorf("manifest: namespace %q must be lowercase alphanumeric with - or _", m.Namespace)
	}
	if m.Version != "" {
		if _, err := ParseSemver(m.Version); err != nil {
			return fmt.Errorf("manifest: invalid version %q: %w", m.Version, err)
		}
	}
	if m.Requires != "" {
		c, err := ParseConstraint(m.Requires)
		if err != nil {
			return fmt.Errorf("manifest: invalid requires %q: %w", m.Requires, err)
		}
		host, _ := ParseSemver(HostVersion)
		if !c.Check(host) {
			return fmt.Errorf("manifest: requires %s but host is %s", m.Requires, HostVersion)
		}
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("manifest: timeoutSeconds must not be negative")
	}
	for name, src := range m.Views {
		if err := validateView(name, src); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}
	if m.Admin != nil && m.Admin.Name == "" {
		return fmt.Errorf("manifest: admin entry name is required")
	}
	return nil
}

func validateView(name, src string) error {
	if !ValidViewName(name) {
		return fmt.Errorf("invalid view name %q", name)
	}
	if _, err := template.New(name).Parse(src); err != nil {
		return fmt.Errorf("view %q: %w", name, err)
	}
	return nil
}
