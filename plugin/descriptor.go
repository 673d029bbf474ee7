package plugin

import (
	"maps"
	"slices"
	"time"
)

// RouteInfo describes a mounted route.
type RouteInfo struct {
	Method string   `json:"method"`
	Path   string   `json:"path"`
	Tags   []string `json:"tags,omitempty"`
}

// TaskInfo describes a scheduled task contribution.
type TaskInfo struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

// AdminEntry is a module's fragment of the admin panel.
type AdminEntry struct {
	ModuleID  string `yaml:"-" json:"moduleId"`
	Name      string `yaml:"name" json:"name"`
	Icon      string `yaml:"icon" json:"icon,omitempty"`
	Component string `yaml:"component" json:"component,omitempty"`
}

// Frontend holds static assets a module adds to the host bundle.
type Frontend struct {
	CSS string `yaml:"css" json:"css,omitempty"`
	JS  string `yaml:"js" json:"js,omitempty"`
}

// Contributions is the summary of what a module added to host surfaces.
type Contributions struct {
	Routes   []RouteInfo `json:"routes"`
	Views    []string    `json:"views"`
	Admin    *AdminEntry `json:"admin,omitempty"`
	Tasks    []TaskInfo  `json:"tasks"`
	Frontend *Frontend   `json:"frontend,omitempty"`
}

// Empty reports whether nothing is contributed.
func (c Contributions) Empty() bool {
	return len(c.Routes) == 0 && len(c.Views) == 0 && c.Admin == nil && len(c.Tasks) == 0 && c.Frontend == nil
}

// Descriptor is the registry's record of one module.
type Descriptor struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Version       string        `json:"version,omitempty"`
	Author        string        `json:"author,omitempty"`
	Description   string        `json:"description,omitempty"`
	Category      string        `json:"category,omitempty"`
	Namespace     string        `json:"namespace"`
	Entrypoint    string        `json:"entrypoint,omitempty"`
	Permissions   []string      `json:"permissions,omitempty"`
	Enabled       bool          `json:"enabled"`
	State         State         `json:"state"`
	ArtifactPath  string        `json:"artifactPath,omitempty"`
	Checksum      string        `json:"checksum,omitempty"`
	LoadedAt      time.Time     `json:"loadedAt,omitzero"`
	LastError     string        `json:"lastError,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Contributions Contributions `json:"contributions"`
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Permissions = slices.Clone(d.Permissions)
	c.Contributions = d.Contributions.clone()
	return &c
}

func (c Contributions) clone() Contributions {
	out := Contributions{
		Views: slices.Clone(c.Views),
		Tasks: slices.Clone(c.Tasks),
	}
	if c.Routes != nil {
		out.Routes = make([]RouteInfo, len(c.Routes))
		for i, r := range c.Routes {
			r.Tags = slices.Clone(r.Tags)
			out.Routes[i] = r
		}
	}
	if c.Admin != nil {
		a := *c.Admin
		out.Admin = &a
	}
	if c.Frontend != nil {
		f := *c.Frontend
		out.Frontend = &f
	}
	return out
}

// applyManifest copies manifest metadata onto d.
func (d *Descriptor) applyManifest(m *Manifest) {
	d.Name = m.Name
	d.Version = m.Version
	d.Author = m.Author
	d.Description = m.Description
	d.Category = m.Category
	d.Namespace = m.Namespace
	d.Entrypoint = m.Entrypoint
	d.Permissions = slices.Clone(m.Permissions)
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return maps.Clone(in)
}
