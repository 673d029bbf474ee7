package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps entrypoint names to compiled-in factories. Artifacts can only
// name entrypoints present in the catalog.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (c *Catalog) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("entrypoint name is required")
	}
	if f == nil {
		return fmt.Errorf("entrypoint %q: factory is nil", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("entrypoint %q is already registered", name)
	}
	c.factories[name] = f
	return nil
}

// Lookup returns the factory registered under name.
func (c *Catalog) Lookup(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered entrypoints sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var defaultCatalog = NewCatalog()

// DefaultCatalog returns the process-wide catalog populated by RegisterFactory.
func DefaultCatalog() *Catalog { return defaultCatalog }

// RegisterFactory registers f in the default catalog. It is meant to be
// called from init functions and panics on duplicates.
func RegisterFactory(name string, f Factory) {
	if err := defaultCatalog.Register(name, f); err != nil {
		panic(err)
	}
}
