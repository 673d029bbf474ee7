// Package all provides a single import point for the built-in modules.
// Importing it registers every standard entrypoint in the default catalog:
//
//	import _ "github.com/GoCodeAlone/nexus/plugins/all"
//
// Hosts that want a subset import the individual module packages instead.
package all

import (
	"github.com/GoCodeAlone/nexus/plugin"
	_ "github.com/GoCodeAlone/nexus/plugins/example"
	_ "github.com/GoCodeAlone/nexus/plugins/status"
)

// Entrypoints returns the names registered in the default catalog.
func Entrypoints() []string {
	return plugin.DefaultCatalog().Names()
}
