package all

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/GoCodeAlone/nexus/plugin"
)

func TestEntrypointsRegistered(t *testing.T) {
	names := Entrypoints()
	for _, want := range []string{"example", "status"} {
		if !slices.Contains(names, want) {
			t.Errorf("entrypoint %q not registered, have %v", want, names)
		}
	}
}

func TestExampleArtifactsValidate(t *testing.T) {
	loader := plugin.NewLoader(filepath.Join("..", "..", "examples", "plugins"), plugin.DefaultCatalog())
	arts, err := loader.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) < 2 {
		t.Fatalf("expected the shipped artifacts, found %v", arts)
	}
	for _, a := range arts {
		if _, _, err := loader.Inspect(a); err != nil {
			t.Errorf("%s: %v", a.ID, err)
		}
	}
}
