package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kpal-project/kpal/internal/registry"
)

func TestDiscoverSkipsNonLibraryFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"README.md", "notes.txt", "plugin.so.bak"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	reg := registry.NewLibraries()
	results, err := Discover(dir, reg, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0 (no shared objects present)", len(results))
	}
	if len(reg.List()) != 0 {
		t.Fatal("registry should stay empty when nothing loads")
	}
}

func TestDiscoverMissingDirIsError(t *testing.T) {
	reg := registry.NewLibraries()
	if _, err := Discover(filepath.Join(t.TempDir(), "nope"), reg, nil); err == nil {
		t.Fatal("expected error reading a nonexistent directory")
	}
}

func TestDiscoverReportsUnloadableCandidate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken"+sharedObjectSuffix()), []byte("not an elf file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := registry.NewLibraries()
	results, err := Discover(dir, reg, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("got %+v, want one failing result", results)
	}
	if len(reg.List()) != 0 {
		t.Fatal("a failed load must not register a library")
	}
}
