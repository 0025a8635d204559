// Package loader discovers and loads plugin shared objects (spec.md
// §4.2). It walks a configured directory non-recursively, filters
// candidates by the platform's shared-object suffix, and hands each one
// to internal/ffi.Open. A library that fails to load — missing symbols,
// wrong ABI version, a non-zero kpal_library_init — is logged and
// skipped; one bad file never aborts discovery of the rest.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/kpal-project/kpal/internal/abi"
	"github.com/kpal-project/kpal/internal/ffi"
	"github.com/kpal-project/kpal/internal/registry"
)

// sharedObjectSuffix is the platform's dynamic library extension. KPAL
// targets POSIX hosts; Windows .dll loading would need its own loader
// backend (LoadLibrary/GetProcAddress) and is out of scope here.
func sharedObjectSuffix() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}
	return ".so"
}

// Result reports the outcome of loading one candidate file.
type Result struct {
	Path    string
	Library abi.Library // nil on failure
	Err     error
}

// Discover walks dir for shared-object candidates, loads each, and
// returns a Result per candidate file for startup logging: a loaded
// library carries its Library, a failed one its Err. Registered
// libraries are inserted into reg with freshly allocated ids; reg must
// not yet be frozen.
func Discover(dir string, reg *registry.Libraries, log *zap.Logger) ([]Result, error) {
	if log == nil {
		log = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", dir, err)
	}

	suffix := sharedObjectSuffix()
	var results []Result

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if filepath.Ext(name) != suffix {
			continue
		}
		path := filepath.Join(dir, name)

		lib, err := ffi.Open(path)
		if err != nil {
			log.Warn("skipping plugin library", zap.String("path", path), zap.Error(err))
			results = append(results, Result{Path: path, Err: err})
			continue
		}

		id := reg.Insert(lib, lib.Name())
		log.Info("loaded plugin library", zap.String("path", path), zap.String("library", lib.Name()), zap.Uint32("library_id", id))
		results = append(results, Result{Path: path, Library: lib})
	}

	return results, nil
}
