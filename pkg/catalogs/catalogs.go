// Package catalogs embeds the operation catalogs seqsynth ships for its
// target libraries.
package catalogs

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
)

//go:embed *.cue
var files embed.FS

type source struct {
	library string
	file    string
	data    []byte
	err     error
}

// registry indexes catalog files by lower-case library name. A file that
// fails to load is indexed by its base name and only disables itself.
type registry struct {
	sources map[string]source
	err     error
}

func newRegistry(fsys fs.FS) *registry {
	r := &registry{sources: make(map[string]source)}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		r.err = fmt.Errorf("failed to list built-in catalogs: %w", err)
		return r
	}
	loader := config.NewCatalogLoader()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cue") {
			continue
		}
		key := strings.ToLower(strings.TrimSuffix(e.Name(), ".cue"))
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			r.sources[key] = source{file: e.Name(), err: fmt.Errorf("failed to read built-in catalog %s: %w", e.Name(), err)}
			continue
		}
		loaded, err := loader.LoadBytes(e.Name(), data)
		if err != nil {
			r.sources[key] = source{file: e.Name(), data: data, err: fmt.Errorf("built-in catalog %s: %w", e.Name(), err)}
			continue
		}
		lib := loaded.Catalog.Library
		r.sources[strings.ToLower(lib)] = source{library: lib, file: e.Name(), data: data}
	}
	return r
}

func (r *registry) names() []string {
	names := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		if src.err == nil {
			names = append(names, src.library)
		}
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names
}

func (r *registry) lookup(name string) (source, error) {
	if r.err != nil {
		return source{}, r.err
	}
	src, ok := r.sources[strings.ToLower(name)]
	if !ok {
		return source{}, engine.NewCatalogError("no built-in catalog for library", nil).
			WithDetail("library", name).WithDetail("known", r.names())
	}
	if src.err != nil {
		return source{}, src.err
	}
	return src, nil
}

// broken joins the load errors of every file, sorted by file name.
func (r *registry) broken() error {
	if r.err != nil {
		return r.err
	}
	var failed []source
	for _, src := range r.sources {
		if src.err != nil {
			failed = append(failed, src)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].file < failed[j].file })
	errs := make([]error, len(failed))
	for i, src := range failed {
		errs[i] = src.err
	}
	return errors.Join(errs...)
}

var builtin = sync.OnceValue(func() *registry { return newRegistry(files) })

// Names returns the library names of the built-in catalogs that load, in
// case-insensitive order. Err reports the ones that do not.
func Names() []string {
	return builtin().names()
}

// Err returns the load errors of broken built-in catalogs, or nil.
func Err() error {
	return builtin().broken()
}

// Load decodes and validates the built-in catalog of a library. Names match
// case-insensitively. Every call returns a fresh catalog.
func Load(name string) (*engine.Catalog, error) {
	src, err := builtin().lookup(name)
	if err != nil {
		return nil, err
	}
	loaded, err := config.NewCatalogLoader().LoadBytes(src.file, src.data)
	if err != nil {
		return nil, err
	}
	return loaded.Catalog, nil
}

// Source returns the CUE text of a built-in catalog.
func Source(name string) ([]byte, error) {
	src, err := builtin().lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src.data...), nil
}
