package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/seqsynth/seqsynth/pkg/engine"
)

// LoadError carries the located problems found while loading a catalog.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 0 {
		return "catalog load failed"
	}
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		loc := ve.File
		if ve.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
		}
		if loc == "" {
			parts[i] = ve.Message
		} else {
			parts[i] = loc + ": " + ve.Message
		}
	}
	return strings.Join(parts, "; ")
}

// CatalogLoader reads operation catalogs written in CUE, checks them against
// the #Catalog schema and decodes them into engine catalogs.
type CatalogLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCatalogLoader creates a new catalog loader.
func NewCatalogLoader() *CatalogLoader {
	return &CatalogLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads catalog sources. Each source is a .cue file or a directory
// holding one CUE package; all sources are unified into one catalog.
// Every failure is a catalog inconsistency.
func (cl *CatalogLoader) Load(ctx context.Context, sources ...string) (*LoadedCatalog, error) {
	if len(sources) == 0 {
		return nil, engine.NewCatalogError("no catalog sources provided", nil)
	}

	var value cue.Value
	var files []string
	var problems []ValidationError
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil {
			return nil, engine.NewCatalogError(fmt.Sprintf("failed to stat catalog source %s", source), err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var dirFiles []string
			val, dirFiles, errs = cl.loadDirectory(source)
			files = append(files, dirFiles...)
		} else {
			val, errs = cl.loadFile(source)
			files = append(files, source)
		}
		problems = append(problems, errs...)
		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}
	if len(problems) > 0 {
		return nil, engine.NewCatalogError("catalog failed to parse", &LoadError{Errors: problems})
	}

	return cl.decode(value, files)
}

// LoadBytes reads a single catalog held in memory.
func (cl *CatalogLoader) LoadBytes(name string, data []byte) (*LoadedCatalog, error) {
	val := cl.schemas.Context().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, engine.NewCatalogError("catalog failed to parse", &LoadError{Errors: convertCUEErrors(err)})
	}
	return cl.decode(val, []string{name})
}

// LoadString reads an inline catalog.
func (cl *CatalogLoader) LoadString(content string) (*LoadedCatalog, error) {
	return cl.LoadBytes("inline", []byte(content))
}

// loadDirectory loads a directory as a CUE package.
func (cl *CatalogLoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cl.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cl *CatalogLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := cl.schemas.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode applies the schema, decodes the catalog and checks its contracts.
func (cl *CatalogLoader) decode(val cue.Value, files []string) (*LoadedCatalog, error) {
	unified, err := cl.schemas.Unify("catalog", val)
	if err != nil {
		return nil, engine.NewCatalogError("catalog does not match schema", &LoadError{Errors: convertCUEErrors(err)})
	}

	var catalog engine.Catalog
	if err := unified.Decode(&catalog); err != nil {
		return nil, engine.NewCatalogError("failed to decode catalog", err)
	}
	if err := cl.validator.Struct(&catalog); err != nil {
		return nil, engine.NewCatalogError("catalog failed field validation", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	return &LoadedCatalog{
		Catalog:     &catalog,
		SourceFiles: files,
		LoadedAt:    time.Now(),
	}, nil
}

// ExportJSON renders a catalog as indented JSON.
func ExportJSON(catalog *engine.Catalog) ([]byte, error) {
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return data, nil
}

// FindCatalogFiles lists the .cue files below dir in lexical order.
func FindCatalogFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// convertCUEErrors converts CUE errors to located validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
