package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// defines one definition named after the schema (catalog -> #Catalog).
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants and compile.
	_ = sr.RegisterSchema("catalog", "#Catalog", builtinCatalogSchema)
	_ = sr.RegisterSchema("run", "#Run", builtinRunSchema)

	return sr
}

// RegisterSchema compiles source and registers the named definition in it.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies a named schema to a value built by the same registry context.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Context returns the CUE context values must be built with before Unify.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinCatalogSchema = `
#Ident: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"

#State: "created" | "configured" | "attached" | "detached" | "borrowed" | "freed" | "invalid"

#LiveState: "created" | "configured" | "attached" | "detached" | "borrowed"

#Literal: {
	type:  "string" | "int" | "float" | "null" | "symbol"
	value: string | *""
}

#Param: {
	name: #Ident
	kind: "literal" | "resource" | "derived"
	if kind == "resource" {
		role: #Ident
		states?: [...#LiveState]
		by_ref?:   bool
		owned_by?: #Ident
	}
	if kind == "literal" {
		values: [#Literal, ...#Literal]
	}
	if kind == "derived" {
		derived: #Ident
		of:      #Ident
	}
}

#Returns: {
	kind: "resource" | "derived"
	if kind == "resource" {
		role:   #Ident
		state?: #LiveState
		owner?: string
		out?:   int & >=0
	}
	if kind == "derived" {
		derived: #Ident
		of:      #Ident
		ctype:   string
	}
}

#Effect: {
	kind:   "set_state" | "free" | "transfer" | "detach" | "invalidate" | "mutate"
	target: #Ident
	if kind == "set_state" {
		state: #LiveState
	}
	if kind == "transfer" {
		owner:  #Ident
		state?: #LiveState
	}
}

#Branch: {
	id:     string & !=""
	param?: #Ident
	states?: [...#State]
	value?: string
}

#Operation: {
	name: #Ident
	params?: [...#Param]
	returns?:         #Returns
	effects?:         [...#Effect]
	failure_mode?:    "none" | "may_return_null" | "may_fail"
	safe_on_invalid?: bool
	critical?:        bool
	branches?: [...#Branch]
	description?: string
}

#Role: {
	name:         #Ident
	ctype:        string & !=""
	description?: string
}

#Catalog: {
	library: string & !=""
	headers?: [...string]
	roles: [...#Role]
	operations: [#Operation, ...#Operation]
}
`

const builtinRunSchema = `
#Run: {
	library?:    string
	catalog?:    string
	database?:   string
	output_dir?: string
	ban?: [...string]
	fuzz?: {
		workers?:                int & >=1
		samples_per_round?:      int & >=0
		combinations_per_round?: int & >=0
		parent_pool?:            int & >=0
		max_rounds?:             int & >=0
		quiet_rounds?:           int & >=1
		score_timeout?:          string
		seed?:                   int
		recheck?:                bool
		disable_power_schedule?: bool
		synth?: {...}
	}
	ranking?: {
		weights?: {[string]: number}
		script?:  string
		timeout?: string
	}
	oracle?: {
		kind?: "static" | "exec" | "wasm"
		...
	}
	policy?: {...}
	telemetry?: {...}
}
`
