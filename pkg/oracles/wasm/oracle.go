// Package wasm scores sequences with a WebAssembly module run under wazero.
//
// A scoring module exports its linear memory and three functions:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	score(ptr i32, len i32) i64
//
// score receives a JSON Request and returns the location of a JSON Response
// packed as ptr<<32 | len. Every Score call gets a fresh instance, so a
// module cannot carry state from one candidate to the next.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/oracles/wasm/guest"
)

// Request and Response are the documents exchanged with the module.
type (
	Request  = guest.Request
	Response = guest.Response
)

// Config configures the wasm runtime.
type Config struct {
	// Timeout bounds one score call when the context carries no deadline.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages. Default is 256 (16MB).
	MemoryLimitPages uint32
}

// Oracle implements engine.Oracle with a wasm scoring module.
type Oracle struct {
	catalog  *engine.Catalog
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   zerolog.Logger
}

// New compiles module and prepares a runtime for it.
func New(ctx context.Context, catalog *engine.Catalog, module []byte, config Config, logger zerolog.Logger) (*Oracle, error) {
	if config.Timeout <= 0 {
		config.Timeout = engine.DefaultExecutionTimeout
	}
	if config.MemoryLimitPages == 0 {
		config.MemoryLimitPages = 256
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile scoring module: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{"malloc", "free", "score"} {
		if _, ok := exports[name]; !ok {
			runtime.Close(ctx)
			return nil, fmt.Errorf("scoring module does not export %s", name)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		runtime.Close(ctx)
		return nil, fmt.Errorf("scoring module does not export memory")
	}

	return &Oracle{
		catalog:  catalog,
		runtime:  runtime,
		compiled: compiled,
		timeout:  config.Timeout,
		logger:   logger.With().Str("component", "oracle").Str("oracle", "wasm").Logger(),
	}, nil
}

// Load reads a module from disk and calls New.
func Load(ctx context.Context, catalog *engine.Catalog, path string, config Config, logger zerolog.Logger) (*Oracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring module: %w", err)
	}
	return New(ctx, catalog, data, config, logger)
}

// Name implements engine.Oracle.
func (o *Oracle) Name() string {
	return "wasm"
}

// Score implements engine.Oracle. A trap inside the module is reported as a
// crash; running past the deadline returns the context error.
func (o *Oracle) Score(ctx context.Context, seq engine.Sequence) (*engine.QualityRecord, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	input, err := json.Marshal(o.request(seq))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	mod, err := o.runtime.InstantiateModule(ctx, o.compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize"))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewPermanentError("failed to instantiate scoring module", err)
	}
	defer mod.Close(context.Background())

	output, err := call(ctx, mod, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Debug().Err(err).Msg("Scoring module trapped")
		return nil, &engine.ExecutionFault{
			Kind:     engine.FaultCrash,
			Reason:   "trap",
			ExitCode: -1,
			Duration: time.Since(start),
			Output:   err.Error(),
		}
	}

	var resp Response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("scoring module returned invalid JSON: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scoring module: %s", resp.Error)
	}
	if resp.Crash != "" {
		return nil, &engine.ExecutionFault{
			Kind:     engine.FaultCrash,
			Reason:   resp.Crash,
			ExitCode: -1,
			Duration: time.Since(start),
		}
	}
	return engine.BuildQuality(o.catalog, seq, o.declared(resp.Branches)), nil
}

func (o *Oracle) request(seq engine.Sequence) Request {
	req := Request{Library: o.catalog.Library, Calls: seq.Calls, Branches: []string{}}
	seen := make(map[string]bool)
	for _, c := range seq.Calls {
		if seen[c.Op] {
			continue
		}
		seen[c.Op] = true
		if op, ok := o.catalog.Operation(c.Op); ok {
			for _, b := range op.Branches {
				req.Branches = append(req.Branches, b.ID)
			}
		}
	}
	return req
}

func (o *Oracle) declared(branches map[string]int) map[string]int {
	hits := make(map[string]int, len(branches))
	for _, op := range o.catalog.Operations {
		for _, b := range op.Branches {
			if n := branches[b.ID]; n > 0 {
				hits[b.ID] = n
			}
		}
	}
	return hits
}

// call writes input into module memory, invokes score and copies the
// response out.
func call(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	score := mod.ExportedFunction("score")
	memory := mod.Memory()

	results, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return nil, fmt.Errorf("malloc returned null pointer")
	}
	defer free.Call(ctx, uint64(ptr))

	if !memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write request to module memory")
	}

	results, err = score.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("score failed: %w", err)
	}
	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}

	out, ok := memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("response out of module memory bounds")
	}
	// Read returns a view into memory that the next call may overwrite.
	return append([]byte(nil), out...), nil
}

// Close releases the runtime.
func (o *Oracle) Close(ctx context.Context) error {
	return o.runtime.Close(ctx)
}
