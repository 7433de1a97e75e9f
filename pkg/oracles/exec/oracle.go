// Package exec scores sequences by compiling and running them against the
// real library. Each candidate is rendered as a C artifact plus a main
// driver and handed to a seqsynth-runner, which builds it with the
// configured harness command, runs it under a wall-clock limit and counts
// the branch markers the instrumented library prints.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/artifact"
	"github.com/seqsynth/seqsynth/pkg/engine"
	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// Runner executes one protocol command. *client.Pool and *client.Client
// implement it.
type Runner interface {
	Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error)
}

// Config describes how candidates are built and run.
type Config struct {
	// Build and Run are argv templates; see protocol.HarnessParams.
	Build []string
	Run   []string
	Env   map[string]string

	// Timeout bounds one candidate when the context carries no deadline.
	Timeout time.Duration

	// WorkDir is where the runner creates scratch directories.
	WorkDir string

	// Keep leaves scratch directories behind for inspection.
	Keep bool
}

// grace is kept back from the context deadline so the runner can report a
// timed-out run before the caller gives up on it.
const grace = 500 * time.Millisecond

// Oracle implements engine.Oracle by executing candidates.
type Oracle struct {
	catalog *engine.Catalog
	runner  Runner
	config  Config
	logger  zerolog.Logger
	seq     atomic.Uint64
}

// New creates an exec oracle.
func New(catalog *engine.Catalog, runner Runner, config Config, logger zerolog.Logger) (*Oracle, error) {
	if len(config.Build) == 0 {
		return nil, fmt.Errorf("exec oracle requires a build command")
	}
	if config.Timeout <= 0 {
		config.Timeout = engine.DefaultExecutionTimeout
	}
	return &Oracle{
		catalog: catalog,
		runner:  runner,
		config:  config,
		logger:  logger.With().Str("component", "oracle").Str("oracle", "exec").Logger(),
	}, nil
}

// Name implements engine.Oracle.
func (o *Oracle) Name() string {
	return "exec"
}

// Score implements engine.Oracle.
func (o *Oracle) Score(ctx context.Context, seq engine.Sequence) (*engine.QualityRecord, error) {
	id := fmt.Sprintf("cand_%06d", o.seq.Add(1))
	src, err := Source(o.catalog, id, seq)
	if err != nil {
		return nil, engine.NewContractViolation("sequence cannot be rendered").WithDetail("error", err.Error())
	}

	timeout := o.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline) - grace; remaining < timeout {
			timeout = remaining
		}
	}

	cmd, err := protocol.NewCommand(id, protocol.CommandTypeHarnessRun, timeout, &protocol.HarnessParams{
		Library: o.catalog.Library,
		EntryID: id,
		Source:  string(src),
		Build:   o.config.Build,
		Run:     o.config.Run,
		WorkDir: o.config.WorkDir,
		Env:     o.config.Env,
		Keep:    o.config.Keep,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create harness command: %w", err)
	}

	done, err := o.runner.Execute(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var protoErr *protocol.ErrorMessage
		if errors.As(err, &protoErr) {
			return nil, engine.NewPermanentError("harness could not be executed", err).WithCode(protoErr.Code)
		}
		return nil, engine.NewPermanentError("runner failed", err)
	}

	var res protocol.HarnessResult
	if err := protocol.ParseParams(done.Result, &res); err != nil {
		return nil, engine.NewPermanentError("runner sent an unreadable result", err)
	}

	o.logger.Debug().
		Str("candidate", id).
		Str("stage", res.Stage).
		Int("exit_code", res.ExitCode).
		Str("signal", res.Signal).
		Int("branches", len(res.Branches)).
		Msg("Candidate executed")

	if fault := Classify(&res); fault != nil {
		return nil, fault
	}
	if res.Stage == protocol.StageBuild {
		return nil, fmt.Errorf("candidate %s failed to build (exit %d): %s", id, res.ExitCode, res.Stderr)
	}
	if res.ExitCode != engine.ExpectedReturn {
		return nil, fmt.Errorf("%w: candidate %s exited %d", engine.ErrIncomplete, id, res.ExitCode)
	}
	return engine.BuildQuality(o.catalog, seq, o.declaredHits(res.Branches)), nil
}

// declaredHits drops markers for branches the catalog does not declare.
func (o *Oracle) declaredHits(branches map[string]int) map[string]int {
	declared := make(map[string]bool)
	for _, op := range o.catalog.Operations {
		for _, b := range op.Branches {
			declared[b.ID] = true
		}
	}
	hits := make(map[string]int, len(branches))
	for id, n := range branches {
		if declared[id] {
			hits[id] = n
		} else {
			o.logger.Debug().Str("branch", id).Msg("Ignoring undeclared branch marker")
		}
	}
	return hits
}

// Classify maps a run result to an execution fault. It returns nil for
// build-stage results, for runs that returned the expected value and for
// runs that returned 0 from a NULL guard, which Score reports as ErrIncomplete.
func Classify(res *protocol.HarnessResult) *engine.ExecutionFault {
	if res.Stage != protocol.StageRun {
		return nil
	}
	duration := time.Duration(res.Duration * float64(time.Second))
	output := res.Stderr

	switch {
	case res.TimedOut:
		return &engine.ExecutionFault{Kind: engine.FaultTimeout, ExitCode: -1, Duration: duration, Output: output}
	case res.Signal != "":
		return &engine.ExecutionFault{Kind: engine.FaultCrash, Reason: res.Signal, ExitCode: res.ExitCode, Duration: duration, Output: output}
	case res.ExitCode == engine.SanitizerExitCode:
		return &engine.ExecutionFault{Kind: engine.FaultCrash, Reason: "sanitizer", ExitCode: res.ExitCode, Duration: duration, Output: output}
	case res.ExitCode == engine.ExpectedReturn, res.ExitCode == 0:
		return nil
	default:
		return &engine.ExecutionFault{Kind: engine.FaultCrash, Reason: "abnormal", ExitCode: res.ExitCode, Duration: duration, Output: output}
	}
}

// Source renders seq as a compilable program: the artifact followed by a
// main that returns the test function's result.
func Source(catalog *engine.Catalog, id string, seq engine.Sequence) ([]byte, error) {
	data, err := artifact.Emit(engine.Entry{ID: id, Sequence: seq}, catalog)
	if err != nil {
		return nil, err
	}
	driver := fmt.Sprintf("\nint main(void) {\n    return %s();\n}\n", artifact.FunctionName(catalog.Library))
	return append(data, driver...), nil
}
