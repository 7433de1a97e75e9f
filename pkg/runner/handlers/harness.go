package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// HarnessHandler builds an artifact in a scratch directory and runs it,
// counting the branch markers it prints.
type HarnessHandler struct{}

// Handle builds and runs one artifact. A build or run that fails is reported
// in the result; only failures to start a process are errors.
func (h *HarnessHandler) Handle(ctx context.Context, params *protocol.HarnessParams, eventCh chan<- *protocol.EventMessage) (*protocol.HarnessResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(params.WorkDir, "seqsynth-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if !params.Keep {
		defer os.RemoveAll(dir)
	}

	name := params.EntryID
	if name == "" {
		name = "artifact"
	}
	vars := map[string]string{
		"{src}": filepath.Join(dir, name+".c"),
		"{bin}": filepath.Join(dir, name),
		"{dir}": dir,
	}
	if err := os.WriteFile(vars["{src}"], []byte(params.Source), 0644); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	sendEvent(eventCh, "debug", "building "+name)
	build := expand(params.Build, vars)
	var buildErr boundedBuffer
	cmd := exec.CommandContext(ctx, build[0], build[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(params.Env)
	cmd.Stdout = &buildErr
	cmd.Stderr = &buildErr
	res, err := runProcess(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	if res.timedOut || res.exitCode != 0 {
		return &protocol.HarnessResult{
			Stage:    protocol.StageBuild,
			ExitCode: res.exitCode,
			Signal:   res.signal,
			TimedOut: res.timedOut,
			Branches: map[string]int{},
			Stderr:   buildErr.String(),
			Duration: res.duration.Seconds(),
		}, nil
	}

	sendEvent(eventCh, "debug", "running "+name)
	run := params.Run
	if len(run) == 0 {
		run = []string{"{bin}"}
	}
	run = expand(run, vars)
	counter := newBranchCounter()
	var stderr boundedBuffer
	cmd = exec.CommandContext(ctx, run[0], run[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(params.Env)
	cmd.Stdout = counter
	cmd.Stderr = &stderr
	res, err = runProcess(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	counter.Flush()

	return &protocol.HarnessResult{
		Stage:    protocol.StageRun,
		ExitCode: res.exitCode,
		Signal:   res.signal,
		TimedOut: res.timedOut,
		Branches: counter.branches,
		Stdout:   counter.out.String(),
		Stderr:   stderr.String(),
		Duration: res.duration.Seconds(),
	}, nil
}

func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}
