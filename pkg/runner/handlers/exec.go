package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// ExecHandler runs a program.
type ExecHandler struct{}

// Handle runs the command, through the shell when no args are given.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		shell := params.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}
	cmd.Dir = params.WorkDir
	cmd.Env = mergeEnv(params.Env)

	var stdout, stderr boundedBuffer
	if params.CaptureOut {
		cmd.Stdout = &stdout
	}
	if params.CaptureErr {
		cmd.Stderr = &stderr
	}

	res, err := runProcess(ctx, cmd)
	if err != nil {
		return nil, err
	}

	result := &protocol.ExecResult{
		ExitCode: res.exitCode,
		Signal:   res.signal,
		TimedOut: res.timedOut,
		Duration: res.duration.Seconds(),
	}
	if params.CaptureOut {
		result.Stdout = stdout.String()
	}
	if params.CaptureErr {
		result.Stderr = stderr.String()
	}
	return result, nil
}

// mergeEnv returns the runner's environment with overrides applied, or nil
// to inherit it unchanged.
func mergeEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
