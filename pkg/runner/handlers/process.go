// Package handlers implements the commands a seqsynth-runner executes.
package handlers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// MaxCapturedOutput bounds the stdout and stderr kept per process.
const MaxCapturedOutput = 64 * 1024

// waitDelay is how long a killed process may keep its pipes open.
const waitDelay = 2 * time.Second

// processResult is the outcome of one child process.
type processResult struct {
	exitCode int
	signal   string
	timedOut bool
	duration time.Duration
}

// runProcess runs cmd until it exits or ctx expires. Only failures to start
// the process are returned as errors; abnormal exits are reported in the result.
func runProcess(ctx context.Context, cmd *exec.Cmd) (*processResult, error) {
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := &processResult{duration: time.Since(start)}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
		res.exitCode = -1
		return res, nil
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	res.exitCode = exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		res.signal = status.Signal().String()
	}
	return res, nil
}

// boundedBuffer keeps the first MaxCapturedOutput bytes written to it.
type boundedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := MaxCapturedOutput - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}

// branchCounter collects branch marker lines from a harness's stdout and
// keeps the rest as bounded output.
type branchCounter struct {
	partial  []byte
	branches map[string]int
	out      boundedBuffer
}

func newBranchCounter() *branchCounter {
	return &branchCounter{branches: make(map[string]int)}
}

func (c *branchCounter) Write(p []byte) (int, error) {
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		c.line(c.partial[:i])
		c.partial = c.partial[i+1:]
	}
	return len(p), nil
}

// Flush handles a final line without a trailing newline.
func (c *branchCounter) Flush() {
	if len(c.partial) > 0 {
		c.line(c.partial)
		c.partial = nil
	}
}

func (c *branchCounter) line(l []byte) {
	s := strings.TrimRight(string(l), "\r")
	if id, ok := strings.CutPrefix(s, protocol.BranchMarker); ok {
		if id = strings.TrimSpace(id); id != "" {
			c.branches[id]++
		}
		return
	}
	_, _ = c.out.Write([]byte(s + "\n"))
}

// CountBranches parses harness output that was captured elsewhere.
func CountBranches(output string) map[string]int {
	c := newBranchCounter()
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), protocol.MaxMessageSize)
	for sc.Scan() {
		c.line(sc.Bytes())
	}
	return c.branches
}

func sendEvent(eventCh chan<- *protocol.EventMessage, level, message string) {
	if eventCh == nil {
		return
	}
	select {
	case eventCh <- &protocol.EventMessage{Level: level, Message: message}:
	default:
	}
}
