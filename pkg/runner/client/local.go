package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LocalTransport runs the runner as a child process on this host.
type LocalTransport struct {
	// Args are passed to the runner.
	Args []string
	// Stderr receives the runner's stderr. Nil discards it.
	Stderr io.Writer
	// ExitTimeout is how long Close waits before killing the runner.
	ExitTimeout time.Duration
}

// Upload copies the binary unless both paths name the same file.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if filepath.Clean(localPath) == filepath.Clean(remotePath) {
		if _, err := os.Stat(localPath); err != nil {
			return fmt.Errorf("runner binary not found: %w", err)
		}
		return nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open runner binary: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0755); err != nil {
		return fmt.Errorf("failed to create runner directory: %w", err)
	}
	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create runner copy: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy runner: %w", err)
	}
	return dst.Close()
}

// Execute starts the runner. Closing the returned stdout waits for the
// process, killing it after ExitTimeout.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.Command(remotePath, t.Args...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start runner: %w", err)
	}

	timeout := t.ExitTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return stdin, &processOutput{ReadCloser: stdout, cmd: cmd, timeout: timeout}, nil
}

// Cleanup removes the copied binary.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// processOutput reaps the runner when its stdout is closed.
type processOutput struct {
	io.ReadCloser
	cmd     *exec.Cmd
	timeout time.Duration
}

func (p *processOutput) Close() error {
	waited := make(chan error, 1)
	go func() { waited <- p.cmd.Wait() }()

	select {
	case <-waited:
	case <-time.After(p.timeout):
		_ = p.cmd.Process.Kill()
		<-waited
	}
	return nil
}
