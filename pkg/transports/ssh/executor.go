package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs cmd on the remote host. A command that ran and exited
// non-zero is reported through ExecResult.ExitCode, not as an error. Without
// a ctx deadline the command is bounded by Config.CommandTimeout.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	if execErr == nil {
		return result, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	result.ExitCode = -1
	return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
}

// StartProcess starts cmd in a new session and returns its stdin and
// stdout. Remote stderr goes to stderr, or is discarded when nil. Closing
// the returned stdout waits up to exitTimeout for the command to finish and
// then closes the session.
func (c *SSHClient) StartProcess(ctx context.Context, cmd string, stderr io.Writer, exitTimeout time.Duration) (io.WriteCloser, io.ReadCloser, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, nil, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if stderr != nil {
		session.Stderr = stderr
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}
	c.logger.Debug().Str("command", cmd).Msg("Remote process started")

	return stdin, &sessionOutput{stdout: stdout, session: session, timeout: exitTimeout}, nil
}

// sessionOutput ties a session's lifetime to its stdout reader.
type sessionOutput struct {
	stdout  io.Reader
	session *ssh.Session
	timeout time.Duration
}

func (o *sessionOutput) Read(p []byte) (int, error) {
	return o.stdout.Read(p)
}

func (o *sessionOutput) Close() error {
	done := make(chan error, 1)
	go func() { done <- o.session.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(o.timeout):
		_ = o.session.Signal(ssh.SIGKILL)
		err = fmt.Errorf("remote process did not exit within %s", o.timeout)
	}
	_ = o.session.Close()

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		// The runner reports its own exit status in the EXIT message.
		return nil
	}
	return err
}
