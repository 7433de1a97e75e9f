// Package ssh runs the seqsynth scoring runner on a remote host. It uploads
// the runner binary over SFTP and speaks the runner protocol over the stdin
// and stdout of an SSH session.
package ssh

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaProxy     bool
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
	// Checksum is the SHA256 of the transferred bytes.
	Checksum   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// RunnerTransport places the runner on a remote host and starts it there.
// It satisfies client.Transport.
type RunnerTransport struct {
	client *SSHClient

	// Args are passed to the runner.
	Args []string
	// Env is set in the runner's environment.
	Env map[string]string
	// Stderr receives the runner's stderr. Nil discards it.
	Stderr io.Writer
	// ExitTimeout is how long closing the runner's stdout waits for it to exit.
	ExitTimeout time.Duration
}

// NewRunnerTransport wraps a client. The connection is opened on first use.
func NewRunnerTransport(client *SSHClient) *RunnerTransport {
	return &RunnerTransport{client: client, ExitTimeout: 5 * time.Second}
}

// Upload copies the runner binary to remotePath with mode 0755, skipping the
// copy when the remote file already has the same checksum.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := t.client.Connect(ctx); err != nil {
		return err
	}

	want, err := localChecksum(localPath)
	if err != nil {
		return fmt.Errorf("runner binary not readable: %w", err)
	}
	if have, err := t.client.ComputeChecksum(ctx, remotePath); err == nil && have == want {
		t.client.logger.Debug().Str("remote", remotePath).Msg("Runner already present")
		return nil
	}

	res, err := t.client.UploadFile(ctx, localPath, remotePath, 0755)
	if err != nil {
		return err
	}
	if res.Checksum != want {
		return &TransportError{Op: "upload", Err: fmt.Errorf("runner changed during upload")}
	}
	return nil
}

// Execute starts the uploaded runner.
func (t *RunnerTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	if err := t.client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return t.client.StartProcess(ctx, t.command(remotePath), t.Stderr, t.ExitTimeout)
}

func (t *RunnerTransport) command(remotePath string) string {
	var b strings.Builder
	b.WriteString("exec env")
	for _, k := range sortedKeys(t.Env) {
		b.WriteByte(' ')
		b.WriteString(shellQuote(k + "=" + t.Env[k]))
	}
	b.WriteByte(' ')
	b.WriteString(shellQuote(remotePath))
	for _, a := range t.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

// Cleanup removes the uploaded runner.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	return t.client.RemoveFile(ctx, remotePath)
}

// MissingTools reports which of tools are missing from the remote PATH.
func (t *RunnerTransport) MissingTools(ctx context.Context, tools []string) ([]string, error) {
	if err := t.client.Connect(ctx); err != nil {
		return nil, err
	}
	var missing []string
	for _, tool := range tools {
		res, err := t.client.ExecuteCommand(ctx, "command -v "+shellQuote(tool))
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			missing = append(missing, tool)
		}
	}
	return missing, nil
}

// Close disconnects from the remote host.
func (t *RunnerTransport) Close() error {
	return t.client.Disconnect()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
