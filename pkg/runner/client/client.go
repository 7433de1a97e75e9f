// Package client drives a seqsynth-runner process over the runner protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// ErrClosed is returned by a client that was closed or whose stream broke.
var ErrClosed = errors.New("runner client is closed")

// Transport uploads and starts the runner binary.
type Transport interface {
	// Upload copies the runner binary to where Execute expects it.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns its stdin and stdout.
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the uploaded binary.
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // local runner binary
	RemotePath     string // where the transport places it
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

// Client manages one runner process. Commands are serialized; use a Pool
// for concurrent scoring.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	msgs    chan *protocol.Message
	readErr chan error
	done    chan struct{}
	logger  zerolog.Logger

	cmdMu  sync.Mutex
	mu     sync.Mutex
	closed bool
}

// NewClient validates cfg and returns an unstarted client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.RunnerPath
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "runner-client").Logger(),
	}, nil
}

// Start uploads the runner, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.msgs = make(chan *protocol.Message, 16)
	c.readErr = make(chan error, 1)
	c.done = make(chan struct{})
	go c.readLoop(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	msg, err := c.next(readyCtx)
	if err != nil {
		return fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := protocol.ParseParams(msg.Data, &ready); err != nil {
		return err
	}
	c.ready = &ready

	c.logger.Debug().
		Str("version", ready.Version).
		Str("platform", ready.Platform).
		Int("pid", ready.PID).
		Msg("Runner ready")
	return nil
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			c.readErr <- err
			close(c.msgs)
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// next returns the next message, or an error when ctx ends or the stream breaks.
func (c *Client) next(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.msgs:
		if !ok {
			select {
			case err := <-c.readErr:
				c.readErr <- err
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return msg, nil
	}
}

// Execute sends a command and waits for its DONE. An ERROR reply is returned
// as *protocol.ErrorMessage. If ctx ends first the client is closed, since
// the runner may still answer the abandoned command.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return c.ExecuteWithEvents(ctx, cmd, nil)
}

// ExecuteWithEvents is Execute, forwarding EVENT messages to eventCh.
func (c *Client) ExecuteWithEvents(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.Closed() {
		return nil, ErrClosed
	}
	if c.encoder == nil {
		return nil, fmt.Errorf("runner not started")
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		c.abandon()
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.next(ctx)
		if err != nil {
			c.abandon()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if eventCh != nil {
				eventCh <- &event
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				c.abandon()
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				c.abandon()
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &errMsg

		case protocol.MessageTypeExit:
			c.abandon()
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Closed reports whether the client can no longer be used.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) abandon() {
	if err := c.Close(context.Background()); err != nil {
		c.logger.Debug().Err(err).Msg("Closing abandoned runner")
	}
}

// Close closes the runner's stdin and stdout and removes the uploaded binary.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.done != nil {
		close(c.done)
	}

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}
	if c.cfg.RemotePath != c.cfg.RunnerPath {
		if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
			c.logger.Debug().Err(err).Str("path", c.cfg.RemotePath).Msg("Runner cleanup failed")
		}
	}

	return errors.Join(errs...)
}
