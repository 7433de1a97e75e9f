package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seqsynth/seqsynth/pkg/runner/protocol"
)

// Pool runs commands on up to Size runner processes, starting them on
// demand and replacing any that break.
type Pool struct {
	cfg   Config
	slots chan struct{}

	mu     sync.Mutex
	idle   []*Client
	live   map[*Client]struct{}
	next   int
	closed bool
}

// NewPool creates a pool of at most size runners sharing cfg. Each runner
// needs its own RemotePath when the transport uploads copies, so RemotePath
// is suffixed with the runner index in that case.
func NewPool(cfg Config, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return &Pool{
		cfg:   cfg,
		slots: make(chan struct{}, size),
		live:  make(map[*Client]struct{}),
	}, nil
}

// Execute runs cmd on an idle runner, starting one if needed.
func (p *Pool) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.slots }()

	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	done, err := c.Execute(ctx, cmd)
	p.release(c)
	return done, err
}

func (p *Pool) acquire(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	index := p.next
	p.next++
	p.mu.Unlock()

	cfg := p.cfg
	if cfg.RemotePath != "" && cfg.RemotePath != cfg.RunnerPath {
		cfg.RemotePath = fmt.Sprintf("%s.%d", cfg.RemotePath, index)
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close(context.Background())
		return nil, ErrClosed
	}
	p.live[c] = struct{}{}
	return c, nil
}

func (p *Pool) release(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Closed() || p.closed {
		delete(p.live, c)
		return
	}
	p.idle = append(p.idle, c)
}

// Size returns the number of running runners.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close stops every runner.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.live))
	for c := range p.live {
		clients = append(clients, c)
	}
	p.live = make(map[*Client]struct{})
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
