package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient holds one SSH connection to a remote scoring host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	client      *ssh.Client
	proxy       *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the connection, directly or through the jump host.
// A live connection is reused.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// dial opens a TCP connection bounded by ctx and performs the SSH handshake.
func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, conn, address, clientConfig)
}

func handshake(ctx context.Context, conn net.Conn, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	client, err := dial(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	c.client = client

	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.buildProxyClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	proxyAddress := c.config.ProxyAddress()
	c.logger.Debug().Str("proxy", proxyAddress).Msg("Connecting to proxy host")

	proxyClient, err := dial(ctx, proxyAddress, proxyConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	targetAddress := c.config.Address()
	conn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	client, err := handshake(ctx, conn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}
	c.client = client
	c.proxy = proxyClient

	c.logger.Info().Str("target", targetAddress).Str("proxy", proxyAddress).Msg("SSH connection established via proxy")
	return nil
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client = nil
	c.proxy = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck runs `true` on the remote host.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal must be called with connMu held.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.proxy != nil,
	}
}

// getClient returns the underlying connection for sessions and sftp.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}
