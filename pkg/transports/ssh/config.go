package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds the connection settings for a remote scoring host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port"`

	// User is the SSH username
	User string `yaml:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method"`

	// Password for password-based authentication
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file used when StrictHostKeyChecking is set
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// CommandTimeout bounds ExecuteCommand calls without a context deadline
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// KeepAliveInterval is the interval between keep-alive requests, 0 disables them
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// MaxKeepAliveRetries is how many keep-alives may fail in a row
	MaxKeepAliveRetries int `yaml:"max_keep_alive_retries"`

	// ProxyHost is a jump host to connect through (optional)
	ProxyHost string `yaml:"proxy_host,omitempty"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxy_port,omitempty"`

	// ProxyUser is the username on the jump host
	ProxyUser string `yaml:"proxy_user,omitempty"`

	// ProxyPrivateKeyPath is the key for the jump host; empty reuses PrivateKeyPath
	ProxyPrivateKeyPath string `yaml:"proxy_private_key_path,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid. A key config without a
// path picks up the first default key found in ~/.ssh.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := authMethods(c.AuthMethod, c.Password, c.PrivateKeyPath, c.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// buildProxyClientConfig creates the client config for the jump host.
func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	keyPath := c.ProxyPrivateKeyPath
	if keyPath == "" {
		keyPath = c.PrivateKeyPath
	}
	auth, err := authMethods(c.AuthMethod, c.Password, keyPath, c.PrivateKeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.ProxyUser,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func authMethods(method AuthMethod, password, keyPath, passphrase string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		return []ssh.AuthMethod{ssh.Password(password)}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", method)
	}
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return cb, nil
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
