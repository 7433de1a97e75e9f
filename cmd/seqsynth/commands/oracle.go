package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
	execoracle "github.com/seqsynth/seqsynth/pkg/oracles/exec"
	"github.com/seqsynth/seqsynth/pkg/oracles/wasm"
	"github.com/seqsynth/seqsynth/pkg/runner/client"
	"github.com/seqsynth/seqsynth/pkg/transports/ssh"
)

const (
	defaultRemoteRunnerPath = "/tmp/seqsynth-runner"
	oracleCloseTimeout      = 10 * time.Second
)

// buildOracle creates the oracle a run config selects. The returned close
// function releases runners, SSH connections and wasm runtimes.
func buildOracle(ctx context.Context, cfg *config.RunConfig, catalog *engine.Catalog, logger zerolog.Logger) (engine.Oracle, func(), error) {
	switch cfg.Oracle.Kind {
	case "", "static":
		return engine.NewStaticOracle(catalog), func() {}, nil

	case "wasm":
		o, err := wasm.Load(ctx, catalog, cfg.Oracle.Module, wasm.Config{
			Timeout:          cfg.Fuzz.ScoreTimeout,
			MemoryLimitPages: cfg.Oracle.MemoryPages,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return o, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), oracleCloseTimeout)
			defer cancel()
			_ = o.Close(closeCtx)
		}, nil

	case "exec":
		return buildExecOracle(ctx, cfg, catalog, logger)

	default:
		return nil, nil, fmt.Errorf("unknown oracle kind: %s", cfg.Oracle.Kind)
	}
}

func buildExecOracle(ctx context.Context, cfg *config.RunConfig, catalog *engine.Catalog, logger zerolog.Logger) (engine.Oracle, func(), error) {
	oc := cfg.Oracle
	transport, remotePath, closeTransport, err := runnerTransport(ctx, oc, logger)
	if err != nil {
		return nil, nil, err
	}

	size := oc.Runners
	if size == 0 {
		size = cfg.Fuzz.Workers
	}
	pool, err := client.NewPool(client.Config{
		Transport:  transport,
		RunnerPath: oc.Runner,
		RemotePath: remotePath,
		Logger:     logger,
	}, size)
	if err != nil {
		closeTransport()
		return nil, nil, err
	}

	o, err := execoracle.New(catalog, pool, execoracle.Config{
		Build:   oc.Build,
		Run:     oc.Run,
		Env:     oc.Env,
		Timeout: cfg.Fuzz.ScoreTimeout,
	}, logger)
	if err != nil {
		_ = pool.Close(context.Background())
		closeTransport()
		return nil, nil, err
	}

	return o, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), oracleCloseTimeout)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop runners")
		}
		closeTransport()
	}, nil
}

// runnerTransport starts runners locally, or over SSH when a remote host is
// configured. A remote host must have the build tool on its PATH.
func runnerTransport(ctx context.Context, oc config.OracleConfig, logger zerolog.Logger) (client.Transport, string, func(), error) {
	if oc.Remote == nil {
		return &client.LocalTransport{Stderr: os.Stderr, ExitTimeout: 5 * time.Second}, oc.Runner, func() {}, nil
	}

	r := oc.Remote
	sshCfg := ssh.DefaultConfig(r.Host, r.User)
	if r.Port != 0 {
		sshCfg.Port = r.Port
	}
	sshCfg.PrivateKeyPath = r.KeyFile
	sshCfg.KnownHostsPath = r.KnownHosts
	if err := sshCfg.Validate(); err != nil {
		return nil, "", nil, fmt.Errorf("invalid remote runner config: %w", err)
	}

	sshClient, err := ssh.NewSSHClient(sshCfg, logger)
	if err != nil {
		return nil, "", nil, err
	}
	transport := ssh.NewRunnerTransport(sshClient)
	transport.Stderr = os.Stderr

	missing, err := transport.MissingTools(ctx, oc.Build[:1])
	if err != nil {
		_ = transport.Close()
		return nil, "", nil, fmt.Errorf("failed to check tools on %s: %w", sshCfg.Address(), err)
	}
	if len(missing) > 0 {
		_ = transport.Close()
		return nil, "", nil, fmt.Errorf("remote host %s lacks %s", sshCfg.Address(), strings.Join(missing, ", "))
	}

	remotePath := r.RunnerPath
	if remotePath == "" {
		remotePath = defaultRemoteRunnerPath
	}
	logger.Info().Str("host", sshCfg.Address()).Str("runner", remotePath).Msg("Using remote runner")
	return transport, remotePath, func() { _ = transport.Close() }, nil
}
