// Command seqsynth-runner builds and runs test artifacts on behalf of
// seqsynth. It speaks the runner protocol on stdin and stdout and exits when
// stdin closes or its time to live expires.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seqsynth/seqsynth/pkg/runner/handlers"
)

const (
	version    = "1.0.0"
	defaultTTL = 30 * time.Minute
)

// EnvTTL overrides the runner's time to live, e.g. SEQSYNTH_RUNNER_TTL=2h.
const EnvTTL = "SEQSYNTH_RUNNER_TTL"

func main() {
	ttl := defaultTTL
	if v := os.Getenv(EnvTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := handlers.NewServer(os.Stdin, os.Stdout, version, ttl).Serve(ctx)
	stop()
	os.Exit(code)
}
