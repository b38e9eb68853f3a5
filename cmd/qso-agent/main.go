// Package main provides the qso-agent entry point.
//
// qso-agent is the inference process kept alive by payload-supervisor. It
// reads one JSON health line per beacon cycle on stdin and answers each
// with one ASCII info field on stdout. Logs go to stderr, which the
// supervisor captures.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartqso/payload-supervisor/internal/agent"
	"github.com/smartqso/payload-supervisor/internal/logging"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("qso-agent %s\n", version)
			return 0
		}
	}

	env, err := agent.LoadEnv(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger := logging.NewLogger(env.LogFormat, env.LogLevel, false)
	logging.SetDefault(logger)

	cfg := agent.Config{Logger: logger}
	// a nil *ExecGenerator must not become a non-nil interface
	if gen := agent.NewExecGenerator(env.Generator, env.GeneratorTimeout); gen != nil {
		cfg.Generator = gen
	}
	a := agent.New(cfg)

	logger.Info("agent_starting",
		"version", version,
		"generator", env.Generator != "",
		"generator_timeout", env.GeneratorTimeout.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, os.Stdin, os.Stdout) }()

	code := 0
	select {
	case err := <-done:
		if err != nil {
			logger.Error("agent_failed", "error", err)
			code = 1
		}
	case <-ctx.Done():
		// stdin may stay open; the pending read is abandoned
		logger.Info("received_signal")
	}

	a.LogSummary()
	return code
}
