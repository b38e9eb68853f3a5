// Package main provides the payload-supervisor entry point.
//
// payload-supervisor runs on the SMART-QSO payload computer. It answers the
// OBC over the serial health link, keeps the inference process alive and
// throttles or shuts the payload down on temperature and power limits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/smartqso/payload-supervisor/internal/config"
	"github.com/smartqso/payload-supervisor/internal/logging"
	"github.com/smartqso/payload-supervisor/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/payload-supervisor
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("payload-supervisor %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"serial_port", cfg.SerialPort,
		"baud_rate", cfg.BaudRate,
		"throttle_temp", cfg.ThrottleTemp,
		"shutdown_temp", cfg.ShutdownTemp,
		"processes", len(cfg.Processes),
		"metrics_addr", cfg.MetricsAddr,
		"config_file", cfg.ConfigFile,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch, err := orchestrator.New(cfg, logger, orchestrator.WithVersion(version))
	if err != nil {
		logger.Error("setup_failed", "error", err)
		return 1
	}
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("supervisor_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     payload-supervisor                            ║")
	fmt.Println("║        SMART-QSO Payload Health Link and Process Watchdog         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Link:        %s @ %d baud\n", cfg.SerialPort, cfg.BaudRate)
	fmt.Printf("  Thermal:     throttle %.1f C, shutdown %.1f C\n", cfg.ThrottleTemp, cfg.ShutdownTemp)
	fmt.Printf("  Status:      every %s\n", cfg.StatusInterval)
	for _, p := range cfg.Processes {
		fmt.Printf("  Process:     %s (max restarts %d)\n", p.Name, p.MaxRestarts)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.GRPCHealthAddr != "" {
		fmt.Printf("  gRPC health: %s\n", cfg.GRPCHealthAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
