package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// processList is a custom flag type for repeatable -process flags of the
// form "name=command arg...".
type processList []ProcessConfig

func (p *processList) String() string {
	names := make([]string, 0, len(*p))
	for _, pc := range *p {
		names = append(names, pc.Name)
	}
	return strings.Join(names, ", ")
}

func (p *processList) Set(value string) error {
	name, cmdline, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	argv := strings.Fields(cmdline)
	if !ok || name == "" || len(argv) == 0 {
		return fmt.Errorf("want name=command, got %q", value)
	}
	*p = append(*p, ProcessConfig{
		Name:             name,
		Command:          argv,
		RestartOnFailure: true,
		MaxRestarts:      3,
		HealthFeed:       true,
	})
	return nil
}

// ParseFlags builds the configuration from args (without the program name).
//
// The -config file and the environment are applied first; flags given on
// the command line override both.
func ParseFlags(args []string) (*Config, error) {
	return parseFlags(args, os.LookupEnv, os.Stderr)
}

func parseFlags(args []string, lookup LookupFunc, out io.Writer) (*Config, error) {
	// first pass only finds the config file
	var path string
	pre := newFlagSet(DefaultConfig(), &path, new(processList), io.Discard)
	if err := pre.Parse(args); err != nil {
		// report the error with usage on the real pass below
		path = ""
	}

	cfg, err := Load(path, lookup)
	if err != nil {
		return nil, err
	}

	var procs processList
	fs := newFlagSet(cfg, &path, &procs, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if len(procs) > 0 {
		cfg.Processes = procs
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, path *string, procs *processList, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("payload-supervisor", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.Usage = func() {
		fmt.Fprintf(out, `payload-supervisor - SMART-QSO payload health link and process supervisor

Usage:
  payload-supervisor [flags]

Configuration:
`)
		printFlagCategory(fs, out, []string{"config"})

		fmt.Fprintf(out, "\nHealth Link:\n")
		printFlagCategory(fs, out, []string{"serial", "baud", "read-timeout", "heartbeat-timeout", "reconnect-interval"})

		fmt.Fprintf(out, "\nSupervision:\n")
		printFlagCategory(fs, out, []string{"status-interval", "monitor-interval", "stop-timeout", "join-timeout",
			"throttle-temp", "shutdown-temp", "callsign", "process"})

		fmt.Fprintf(out, "\nSystem Metrics:\n")
		printFlagCategory(fs, out, []string{"metrics-source", "exporter-url", "proc-root", "sys-root",
			"gpu-load-path", "power-path", "static-temp"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "grpc-health", "log-format", "log-level", "v", "trace"})

		fmt.Fprintf(out, "\nDiagnostics:\n")
		printFlagCategory(fs, out, []string{"tui", "skip-preflight"})

		fmt.Fprintf(out, `
Environment:
  %s, %s, %s,
  %s, %s, %s, %s
  override the config file; flags override both.

Examples:
  # Flight configuration
  payload-supervisor -config /etc/smartqso/supervisor.yaml

  # Bench run against a USB serial adapter with a dashboard
  payload-supervisor -serial /dev/ttyUSB0 -metrics-source static -static-temp 50 -tui

`, EnvSerialPort, EnvBaudRate, EnvStatusInterval, EnvThrottleTemp, EnvShutdownTemp, EnvMetricsAddr, EnvLogLevel)
	}

	fs.StringVar(path, "config", *path, "YAML configuration file")

	// Health link
	fs.StringVar(&cfg.SerialPort, "serial", cfg.SerialPort, "Serial device connected to the OBC")
	fs.IntVar(&cfg.BaudRate, "baud", cfg.BaudRate, "Serial baud rate")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Serial read timeout")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Declare the OBC lost after this long without a heartbeat")
	fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "Delay between reconnect attempts")

	// Supervision
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Periodic status report interval")
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", cfg.MonitorInterval, "Metrics and process check interval")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Grace period before a process is killed")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "Wait for each loop during shutdown")
	fs.Float64Var(&cfg.ThrottleTemp, "throttle-temp", cfg.ThrottleTemp, "Throttle threshold in °C")
	fs.Float64Var(&cfg.ShutdownTemp, "shutdown-temp", cfg.ShutdownTemp, "Shutdown threshold in °C")
	fs.StringVar(&cfg.Callsign, "callsign", cfg.Callsign, "Station callsign sent to managed processes")
	fs.Var(procs, "process", `Managed process "name=command args" (can repeat, replaces configured list)`)

	// System metrics
	fs.StringVar(&cfg.MetricsSource, "metrics-source", cfg.MetricsSource, `System metrics source: "proc", "exporter" or "static"`)
	fs.StringVar(&cfg.ExporterURL, "exporter-url", cfg.ExporterURL, "node_exporter URL for -metrics-source exporter")
	fs.StringVar(&cfg.ProcRoot, "proc-root", cfg.ProcRoot, "procfs mount point")
	fs.StringVar(&cfg.SysRoot, "sys-root", cfg.SysRoot, "sysfs mount point")
	fs.StringVar(&cfg.GPULoadPath, "gpu-load-path", cfg.GPULoadPath, "GPU load sysfs file (per-mille)")
	fs.StringVar(&cfg.PowerPath, "power-path", cfg.PowerPath, "Power sysfs file (mW)")
	fs.Float64Var(&cfg.StaticTemp, "static-temp", cfg.StaticTemp, "Temperature reported by -metrics-source static")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics and health address (empty disables)")
	fs.StringVar(&cfg.GRPCHealthAddr, "grpc-health", cfg.GRPCHealthAddr, "gRPC health service address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging, including every process output line")
	fs.BoolVar(&cfg.TracingEnabled, "trace", cfg.TracingEnabled, "Write OpenTelemetry spans to stderr")

	// Diagnostics
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	return fs
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "number"
	}

	return "string"
}
