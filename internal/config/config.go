// Package config provides configuration management for the payload
// supervisor: defaults, an optional YAML file, environment overrides and
// command-line flags, applied in that order.
package config

import "time"

// Metrics sources
const (
	SourceProc     = "proc"
	SourceExporter = "exporter"
	SourceStatic   = "static"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Health link
	SerialPort        string        `yaml:"serial_port"`
	BaudRate          int           `yaml:"baud_rate"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// Supervision
	StatusInterval  time.Duration `yaml:"status_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`
	ThrottleTemp    float64       `yaml:"thermal_throttle_temp"`
	ShutdownTemp    float64       `yaml:"thermal_shutdown_temp"`
	Callsign        string        `yaml:"callsign"` // station id in the health feed

	Processes []ProcessConfig `yaml:"processes"`

	// System metrics
	MetricsSource string  `yaml:"metrics_source"` // proc, exporter, static
	ExporterURL   string  `yaml:"exporter_url"`
	ProcRoot      string  `yaml:"proc_root"`
	SysRoot       string  `yaml:"sys_root"`
	GPULoadPath   string  `yaml:"gpu_load_path"`
	PowerPath     string  `yaml:"power_path"`
	StaticTemp    float64 `yaml:"static_temperature"` // static source only

	// Observability
	MetricsAddr    string `yaml:"metrics_addr"`     // empty disables HTTP
	GRPCHealthAddr string `yaml:"grpc_health_addr"` // empty disables gRPC health
	LogFormat      string `yaml:"log_format"`       // json, text
	LogLevel       string `yaml:"log_level"`
	Verbose        bool   `yaml:"verbose"`
	TracingEnabled bool   `yaml:"tracing_enabled"`

	// Diagnostic modes
	TUIEnabled    bool `yaml:"tui"`
	SkipPreflight bool `yaml:"skip_preflight"`

	// ConfigFile is the YAML file the config was loaded from, if any.
	ConfigFile string `yaml:"-"`
}

// ProcessConfig describes one managed process.
type ProcessConfig struct {
	Name             string   `yaml:"name"`
	Command          []string `yaml:"command"`
	RestartOnFailure bool     `yaml:"restart_on_failure"`
	MaxRestarts      int      `yaml:"max_restarts"` // 0 = never restart

	// HealthFeed pipes one JSON health line per status cycle to stdin.
	HealthFeed bool `yaml:"health_feed"`
}

// DefaultConfig returns a Config with flight defaults.
func DefaultConfig() *Config {
	return &Config{
		// Health link
		SerialPort:        "/dev/ttyTHS1",
		BaudRate:          115200,
		ReadTimeout:       time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectInterval: 5 * time.Second,

		// Supervision
		StatusInterval:  10 * time.Second,
		MonitorInterval: time.Second,
		StopTimeout:     5 * time.Second,
		JoinTimeout:     5 * time.Second,
		ThrottleTemp:    75,
		ShutdownTemp:    85,
		Callsign:        "SMARTQ-1",

		Processes: []ProcessConfig{
			{
				Name:             "llama_runner",
				Command:          []string{"qso-agent"},
				RestartOnFailure: true,
				MaxRestarts:      3,
				HealthFeed:       true,
			},
		},

		// System metrics
		MetricsSource: SourceProc,

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		LogFormat:   "json",
		LogLevel:    "info",
	}
}
