package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// =============================================================================
// Tests: DefaultConfig
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/dev/ttyTHS1", cfg.SerialPort)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, 10*time.Second, cfg.StatusInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 75.0, cfg.ThrottleTemp)
	assert.Equal(t, 85.0, cfg.ShutdownTemp)
	assert.Equal(t, SourceProc, cfg.MetricsSource)
	assert.Equal(t, "0.0.0.0:17092", cfg.MetricsAddr)
	assert.Empty(t, cfg.GRPCHealthAddr)

	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, "llama_runner", cfg.Processes[0].Name)
	assert.True(t, cfg.Processes[0].RestartOnFailure)
	assert.Equal(t, 3, cfg.Processes[0].MaxRestarts)
	assert.True(t, cfg.Processes[0].HealthFeed)
	assert.Equal(t, "SMARTQ-1", cfg.Callsign)

	require.NoError(t, Validate(cfg))
}

// =============================================================================
// Tests: Load
// =============================================================================

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
serial_port: /dev/ttyUSB0
baud_rate: 57600
status_interval: 15s
heartbeat_timeout: 1m
thermal_throttle_temp: 70
thermal_shutdown_temp: 82.5
metrics_source: exporter
exporter_url: http://10.0.0.2:9100/metrics
processes:
  - name: llama_runner
    command: [qso-agent, --model, /opt/models/tiny.gguf]
    restart_on_failure: true
    max_restarts: 5
    health_feed: true
  - name: camera
    command: [camera-capture]
`)

	cfg, err := Load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	assert.Equal(t, 57600, cfg.BaudRate)
	assert.Equal(t, 15*time.Second, cfg.StatusInterval)
	assert.Equal(t, time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 70.0, cfg.ThrottleTemp)
	assert.Equal(t, 82.5, cfg.ShutdownTemp)
	assert.Equal(t, SourceExporter, cfg.MetricsSource)

	// unset keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, "json", cfg.LogFormat)

	require.Len(t, cfg.Processes, 2)
	assert.Equal(t, []string{"qso-agent", "--model", "/opt/models/tiny.gguf"}, cfg.Processes[0].Command)
	assert.Equal(t, 5, cfg.Processes[0].MaxRestarts)
	assert.False(t, cfg.Processes[1].RestartOnFailure)
	assert.True(t, cfg.Processes[0].HealthFeed)
	assert.False(t, cfg.Processes[1].HealthFeed)

	require.NoError(t, Validate(cfg))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), noEnv)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "baud_rate: [not, a, number]\n")
	_, err = Load(path, noEnv)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "serial_port: /dev/ttyUSB0\nthermal_throttle_temp: 70\n")

	cfg, err := Load(path, envMap(map[string]string{
		EnvSerialPort:     "/dev/ttyTHS2",
		EnvBaudRate:       "9600",
		EnvStatusInterval: "30",
		EnvThrottleTemp:   "72.5",
		EnvShutdownTemp:   "88",
		EnvMetricsAddr:    "",
		EnvLogLevel:       "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyTHS2", cfg.SerialPort)
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, 30*time.Second, cfg.StatusInterval)
	assert.Equal(t, 72.5, cfg.ThrottleTemp)
	assert.Equal(t, 88.0, cfg.ShutdownTemp)
	assert.Empty(t, cfg.MetricsAddr, "an empty value disables the metrics server")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvErrors(t *testing.T) {
	for _, key := range []string{EnvBaudRate, EnvStatusInterval, EnvThrottleTemp, EnvShutdownTemp} {
		t.Run(key, func(t *testing.T) {
			_, err := Load("", envMap(map[string]string{key: "abc"}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15s", 15 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"10", 10 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSeconds(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

// =============================================================================
// Tests: flags
// =============================================================================

func TestProcessList_Set(t *testing.T) {
	var p processList

	require.NoError(t, p.Set("llama_runner=qso-agent --fast"))
	require.NoError(t, p.Set("camera = camera-capture"))
	require.Len(t, p, 2)
	assert.Equal(t, []string{"qso-agent", "--fast"}, p[0].Command)
	assert.Equal(t, "camera", p[1].Name)
	assert.True(t, p[1].RestartOnFailure)
	assert.True(t, p[1].HealthFeed)
	assert.Equal(t, "llama_runner, camera", p.String())

	for _, bad := range []string{"", "noequals", "=cmd", "name="} {
		assert.Error(t, p.Set(bad), bad)
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(nil, noEnv, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseFlags_Overrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-serial", "/dev/ttyUSB1",
		"-baud", "230400",
		"-status-interval", "3s",
		"-throttle-temp", "65",
		"-metrics-source", "static",
		"-static-temp", "50",
		"-callsign", "W1AW",
		"-process", "agent=qso-agent",
		"-process", "logger=logger-daemon -q",
		"-log-format", "text",
		"-v",
		"-tui",
	}, noEnv, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.SerialPort)
	assert.Equal(t, 230400, cfg.BaudRate)
	assert.Equal(t, 3*time.Second, cfg.StatusInterval)
	assert.Equal(t, 65.0, cfg.ThrottleTemp)
	assert.Equal(t, SourceStatic, cfg.MetricsSource)
	assert.Equal(t, 50.0, cfg.StaticTemp)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.TUIEnabled)
	assert.Equal(t, "W1AW", cfg.Callsign)

	require.Len(t, cfg.Processes, 2)
	assert.Equal(t, "agent", cfg.Processes[0].Name)
	assert.Equal(t, []string{"logger-daemon", "-q"}, cfg.Processes[1].Command)
}

func TestParseFlags_Precedence(t *testing.T) {
	path := writeConfig(t, "serial_port: /dev/from-file\nbaud_rate: 57600\nstatus_interval: 20s\n")
	env := envMap(map[string]string{EnvBaudRate: "9600"})

	cfg, err := parseFlags([]string{"-config", path, "-status-interval", "4s"}, env, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/dev/from-file", cfg.SerialPort, "file beats default")
	assert.Equal(t, 9600, cfg.BaudRate, "env beats file")
	assert.Equal(t, 4*time.Second, cfg.StatusInterval, "flag beats file")
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestParseFlags_Errors(t *testing.T) {
	_, err := parseFlags([]string{"-no-such-flag"}, noEnv, io.Discard)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-h"}, noEnv, io.Discard)
	assert.True(t, errors.Is(err, flag.ErrHelp))

	_, err = parseFlags([]string{"extra"}, noEnv, io.Discard)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-config", "/nonexistent/supervisor.yaml"}, noEnv, io.Discard)
	assert.Error(t, err)
}

func TestFlagType(t *testing.T) {
	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	fs.Bool("b", false, "")
	fs.Duration("d", 5*time.Second, "")
	fs.Int("i", 3, "")
	fs.String("s", "json", "")

	want := map[string]string{"b": "", "d": "duration", "i": "number", "s": "string"}
	for name, w := range want {
		assert.Equal(t, w, flagType(fs.Lookup(name)), name)
	}
}

// =============================================================================
// Tests: Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing serial", func(c *Config) { c.SerialPort = "" }, "serial_port"},
		{"zero baud", func(c *Config) { c.BaudRate = 0 }, "baud_rate"},
		{"zero status interval", func(c *Config) { c.StatusInterval = 0 }, "status_interval"},
		{"negative heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = -time.Second }, "heartbeat_timeout"},
		{"inverted thresholds", func(c *Config) { c.ThrottleTemp = 90 }, "thermal_throttle_temp"},
		{"equal thresholds", func(c *Config) { c.ThrottleTemp = 85 }, "thermal_throttle_temp"},
		{"zero threshold", func(c *Config) { c.ShutdownTemp = 0 }, "thermal_throttle_temp"},
		{"unnamed process", func(c *Config) { c.Processes[0].Name = "" }, "processes[0]"},
		{"empty command", func(c *Config) { c.Processes[0].Command = nil }, "processes[0]"},
		{"negative restarts", func(c *Config) { c.Processes[0].MaxRestarts = -1 }, "processes[0]"},
		{"duplicate process", func(c *Config) {
			c.Processes = append(c.Processes, c.Processes[0])
		}, "processes[1]"},
		{"bad source", func(c *Config) { c.MetricsSource = "psutil" }, "metrics_source"},
		{"exporter without url", func(c *Config) { c.MetricsSource = SourceExporter }, "exporter_url"},
		{"exporter bad scheme", func(c *Config) {
			c.MetricsSource = SourceExporter
			c.ExporterURL = "ftp://host/metrics"
		}, "exporter_url"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "17092" }, "metrics_addr"},
		{"bad grpc addr", func(c *Config) { c.GRPCHealthAddr = "localhost" }, "grpc_health_addr"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			var ve ValidationError
			require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SerialPort = ""
	cfg.BaudRate = -1
	cfg.LogFormat = "xml"

	err := Validate(cfg)
	require.Error(t, err)
	for _, field := range []string{"serial_port", "baud_rate", "log_format"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidate_ExporterOK(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsSource = SourceExporter
	cfg.ExporterURL = "http://10.0.0.2:9100/metrics"
	cfg.MetricsAddr = ""
	cfg.GRPCHealthAddr = "127.0.0.1:17093"
	assert.NoError(t, Validate(cfg))
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "baud_rate", Message: "must be positive"}
	assert.Equal(t, "baud_rate: must be positive", err.Error())
}
