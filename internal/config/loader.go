package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment overrides
const (
	EnvSerialPort     = "SUPERVISOR_SERIAL_PORT"
	EnvBaudRate       = "SUPERVISOR_BAUD_RATE"
	EnvStatusInterval = "SUPERVISOR_STATUS_INTERVAL"
	EnvThrottleTemp   = "SUPERVISOR_THROTTLE_TEMP"
	EnvShutdownTemp   = "SUPERVISOR_SHUTDOWN_TEMP"
	EnvMetricsAddr    = "SUPERVISOR_METRICS_ADDR"
	EnvLogLevel       = "SUPERVISOR_LOG_LEVEL"
)

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then with environment overrides.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.ConfigFile = path
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup(EnvSerialPort); ok && v != "" {
		cfg.SerialPort = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}

	if v, ok := lookup(EnvBaudRate); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaudRate, err)
		}
		cfg.BaudRate = n
	}
	if v, ok := lookup(EnvStatusInterval); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStatusInterval, err)
		}
		cfg.StatusInterval = d
	}
	if v, ok := lookup(EnvThrottleTemp); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThrottleTemp, err)
		}
		cfg.ThrottleTemp = f
	}
	if v, ok := lookup(EnvShutdownTemp); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvShutdownTemp, err)
		}
		cfg.ShutdownTemp = f
	}
	return nil
}

// parseSeconds accepts a Go duration ("15s") or a plain number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}
