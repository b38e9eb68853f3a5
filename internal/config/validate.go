package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined into one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Health link
	if cfg.SerialPort == "" {
		add("serial_port", "serial device is required")
	}
	if cfg.BaudRate <= 0 {
		add("baud_rate", "must be positive (got %d)", cfg.BaudRate)
	}
	positive := []struct {
		field string
		value float64
	}{
		{"read_timeout", cfg.ReadTimeout.Seconds()},
		{"heartbeat_timeout", cfg.HeartbeatTimeout.Seconds()},
		{"reconnect_interval", cfg.ReconnectInterval.Seconds()},
		{"status_interval", cfg.StatusInterval.Seconds()},
		{"monitor_interval", cfg.MonitorInterval.Seconds()},
		{"stop_timeout", cfg.StopTimeout.Seconds()},
		{"join_timeout", cfg.JoinTimeout.Seconds()},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}

	// Thresholds must be ordered; an inverted pair would never throttle
	if cfg.ThrottleTemp <= 0 || cfg.ShutdownTemp <= 0 {
		add("thermal_throttle_temp", "thresholds must be positive (got %.1f/%.1f)", cfg.ThrottleTemp, cfg.ShutdownTemp)
	} else if cfg.ThrottleTemp >= cfg.ShutdownTemp {
		add("thermal_throttle_temp", "must be below thermal_shutdown_temp (got %.1f >= %.1f)", cfg.ThrottleTemp, cfg.ShutdownTemp)
	}

	// Processes
	seen := make(map[string]bool, len(cfg.Processes))
	for i, p := range cfg.Processes {
		field := fmt.Sprintf("processes[%d]", i)
		if p.Name == "" {
			add(field, "name is required")
		} else if seen[p.Name] {
			add(field, "duplicate name %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Command) == 0 || p.Command[0] == "" {
			add(field, "command is required")
		}
		if p.MaxRestarts < 0 {
			add(field, "max_restarts must be >= 0 (got %d)", p.MaxRestarts)
		}
	}

	// Metrics source
	switch cfg.MetricsSource {
	case SourceProc, SourceStatic:
	case SourceExporter:
		if err := validateURL(cfg.ExporterURL); err != nil {
			add("exporter_url", "%v", err)
		}
	default:
		add("metrics_source", "must be one of: proc, exporter, static (got %q)", cfg.MetricsSource)
	}

	// Listen addresses
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			add("metrics_addr", "%v", err)
		}
	}
	if cfg.GRPCHealthAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.GRPCHealthAddr); err != nil {
			add("grpc_health_addr", "%v", err)
		}
	}

	// Logging
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		add("log_level", "must be debug, info, warn or error (got %q)", cfg.LogLevel)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
