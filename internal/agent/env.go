package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by the agent binary.
const (
	EnvGenerator        = "QSO_GENERATOR"
	EnvGeneratorTimeout = "QSO_GENERATOR_TIMEOUT"
	EnvLogFormat        = "QSO_LOG_FORMAT"
	EnvLogLevel         = "QSO_LOG_LEVEL"
)

// EnvConfig is the agent configuration taken from the environment.
type EnvConfig struct {
	Generator        string
	GeneratorTimeout time.Duration
	LogFormat        string
	LogLevel         string
}

// LoadEnv reads EnvConfig through lookup, usually os.LookupEnv. The
// timeout accepts a Go duration ("2500ms") or plain seconds ("8").
func LoadEnv(lookup func(string) (string, bool)) (EnvConfig, error) {
	cfg := EnvConfig{
		GeneratorTimeout: DefaultGenerateTimeout,
		LogFormat:        "json",
		LogLevel:         "info",
	}
	if v, ok := lookup(EnvGenerator); ok {
		cfg.Generator = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvGeneratorTimeout); ok && strings.TrimSpace(v) != "" {
		d, err := parseTimeout(strings.TrimSpace(v))
		if err != nil {
			return EnvConfig{}, fmt.Errorf("%s: %w", EnvGeneratorTimeout, err)
		}
		cfg.GeneratorTimeout = d
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		cfg.LogFormat = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func parseTimeout(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive (got %q)", v)
	}
	return d, nil
}
