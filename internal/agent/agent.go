package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

const (
	latencyCompression = 100

	// maxLineBytes bounds one health line.
	maxLineBytes = 64 * 1024
)

// Config configures an Agent.
type Config struct {
	// Generator is optional; without one every line uses Fallback.
	Generator Generator
	Logger    *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats summarizes an agent run.
type Stats struct {
	Lines     uint64
	Invalid   uint64
	Generated uint64
	Fallbacks uint64

	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyMax time.Duration
}

// Agent answers health lines with info fields.
type Agent struct {
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
	system string

	mu         sync.Mutex
	latency    *tdigest.TDigest
	latencyMax time.Duration
	stats      Stats
}

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{
		gen:     cfg.Generator,
		logger:  cfg.Logger,
		now:     cfg.Now,
		system:  SystemPrompt(),
		latency: tdigest.NewWithCompression(latencyCompression),
	}
}

// Run reads health lines from r and writes one info field per valid line
// to w until r is exhausted or ctx is done. Invalid lines are skipped.
func (a *Agent) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	bw := bufio.NewWriter(w)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, ok := a.Handle(ctx, sc.Bytes())
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(bw, info); err != nil {
			return fmt.Errorf("write info: %w", err)
		}
		// one answer per line, flushed so the reader is never left waiting
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("write info: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read health: %w", err)
	}
	return nil
}

// Handle answers one health line. ok is false when the line is invalid.
func (a *Agent) Handle(ctx context.Context, line []byte) (string, bool) {
	a.mu.Lock()
	a.stats.Lines++
	a.mu.Unlock()

	h, err := ParseHealthLine(line, a.now())
	if err != nil {
		a.mu.Lock()
		a.stats.Invalid++
		a.mu.Unlock()
		a.logger.Debug("health_line_invalid", "error", err)
		return "", false
	}

	return ComposeInfo(h, a.text(ctx, h)), true
}

// text asks the generator, falling back on any failure.
func (a *Agent) text(ctx context.Context, h Health) string {
	if a.gen == nil {
		a.countFallback()
		return Fallback(h)
	}

	start := time.Now()
	text, err := a.gen.Generate(ctx, a.system, UserPrompt(h))
	elapsed := time.Since(start)
	a.recordLatency(elapsed)

	if err == nil {
		text = ToASCII(text)
	}
	if err != nil || text == "" {
		a.logger.Warn("generator_fallback", "error", err, "elapsed", elapsed.String())
		a.countFallback()
		return Fallback(h)
	}

	a.mu.Lock()
	a.stats.Generated++
	a.mu.Unlock()
	return text
}

func (a *Agent) countFallback() {
	a.mu.Lock()
	a.stats.Fallbacks++
	a.mu.Unlock()
}

func (a *Agent) recordLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency.Add(float64(d), 1)
	if d > a.latencyMax {
		a.latencyMax = d
	}
}

// Stats returns counters and generator latency percentiles.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	if a.latency.Count() > 0 {
		s.LatencyP50 = time.Duration(a.latency.Quantile(0.5))
		s.LatencyP95 = time.Duration(a.latency.Quantile(0.95))
		s.LatencyMax = a.latencyMax
	}
	return s
}

// LogSummary logs the run statistics.
func (a *Agent) LogSummary() {
	s := a.Stats()
	a.logger.Info("agent_summary",
		"lines", s.Lines,
		"invalid", s.Invalid,
		"generated", s.Generated,
		"fallbacks", s.Fallbacks,
		"latency_p50", s.LatencyP50.String(),
		"latency_p95", s.LatencyP95.String(),
		"latency_max", s.LatencyMax.String(),
	)
}
