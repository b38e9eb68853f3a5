package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartqso/payload-supervisor/internal/link"
)

// DefaultInterval is the periodic status interval.
const DefaultInterval = 10 * time.Second

var ErrInvalidInterval = errors.New("status interval must be positive")

// Source provides the data of one report.
type Source interface {
	StatusInput() Input
}

// Sender delivers a response to the OBC. *link.Link satisfies it.
type Sender interface {
	IsConnected() bool
	Send(status link.StatusCode, data any) error
}

// Config configures a Reporter.
type Config struct {
	Source   Source
	Sender   Sender
	Logger   *slog.Logger
	Interval time.Duration

	// BootID identifies this supervisor run in every report. A random UUID
	// is generated when empty.
	BootID string

	// OnCycle runs at the start of every periodic cycle, whether or not the
	// link is up. It must not block.
	OnCycle func()
}

// Stats counts reporter activity.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Skipped uint64
}

// Reporter sends status reports every interval and whenever Trigger is
// called. Only the Run goroutine sends.
type Reporter struct {
	source  Source
	sender  Sender
	logger  *slog.Logger
	bootID  string
	onCycle func()

	interval atomic.Int64
	changed  chan struct{}
	trigger  chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

// New creates a Reporter.
func New(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BootID == "" {
		cfg.BootID = uuid.NewString()
	}

	r := &Reporter{
		source:  cfg.Source,
		sender:  cfg.Sender,
		logger:  cfg.Logger,
		bootID:  cfg.BootID,
		onCycle: cfg.OnCycle,
		changed: make(chan struct{}, 1),
		trigger: make(chan struct{}, 1),
	}
	r.interval.Store(int64(cfg.Interval))
	return r
}

// BootID returns the identifier sent in every report.
func (r *Reporter) BootID() string { return r.bootID }

// Interval returns the current periodic interval.
func (r *Reporter) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the periodic interval. The running loop picks it up
// without waiting for the current tick.
func (r *Reporter) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, d)
	}
	if time.Duration(r.interval.Swap(int64(d))) == d {
		return nil
	}
	select {
	case r.changed <- struct{}{}:
	default:
	}
	return nil
}

// Trigger requests an immediate report. Requests made while one is already
// pending are coalesced.
func (r *Reporter) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stats returns the reporter counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Sent:    r.sent.Load(),
		Failed:  r.failed.Load(),
		Skipped: r.skipped.Load(),
	}
}

// Run sends reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.onCycle != nil {
				r.onCycle()
			}
			r.report("periodic")
		case <-r.trigger:
			r.report("requested")
		case <-r.changed:
			ticker.Reset(r.Interval())
			r.logger.Info("status_interval_changed", "interval", r.Interval().String())
		}
	}
}

// SendNow builds and sends one report. It returns link.ErrNotConnected
// without building anything when the link is down.
func (r *Reporter) SendNow() error {
	if !r.sender.IsConnected() {
		r.skipped.Add(1)
		return link.ErrNotConnected
	}

	in := r.source.StatusInput()
	code := HealthCode(in)
	rep := BuildReport(in, r.bootID)

	err := r.sender.Send(code, rep)
	if errors.Is(err, link.ErrPayloadTooLarge) {
		r.logger.Warn("status_report_compacted", "processes", len(rep.Processes))
		err = r.sender.Send(code, rep.Compact())
	}
	if err != nil {
		r.failed.Add(1)
		return err
	}
	r.sent.Add(1)
	return nil
}

func (r *Reporter) report(reason string) {
	err := r.SendNow()
	switch {
	case err == nil:
		r.logger.Debug("status_sent", "reason", reason)
	case errors.Is(err, link.ErrNotConnected):
		r.logger.Debug("status_skipped", "reason", reason)
	default:
		r.logger.Warn("status_send_failed", "reason", reason, "error", err)
	}
}
