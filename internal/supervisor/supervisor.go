package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/smartqso/payload-supervisor/internal/agent"
	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/logging"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
	"github.com/smartqso/payload-supervisor/internal/status"
	"github.com/smartqso/payload-supervisor/internal/thermal"
	"github.com/smartqso/payload-supervisor/internal/tracing"
)

const (
	DefaultMonitorInterval = time.Second
	DefaultStopTimeout     = 5 * time.Second
	DefaultJoinTimeout     = 5 * time.Second

	temperatureWindow = 5 * time.Minute
)

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrNoLink         = errors.New("supervisor requires a link")
)

// Link is the health link as the supervisor uses it. *link.Link satisfies it.
type Link interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan link.Event
	Disconnects() <-chan link.Event
	IsConnected() bool
	IsHealthy() bool
	Send(status link.StatusCode, data any) error
	Stats() link.Stats
}

// Hooks contains optional functions called on supervisor events. They run
// on supervisor goroutines and must not block.
type Hooks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)

	// OnCommand is called for every valid OBC command before it is handled.
	OnCommand func(cmd link.Command)

	// OnExit is called for every process exit reaped by the monitor.
	OnExit func(exit process.Exit)

	// OnMetrics is called with every system metrics sample.
	OnMetrics func(m sampler.SystemMetrics)
}

// Config holds configuration for creating a Supervisor.
type Config struct {
	Link      Link
	Processes *process.Manager
	Sampler   sampler.Sampler
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Hooks     Hooks

	Thresholds      thermal.Thresholds
	StatusInterval  time.Duration
	MonitorInterval time.Duration

	// StopTimeout bounds each process stop; JoinTimeout bounds the wait for
	// each loop goroutine during Stop.
	StopTimeout time.Duration
	JoinTimeout time.Duration

	BootID string

	// Callsign is the station id in the health feed. Defaults to the
	// agent's.
	Callsign string
}

type loop struct {
	name string
	done chan struct{}
}

// Supervisor ties the health link, thermal machine, process manager and
// status reporter together.
type Supervisor struct {
	link     Link
	procs    *process.Manager
	sampler  sampler.Sampler
	machine  *thermal.Machine
	reporter *status.Reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	hooks    Hooks

	monitorInterval time.Duration
	stopTimeout     time.Duration
	joinTimeout     time.Duration
	callsign        string

	state      atomic.Int32
	powerState atomic.Uint32
	startedAt  atomic.Int64

	metricsMu sync.RWMutex
	metrics   sampler.SystemMetrics
	temps     *sampler.Digest

	healthMu   sync.RWMutex
	lastHealth link.HealthMessage
	healthSeen bool
	fed        atomic.Uint64

	lifeMu sync.Mutex
	cancel context.CancelFunc
	loops  []loop

	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopped       chan struct{}
}

// New creates a Supervisor. It fails only on invalid thresholds or a
// missing link.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Link == nil {
		return nil, ErrNoLink
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Processes == nil {
		cfg.Processes = process.NewManager(process.Config{Logger: cfg.Logger})
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sampler.StaticSampler{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
	}
	if cfg.Thresholds == (thermal.Thresholds{}) {
		cfg.Thresholds = thermal.Thresholds{
			Throttle: thermal.DefaultThrottleTemp,
			Shutdown: thermal.DefaultShutdownTemp,
		}
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Callsign == "" {
		cfg.Callsign = agent.DefaultCall
	}

	machine, err := thermal.NewMachine(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("thermal thresholds: %w", err)
	}

	logger := logging.Component(cfg.Logger, "supervisor")
	s := &Supervisor{
		link:            cfg.Link,
		procs:           cfg.Processes,
		sampler:         cfg.Sampler,
		machine:         machine,
		logger:          logger,
		tracer:          cfg.Tracer,
		hooks:           cfg.Hooks,
		monitorInterval: cfg.MonitorInterval,
		stopTimeout:     cfg.StopTimeout,
		joinTimeout:     cfg.JoinTimeout,
		callsign:        cfg.Callsign,
		temps:           sampler.NewDigest(temperatureWindow),
		stopped:         make(chan struct{}),
	}
	s.powerState.Store(uint32(link.PowerIdle))
	s.reporter = status.New(status.Config{
		Source:   s,
		Sender:   cfg.Link,
		Logger:   logging.Component(cfg.Logger, "status"),
		Interval: cfg.StatusInterval,
		BootID:   cfg.BootID,
		OnCycle:  s.feedHealth,
	})
	return s, nil
}

// Start brings the supervisor to RUNNING. The loops run until Stop or until
// ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.transition(StateInit, StateStarting) {
		return ErrAlreadyStarted
	}
	s.startedAt.Store(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(ctx)
	s.lifeMu.Lock()
	s.cancel = cancel
	s.lifeMu.Unlock()

	s.logger.Info("supervisor_starting",
		"boot_id", s.reporter.BootID(),
		"throttle_temp", s.machine.Thresholds().Throttle,
		"shutdown_temp", s.machine.Thresholds().Shutdown,
		"processes", s.procs.Names(),
	)

	if err := s.link.Start(ctx); err != nil {
		s.logger.Error("link_start_failed", "error", err)
		s.Stop()
		return fmt.Errorf("start link: %w", err)
	}

	s.spawn("dispatch", func() { s.dispatchLoop(ctx) })
	s.spawn("monitor", func() { s.monitorLoop(ctx) })
	s.spawn("status", func() { s.reporter.Run(ctx) })

	if err := s.procs.StartAll(); err != nil {
		// a process that fails to spawn is reported as not running
		s.logger.Warn("process_start_failed", "error", err)
	}
	// first line now rather than one status interval after spawn
	s.feedHealth()

	if !s.transition(StateStarting, StateRunning) {
		// stopped while starting; do not leave late spawns behind
		if err := s.procs.StopAll(s.stopTimeout); err != nil {
			s.logger.Warn("process_stop_failed", "error", err)
		}
		return nil
	}
	s.syncThrottle(s.machine.Causes())
	return nil
}

// spawn runs fn as a named loop joined by Stop.
func (s *Supervisor) spawn(name string, fn func()) {
	l := loop{name: name, done: make(chan struct{})}
	s.lifeMu.Lock()
	s.loops = append(s.loops, l)
	s.lifeMu.Unlock()

	go func() {
		defer close(l.done)
		fn()
	}()
}

// Run starts the supervisor and blocks until it stops, either on an OBC
// SHUTDOWN, a thermal shutdown or cancellation of ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("supervisor_context_done", "reason", context.Cause(ctx))
		s.Stop()
	case <-s.stopped:
	}
	return nil
}

// Stop shuts everything down. It is idempotent and safe to call from any
// goroutine other than a supervisor loop; loops use requestStop.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(s.shutdown)
	<-s.stopped
}

// Wait returns a channel closed once the supervisor reaches STOPPED.
func (s *Supervisor) Wait() <-chan struct{} {
	return s.stopped
}

// requestStop starts Stop on its own goroutine so a loop never joins itself.
func (s *Supervisor) requestStop(reason string) {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("shutdown_requested", "reason", reason)
	go s.Stop()
}

func (s *Supervisor) shutdown() {
	start := time.Now()
	s.forceState(StateShuttingDown)

	_, span := s.tracer.Start(context.Background(), "shutdown")
	defer span.End()

	if err := s.procs.StopAll(s.stopTimeout); err != nil {
		span.RecordError(err)
		s.logger.Warn("process_stop_failed", "error", err)
	}
	s.link.Stop()

	s.lifeMu.Lock()
	cancel, loops := s.cancel, s.loops
	s.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, l := range loops {
		select {
		case <-l.done:
		case <-time.After(s.joinTimeout):
			s.logger.Error("shutdown_anomaly",
				"loop", l.name,
				"timeout", s.joinTimeout.String(),
			)
		}
	}

	s.forceState(StateStopped)
	s.logger.Info("supervisor_stopped", "duration", time.Since(start).String())
	close(s.stopped)
}

// transition moves from one state to another if the current state is from.
func (s *Supervisor) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.stateChanged(from, to)
	return true
}

// forceState sets the state unconditionally. Used only on the stop path.
func (s *Supervisor) forceState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.stateChanged(from, to)
	}
}

func (s *Supervisor) stateChanged(from, to State) {
	s.logger.Info("state_change", "from", from.String(), "to", to.String())
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(from, to)
	}
}

// syncThrottle moves between RUNNING and THROTTLING to match the active
// causes. Other states are left alone.
func (s *Supervisor) syncThrottle(causes thermal.Cause) {
	if causes != 0 {
		if s.transition(StateRunning, StateThrottling) {
			s.logger.Warn("throttle_engaged", "causes", causes.String())
		}
		return
	}
	if s.transition(StateThrottling, StateRunning) {
		s.logger.Info("throttle_released")
	}
}

// applyDecision acts on a thermal machine decision.
func (s *Supervisor) applyDecision(d thermal.Decision) {
	if d.Action == thermal.ActionShutdown {
		s.requestStop("thermal_shutdown")
		return
	}
	s.syncThrottle(d.Causes)
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// PowerState returns the power state last reported by the OBC.
func (s *Supervisor) PowerState() link.PowerState {
	return link.PowerState(s.powerState.Load())
}

// Metrics returns a copy of the latest system metrics.
func (s *Supervisor) Metrics() sampler.SystemMetrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

// IsHealthy reports whether the supervisor is serving and the link is alive.
func (s *Supervisor) IsHealthy() bool {
	return s.State().IsActive() && s.link.IsHealthy()
}

// Reporter exposes the status reporter.
func (s *Supervisor) Reporter() *status.Reporter {
	return s.reporter
}

// StatusInput implements status.Source.
func (s *Supervisor) StatusInput() status.Input {
	return status.Input{
		State:        s.State().String(),
		PowerState:   s.PowerState(),
		Metrics:      s.Metrics(),
		Processes:    s.procs.Statuses(),
		Link:         s.link.Stats(),
		ShutdownTemp: s.machine.Thresholds().Shutdown,
	}
}

// Snapshot is a point-in-time view of the supervisor for dashboards and
// health endpoints.
type Snapshot struct {
	State      State
	PowerState link.PowerState
	Causes     thermal.Cause
	Thresholds thermal.Thresholds

	Metrics        sampler.SystemMetrics
	TemperatureP50 float64
	TemperatureMax float64

	Processes []process.Status

	Link          link.Stats
	LinkConnected bool
	LinkHealthy   bool

	Status         status.Stats
	StatusInterval time.Duration
	HealthFed      uint64

	BootID    string
	StartedAt time.Time
	Healthy   bool
}

// Snapshot returns the current view.
func (s *Supervisor) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		State:          s.State(),
		PowerState:     s.PowerState(),
		Causes:         s.machine.Causes(),
		Thresholds:     s.machine.Thresholds(),
		Metrics:        s.Metrics(),
		TemperatureP50: s.temps.Quantile(0.5, now),
		TemperatureMax: s.temps.Max(now),
		Processes:      s.procs.Statuses(),
		Link:           s.link.Stats(),
		LinkConnected:  s.link.IsConnected(),
		LinkHealthy:    s.link.IsHealthy(),
		Status:         s.reporter.Stats(),
		StatusInterval: s.reporter.Interval(),
		HealthFed:      s.fed.Load(),
		BootID:         s.reporter.BootID(),
		Healthy:        s.IsHealthy(),
	}
	if ns := s.startedAt.Load(); ns != 0 {
		snap.StartedAt = time.Unix(0, ns)
	}
	return snap
}
