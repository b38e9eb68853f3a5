package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartqso/payload-supervisor/internal/agent"
	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
	"github.com/smartqso/payload-supervisor/internal/status"
	"github.com/smartqso/payload-supervisor/internal/thermal"
)

// =============================================================================
// Test helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentStatus struct {
	code link.StatusCode
	data any
}

// fakeLink stands in for the serial health link.
type fakeLink struct {
	events      chan link.Event
	disconnects chan link.Event

	mu        sync.Mutex
	connected bool
	healthy   bool
	sends     []sentStatus

	starts atomic.Int32
	stops  atomic.Int32
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		events:      make(chan link.Event, 16),
		disconnects: make(chan link.Event, 1),
		connected:   true,
		healthy:     true,
	}
}

func (l *fakeLink) Start(context.Context) error {
	l.starts.Add(1)
	return nil
}

func (l *fakeLink) Stop() { l.stops.Add(1) }

func (l *fakeLink) Events() <-chan link.Event      { return l.events }
func (l *fakeLink) Disconnects() <-chan link.Event { return l.disconnects }
func (l *fakeLink) Stats() link.Stats              { return link.Stats{RxCount: 7} }

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) IsHealthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

func (l *fakeLink) Send(code link.StatusCode, data any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return link.ErrNotConnected
	}
	l.sends = append(l.sends, sentStatus{code: code, data: data})
	return nil
}

func (l *fakeLink) sent() []sentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentStatus(nil), l.sends...)
}

func (l *fakeLink) command(cmd link.Command, ps link.PowerState, data map[string]any) {
	l.events <- link.Event{
		Kind: link.EventMessage,
		Message: link.HealthMessage{
			Command:    cmd,
			PowerState: ps,
			Data:       data,
		},
		At: time.Now(),
	}
}

// stateRecorder collects transitions from the OnStateChange hook.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, l Link, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		Link:            l,
		Processes:       process.NewManager(process.Config{Logger: newTestLogger(), RestartPause: 10 * time.Millisecond}),
		Sampler:         sampler.StaticSampler{Metrics: sampler.SystemMetrics{TemperatureC: 45}},
		Logger:          newTestLogger(),
		MonitorInterval: 10 * time.Millisecond,
		StatusInterval:  time.Hour,
		StopTimeout:     2 * time.Second,
		JoinTimeout:     2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStopped(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Wait():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not stop, state %v", s.State())
	}
}

// =============================================================================
// Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateInit, "INIT"},
		{StateStarting, "STARTING"},
		{StateRunning, "RUNNING"},
		{StateThrottling, "THROTTLING"},
		{StateShuttingDown, "SHUTTING_DOWN"},
		{StateStopped, "STOPPED"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if !StateThrottling.IsActive() || StateStarting.IsActive() {
		t.Error("IsActive wrong")
	}
	if !StateStopped.IsTerminal() || StateShuttingDown.IsTerminal() {
		t.Error("IsTerminal wrong")
	}
}

// =============================================================================
// Tests: construction and lifecycle
// =============================================================================

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoLink) {
		t.Errorf("New without link = %v, want ErrNoLink", err)
	}
	_, err := New(Config{
		Link:       newFakeLink(),
		Logger:     newTestLogger(),
		Thresholds: thermal.Thresholds{Throttle: 90, Shutdown: 80},
	})
	if !errors.Is(err, thermal.ErrInvertedThresholds) {
		t.Errorf("New with inverted thresholds = %v, want ErrInvertedThresholds", err)
	}
}

func TestSupervisor_StartTwice(t *testing.T) {
	s := newTestSupervisor(t, newFakeLink(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_StopIdempotent(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Stop()
	s.Stop()

	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", s.State())
	}
	if l.stops.Load() != 1 {
		t.Errorf("link stopped %d times, want 1", l.stops.Load())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	s := newTestSupervisor(t, newFakeLink(), nil)
	s.Stop()
	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", s.State())
	}
}

func TestSupervisor_RunReturnsOnCancel(t *testing.T) {
	s := newTestSupervisor(t, newFakeLink(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 2*time.Second, "RUNNING", func() bool { return s.State() == StateRunning })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", s.State())
	}
}

// =============================================================================
// Tests: scenarios
// =============================================================================

func TestSupervisor_NormalCycle(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.procs.Register("llama_runner", []string{"sleep", "30"}, true, 3); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %v, want RUNNING", s.State())
	}
	if !s.IsHealthy() {
		t.Error("expected healthy")
	}

	l.command(link.CommandHeartbeat, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "ACTIVE power state", func() bool { return s.PowerState() == link.PowerActive })

	waitFor(t, 2*time.Second, "first sample", func() bool { return s.Metrics().TemperatureC == 45 })

	l.command(link.CommandStatusRequest, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "status response", func() bool { return len(l.sent()) == 1 })

	resp := l.sent()[0]
	if resp.code != link.StatusOK {
		t.Errorf("status code = %v, want OK", resp.code)
	}
	rep := resp.data.(status.Report)
	if rep.State != "RUNNING" || rep.PowerState != "ACTIVE" {
		t.Errorf("report state = %s/%s", rep.State, rep.PowerState)
	}
	if p, ok := rep.Processes["llama_runner"]; !ok || !p.Running || p.PID == nil || *p.PID == 0 {
		t.Errorf("report processes = %+v", rep.Processes)
	}
	if rep.TemperatureC != 45 {
		t.Errorf("report temperature = %v, want 45", rep.TemperatureC)
	}

	l.command(link.CommandShutdown, link.PowerActive, nil)
	waitStopped(t, s)

	for _, p := range s.procs.Statuses() {
		if p.Running {
			t.Errorf("process %s still running after shutdown", p.Name)
		}
	}
	if l.stops.Load() != 1 {
		t.Errorf("link stopped %d times, want 1", l.stops.Load())
	}
}

func TestSupervisor_ThermalShutdown(t *testing.T) {
	rec := &stateRecorder{}
	l := newFakeLink()
	s := newTestSupervisor(t, l, func(c *Config) {
		c.Sampler = &sampler.SequenceSampler{Temps: []float64{60, 78, 90}}
		c.Hooks.OnStateChange = rec.record
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, s)

	if rec.count(StateThrottling) != 1 {
		t.Errorf("THROTTLING entered %d times, want 1", rec.count(StateThrottling))
	}
	if rec.count(StateShuttingDown) != 1 {
		t.Errorf("SHUTTING_DOWN entered %d times, want 1", rec.count(StateShuttingDown))
	}
	if rec.count(StateStopped) != 1 {
		t.Errorf("STOPPED entered %d times, want 1", rec.count(StateStopped))
	}
	if l.stops.Load() != 1 {
		t.Errorf("link stopped %d times, want 1", l.stops.Load())
	}
	if got := s.Metrics().TemperatureC; got != 90 {
		t.Errorf("last temperature = %v, want 90", got)
	}
}

func TestSupervisor_LinkFlap(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.disconnects <- link.Event{Kind: link.EventDisconnect, Reason: "heartbeat_timeout"}
	waitFor(t, 2*time.Second, "THROTTLING", func() bool { return s.State() == StateThrottling })
	if s.Snapshot().Causes != thermal.CauseLink {
		t.Errorf("causes = %v, want link", s.Snapshot().Causes)
	}

	// reconnect alone does not clear the link cause
	l.events <- link.Event{Kind: link.EventConnect}
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateThrottling {
		t.Errorf("state after connect = %v, want THROTTLING", s.State())
	}

	l.command(link.CommandHeartbeat, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "RUNNING", func() bool { return s.State() == StateRunning })
}

func TestSupervisor_PowerStates(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.PowerState() != link.PowerIdle {
		t.Errorf("initial power state = %v, want IDLE", s.PowerState())
	}

	l.command(link.CommandPowerState, link.PowerSafe, nil)
	waitFor(t, 2*time.Second, "THROTTLING on SAFE", func() bool { return s.State() == StateThrottling })

	l.command(link.CommandPowerState, link.PowerIdle, nil)
	waitFor(t, 2*time.Second, "RUNNING on IDLE", func() bool { return s.State() == StateRunning })

	l.command(link.CommandHeartbeat, link.PowerSafe, nil)
	waitFor(t, 2*time.Second, "THROTTLING on SAFE heartbeat", func() bool { return s.State() == StateThrottling })

	l.command(link.CommandHeartbeat, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "RUNNING on ACTIVE", func() bool { return s.State() == StateRunning })
}

func TestSupervisor_ThrottleStatusWarning(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, func(c *Config) {
		c.Sampler = sampler.StaticSampler{Metrics: sampler.SystemMetrics{TemperatureC: 80}}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "THROTTLING", func() bool { return s.State() == StateThrottling })

	l.command(link.CommandStatusRequest, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "status response", func() bool { return len(l.sent()) == 1 })
	if code := l.sent()[0].code; code != link.StatusWarning {
		t.Errorf("status code = %v, want WARNING", code)
	}
}

func TestSupervisor_ConfigUpdate(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.command(link.CommandConfigUpdate, link.PowerIdle, map[string]any{
		"thermal_throttle_temp": 70.0,
		"thermal_shutdown_temp": 80.0,
		"status_interval":       2.0,
		"unrelated":             "ignored",
	})
	waitFor(t, 2*time.Second, "thresholds applied", func() bool {
		return s.Snapshot().Thresholds == thermal.Thresholds{Throttle: 70, Shutdown: 80}
	})
	waitFor(t, 2*time.Second, "interval applied", func() bool {
		return s.Reporter().Interval() == 2*time.Second
	})

	// inverted pair is rejected as a whole
	l.command(link.CommandConfigUpdate, link.PowerIdle, map[string]any{
		"thermal_throttle_temp": 95.0,
	})
	l.command(link.CommandConfigUpdate, link.PowerIdle, map[string]any{
		"status_interval": "fast",
	})
	l.command(link.CommandStatusRequest, link.PowerIdle, nil)
	waitFor(t, 2*time.Second, "status response", func() bool { return len(l.sent()) >= 1 })

	if th := s.Snapshot().Thresholds; th.Throttle != 70 || th.Shutdown != 80 {
		t.Errorf("thresholds = %+v, want unchanged 70/80", th)
	}
	if s.Reporter().Interval() != 2*time.Second {
		t.Errorf("interval = %v, want unchanged 2s", s.Reporter().Interval())
	}
}

func TestSupervisor_RestartCommand(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, nil)
	if err := s.procs.Register("llama_runner", []string{"sleep", "30"}, true, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := s.procs.Statuses()[0]
	if !before.Running {
		t.Fatal("process not running after Start")
	}

	l.command(link.CommandRestart, link.PowerActive, nil)
	waitFor(t, 5*time.Second, "new pid", func() bool {
		st := s.procs.Statuses()[0]
		return st.Running && st.PID != before.PID
	})

	if st := s.procs.Statuses()[0]; st.Restarts != 0 {
		t.Errorf("restarts = %d, want counters reset", st.Restarts)
	}
}

func TestSupervisor_CrashedProcessRestarted(t *testing.T) {
	var exits atomic.Int32
	l := newFakeLink()
	s := newTestSupervisor(t, l, func(c *Config) {
		c.Hooks.OnExit = func(process.Exit) { exits.Add(1) }
	})
	if err := s.procs.Register("flaky", []string{"sh", "-c", "exit 3"}, true, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, "budget exhausted", func() bool {
		return s.procs.Statuses()[0].Exhausted
	})
	if got := s.procs.Statuses()[0].Restarts; got != 2 {
		t.Errorf("restarts = %d, want 2", got)
	}
	if exits.Load() < 3 {
		t.Errorf("exits = %d, want at least 3", exits.Load())
	}

	l.command(link.CommandStatusRequest, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "status response", func() bool { return len(l.sent()) == 1 })
	if code := l.sent()[0].code; code != link.StatusWarning {
		t.Errorf("status code = %v, want WARNING for exhausted budget", code)
	}
}

func TestSupervisor_HandlerPanicRecovered(t *testing.T) {
	var calls atomic.Int32
	l := newFakeLink()
	s := newTestSupervisor(t, l, func(c *Config) {
		c.Hooks.OnCommand = func(link.Command) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.command(link.CommandHeartbeat, link.PowerActive, nil)
	l.command(link.CommandHeartbeat, link.PowerActive, nil)
	waitFor(t, 2*time.Second, "second command handled", func() bool {
		return s.PowerState() == link.PowerActive
	})
	if s.State() != StateRunning {
		t.Errorf("state = %v, want RUNNING", s.State())
	}
}

func TestSupervisor_Snapshot(t *testing.T) {
	l := newFakeLink()
	s := newTestSupervisor(t, l, func(c *Config) { c.BootID = "boot-42" })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "first sample", func() bool { return s.Metrics().TemperatureC == 45 })

	snap := s.Snapshot()
	if snap.BootID != "boot-42" {
		t.Errorf("BootID = %q", snap.BootID)
	}
	if snap.State != StateRunning || !snap.Healthy || !snap.LinkConnected {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.TemperatureMax != 45 || snap.Link.RxCount != 7 {
		t.Errorf("snapshot metrics = max %v rx %d", snap.TemperatureMax, snap.Link.RxCount)
	}
	if snap.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	l.mu.Lock()
	l.healthy = false
	l.mu.Unlock()
	if s.IsHealthy() {
		t.Error("unhealthy link must make the supervisor unhealthy")
	}
}

// =============================================================================
// Tests: health feed
// =============================================================================

// lineLog is a concurrency-safe log sink.
type lineLog struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (l *lineLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lineLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestSupervisor_HealthLine(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	tests := []struct {
		name string
		msg  *link.HealthMessage
		want agent.Health
	}{
		{
			name: "before any OBC message",
			want: agent.Health{Call: "SMARTQ-1", Time: "2026-03-14T15:09:26Z", Mode: "IDLE", SOC: 50, Sun: true, RF: true, Pwr: "FAIR"},
		},
		{
			name: "heartbeat fields",
			msg:  &link.HealthMessage{Command: link.CommandHeartbeat, PowerState: link.PowerActive, BatterySOC: 82.6},
			want: agent.Health{Call: "SMARTQ-1", Time: "2026-03-14T15:09:26Z", Mode: "ACTIVE", SOC: 83, Sun: true, RF: true, Pwr: "GOOD"},
		},
		{
			name: "low battery in safe mode",
			msg:  &link.HealthMessage{Command: link.CommandPowerState, PowerState: link.PowerSafe, BatterySOC: 12},
			want: agent.Health{Call: "SMARTQ-1", Time: "2026-03-14T15:09:26Z", Mode: "SAFE", SOC: 12, Sun: true, RF: true, Pwr: "LOW"},
		},
		{
			name: "data overrides",
			msg: &link.HealthMessage{
				Command:    link.CommandHeartbeat,
				PowerState: link.PowerIdle,
				BatterySOC: 45,
				Data:       map[string]any{"sun": false, "rf": false, "qso": float64(7), "pwr": "GOOD"},
			},
			want: agent.Health{Call: "SMARTQ-1", Time: "2026-03-14T15:09:26Z", Mode: "IDLE", SOC: 45, Sun: false, RF: false, Pwr: "GOOD", QSO: 7},
		},
		{
			name: "out of range soc clamps",
			msg:  &link.HealthMessage{Command: link.CommandHeartbeat, PowerState: link.PowerIdle, BatterySOC: 140},
			want: agent.Health{Call: "SMARTQ-1", Time: "2026-03-14T15:09:26Z", Mode: "IDLE", SOC: 100, Sun: true, RF: true, Pwr: "GOOD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLink()
			s := newTestSupervisor(t, l, nil)
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if tt.msg != nil {
				l.events <- link.Event{Kind: link.EventMessage, Message: *tt.msg, At: now}
				waitFor(t, 2*time.Second, "power state", func() bool { return s.PowerState() == tt.msg.PowerState })
				waitFor(t, 2*time.Second, "health recorded", func() bool { return s.HealthLine(now).SOC == tt.want.SOC })
			}
			if got := s.HealthLine(now); got != tt.want {
				t.Errorf("HealthLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSupervisor_HealthLineCallsign(t *testing.T) {
	s := newTestSupervisor(t, newFakeLink(), func(c *Config) { c.Callsign = "W1AW" })
	if got := s.HealthLine(time.Now()).Call; got != "W1AW" {
		t.Errorf("Call = %q, want W1AW", got)
	}
}

func TestSupervisor_FeedKeepsStdinReaderRunning(t *testing.T) {
	var out lineLog
	l := newFakeLink()
	// the OBC is gone: the feed must not depend on the link
	l.connected = false
	s := newTestSupervisor(t, l, func(c *Config) {
		c.Logger = slog.New(slog.NewTextHandler(&out, nil))
		c.Processes = process.NewManager(process.Config{Logger: c.Logger})
		c.StatusInterval = 20 * time.Millisecond
	})
	agentLoop := []string{"sh", "-c", `while read line; do echo "beacon $line"; done`}
	if err := s.procs.Register("llama_runner", agentLoop, true, 3, process.WithStdinFeed()); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := s.procs.Statuses()[0].PID

	// several monitor ticks and status cycles
	waitFor(t, 5*time.Second, "health lines", func() bool { return s.Snapshot().HealthFed >= 4 })
	time.Sleep(50 * time.Millisecond)

	st := s.procs.Statuses()[0]
	if !st.Running || st.PID != pid || st.Restarts != 0 {
		t.Errorf("llama_runner = %+v, want original pid %d running with no restarts", st, pid)
	}
	if len(l.sent()) != 0 {
		t.Errorf("sent %d reports over a disconnected link", len(l.sent()))
	}
	waitFor(t, 2*time.Second, "echoed health line", func() bool {
		return strings.Contains(out.String(), `beacon {\"call\":\"SMARTQ-1\"`)
	})
}
