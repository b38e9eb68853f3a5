package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartqso/payload-supervisor/internal/config"
	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
	"github.com/smartqso/payload-supervisor/internal/supervisor"
	"github.com/smartqso/payload-supervisor/internal/thermal"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offlineDialer never reaches the OBC.
type offlineDialer struct{}

func (offlineDialer) Open() (link.Port, error) { return nil, errors.New("no obc") }
func (offlineDialer) Name() string             { return "offline" }

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processes = nil
	cfg.SkipPreflight = true
	cfg.MetricsSource = config.SourceStatic
	cfg.StaticTemp = 42
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StatusInterval = 50 * time.Millisecond
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.JoinTimeout = time.Second
	return cfg
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// =============================================================================
// Tests: construction
// =============================================================================

func TestNew_RegistersProcesses(t *testing.T) {
	cfg := newTestConfig()
	cfg.Processes = []config.ProcessConfig{
		{Name: "llama_runner", Command: []string{"sleep", "10"}, RestartOnFailure: true, MaxRestarts: 3},
		{Name: "beacon", Command: []string{"sleep", "10"}},
	}

	o, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"beacon", "llama_runner"}, o.procs.Names())
	assert.NotEmpty(t, o.BootID())
	assert.Nil(t, o.Supervisor())
	assert.Equal(t, supervisor.Snapshot{}, o.Snapshot())
}

func TestNew_RejectsBadProcess(t *testing.T) {
	cfg := newTestConfig()
	cfg.Processes = []config.ProcessConfig{{Name: "", Command: []string{"true"}}}

	_, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrEmptyName)
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name   string
		source string
		check  func(t *testing.T, s sampler.Sampler)
	}{
		{
			name:   "static",
			source: config.SourceStatic,
			check: func(t *testing.T, s sampler.Sampler) {
				m, err := s.Sample(context.Background())
				require.NoError(t, err)
				assert.Equal(t, 42.0, m.TemperatureC)
			},
		},
		{
			name:   "exporter",
			source: config.SourceExporter,
			check: func(t *testing.T, s sampler.Sampler) {
				assert.IsType(t, &sampler.ExporterSampler{}, s)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.MetricsSource = tt.source
			cfg.ExporterURL = "http://127.0.0.1:9100/metrics"
			s, err := newSampler(cfg)
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestThresholds(t *testing.T) {
	cfg := newTestConfig()
	cfg.ThrottleTemp = 70
	cfg.ShutdownTemp = 80
	o, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}))
	require.NoError(t, err)
	assert.Equal(t, thermal.Thresholds{Throttle: 70, Shutdown: 80}, o.thresholds())
}

// =============================================================================
// Tests: run
// =============================================================================

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := newTestConfig()
	cfg.GRPCHealthAddr = "127.0.0.1:0"

	var summary bytes.Buffer
	o, err := New(cfg, newTestLogger(),
		WithDialer(offlineDialer{}),
		WithVersion("test"),
		WithSummaryWriter(&summary),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case <-o.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator never became ready")
	}
	require.NotEmpty(t, o.MetricsAddr())
	require.NotEmpty(t, o.GRPCHealthAddr())

	base := "http://" + o.MetricsAddr()
	require.Eventually(t, func() bool {
		return o.Supervisor().State().IsActive()
	}, 5*time.Second, 10*time.Millisecond)

	code, body := httpGet(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "qso_supervisor_info")
	assert.Contains(t, body, o.BootID())
	assert.Contains(t, body, "go_goroutines")

	code, _ = httpGet(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)

	// no OBC, so the link is never healthy
	code, _ = httpGet(t, base+"/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, supervisor.StateStopped, o.Supervisor().State())
	out := summary.String()
	assert.Contains(t, out, "payload-supervisor Exit Summary")
	assert.Contains(t, out, "Final State:            STOPPED")
	assert.Contains(t, out, o.BootID())
}

func TestRun_FeedsHealthToProcesses(t *testing.T) {
	cfg := newTestConfig()
	cfg.Callsign = "W1AW"
	cfg.Processes = []config.ProcessConfig{{
		Name:             "llama_runner",
		Command:          []string{"sh", "-c", "while read line; do :; done"},
		RestartOnFailure: true,
		MaxRestarts:      3,
		HealthFeed:       true,
	}}

	o, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}), WithSummaryWriter(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-o.Ready()

	require.Eventually(t, func() bool {
		return o.Snapshot().HealthFed >= 3
	}, 5*time.Second, 10*time.Millisecond)

	procs := o.Snapshot().Processes
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Running)
	assert.Zero(t, procs[0].Restarts)
	assert.Equal(t, "W1AW", o.Supervisor().HealthLine(time.Now()).Call)
}

func TestRun_PreflightFailure(t *testing.T) {
	cfg := newTestConfig()
	cfg.SkipPreflight = false
	cfg.Processes = []config.ProcessConfig{
		{Name: "llama_runner", Command: []string{"definitely-not-installed-qso-binary"}},
	}

	o, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}), WithSummaryWriter(io.Discard))
	require.NoError(t, err)

	err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrPreflightFailed)
	assert.Nil(t, o.Supervisor())
}

func TestRun_MetricsAddrInUse(t *testing.T) {
	first, err := New(newTestConfig(), newTestLogger(), WithDialer(offlineDialer{}), WithSummaryWriter(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-first.Ready()

	cfg := newTestConfig()
	cfg.MetricsAddr = first.MetricsAddr()
	second, err := New(cfg, newTestLogger(), WithDialer(offlineDialer{}), WithSummaryWriter(io.Discard))
	require.NoError(t, err)

	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics server")
}

// =============================================================================
// Tests: summary
// =============================================================================

func TestWriteSummary(t *testing.T) {
	snap := supervisor.Snapshot{
		State:          supervisor.StateStopped,
		BootID:         "boot-1",
		Thresholds:     thermal.Thresholds{Throttle: 75, Shutdown: 85},
		TemperatureP50: 61,
		TemperatureMax: 78.5,
		Processes: []process.Status{
			{Name: "llama_runner", Restarts: 2, MaxRestarts: 3, LastExitCode: 143, HasExited: true},
			{Name: "beacon", MaxRestarts: 0},
		},
		Link: link.Stats{RxCount: 12, RxErrors: 1, CRCErrors: 1, TxCount: 7, Disconnects: 2},
	}

	var buf bytes.Buffer
	writeSummary(&buf, snap, 90*time.Second, "127.0.0.1:17092")
	out := buf.String()

	for _, want := range []string{
		"Run Duration:           00:01:30",
		"Boot ID:                boot-1",
		"Final State:            STOPPED",
		"Max:                  78.5 C",
		"llama_runner",
		"restarts 2/3",
		"last exit 143 (SIGTERM)",
		"last exit -",
		"Messages Received:    12",
		"Receive Errors:       1 (crc 1)",
		"Disconnects:          2",
		"http://127.0.0.1:17092/metrics",
	} {
		assert.Contains(t, out, want)
	}
}

func TestWriteSummary_OmitsEmptySections(t *testing.T) {
	var buf bytes.Buffer
	writeSummary(&buf, supervisor.Snapshot{}, 0, "")
	out := buf.String()

	assert.NotContains(t, out, "Temperature:")
	assert.NotContains(t, out, "Processes:")
	assert.NotContains(t, out, "Metrics endpoint")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{25 * time.Hour, "25:00:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := map[int]string{
		0:   "(clean)",
		1:   "(error)",
		137: "(SIGKILL)",
		143: "(SIGTERM)",
		42:  "",
	}
	for code, want := range tests {
		assert.Equal(t, want, exitCodeLabel(code), "code %d", code)
	}
}

func TestSummaryHeaderFitsBanner(t *testing.T) {
	var buf bytes.Buffer
	writeSummary(&buf, supervisor.Snapshot{}, 0, "")
	lines := strings.Split(buf.String(), "\n")
	require.Greater(t, len(lines), 3)
	assert.Equal(t, lines[1], lines[3])
}
