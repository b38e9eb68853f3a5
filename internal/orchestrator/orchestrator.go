package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/smartqso/payload-supervisor/internal/config"
	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/logging"
	"github.com/smartqso/payload-supervisor/internal/metrics"
	"github.com/smartqso/payload-supervisor/internal/preflight"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
	"github.com/smartqso/payload-supervisor/internal/supervisor"
	"github.com/smartqso/payload-supervisor/internal/thermal"
	"github.com/smartqso/payload-supervisor/internal/tracing"
	"github.com/smartqso/payload-supervisor/internal/tui"
)

const shutdownTimeout = 10 * time.Second

var ErrPreflightFailed = errors.New("preflight checks failed (use -skip-preflight to override)")

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithDialer replaces the serial dialer, for simulation and tests.
func WithDialer(d link.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

// WithSampler replaces the sampler chosen from the config.
func WithSampler(s sampler.Sampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithVersion sets the version exported in metrics.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// WithSummaryWriter sets where the exit summary goes. Defaults to stdout.
func WithSummaryWriter(w io.Writer) Option {
	return func(o *Orchestrator) { o.summary = w }
}

// Orchestrator wires the supervisor to its link, processes, metrics and
// health endpoints, and owns the process lifetime.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	summary io.Writer

	dialer  link.Dialer
	sampler sampler.Sampler
	bootID  string

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	grpcHealth    *metrics.GRPCHealth

	link  *link.Link
	procs *process.Manager
	sup   *supervisor.Supervisor

	ready     chan struct{}
	readyOnce sync.Once
	startTime time.Time
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		version:  "dev",
		summary:  os.Stdout,
		bootID:   uuid.NewString(),
		registry: prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.dialer == nil {
		o.dialer = link.SerialDialer{
			Device:      cfg.SerialPort,
			BaudRate:    cfg.BaudRate,
			ReadTimeout: cfg.ReadTimeout,
		}
	}
	if o.sampler == nil {
		s, err := newSampler(cfg)
		if err != nil {
			return nil, err
		}
		o.sampler = s
	}

	o.link = link.New(link.Config{
		Dialer:            o.dialer,
		Logger:            logging.Component(logger, "link"),
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
	})

	o.procs = process.NewManager(process.Config{
		Logger:  logging.Component(logger, "process"),
		Verbose: cfg.Verbose,
	})
	for _, p := range cfg.Processes {
		var opts []process.RegisterOption
		if p.HealthFeed {
			opts = append(opts, process.WithStdinFeed())
		}
		if err := o.procs.Register(p.Name, p.Command, p.RestartOnFailure, p.MaxRestarts, opts...); err != nil {
			return nil, fmt.Errorf("register %s: %w", p.Name, err)
		}
	}

	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: o.version,
		BootID:  o.bootID,
		Source:  o,
	}, o.registry)

	return o, nil
}

// newSampler picks the system metrics source named by the config.
func newSampler(cfg *config.Config) (sampler.Sampler, error) {
	switch cfg.MetricsSource {
	case config.SourceExporter:
		return sampler.NewExporterSampler(cfg.ExporterURL, 0), nil
	case config.SourceStatic:
		return sampler.StaticSampler{Metrics: sampler.SystemMetrics{TemperatureC: cfg.StaticTemp}}, nil
	default:
		s, err := sampler.NewProcSampler(sampler.ProcConfig{
			ProcRoot:    cfg.ProcRoot,
			SysRoot:     cfg.SysRoot,
			GPULoadPath: cfg.GPULoadPath,
			PowerPath:   cfg.PowerPath,
		})
		if err != nil {
			return nil, fmt.Errorf("proc sampler: %w", err)
		}
		return s, nil
	}
}

// Run executes the supervisor. It blocks until the supervisor stops on its
// own (OBC SHUTDOWN, thermal shutdown), a signal arrives, the dashboard is
// closed or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.OptionsFromConfig(o.config))
		preflight.PrintResults(os.Stderr, result)
		if !result.Passed {
			return ErrPreflightFailed
		}
	}

	tp, shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     o.config.TracingEnabled,
		ServiceName: "payload-supervisor",
	}, o.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.ShutdownWithTimeout(shutdownTracing, shutdownTimeout, o.logger)

	sup, err := supervisor.New(supervisor.Config{
		Link:            o.link,
		Processes:       o.procs,
		Sampler:         o.sampler,
		Logger:          o.logger,
		Tracer:          tp.Tracer(tracing.TracerName),
		Hooks:           o.metrics.Hooks(),
		Thresholds:      o.thresholds(),
		StatusInterval:  o.config.StatusInterval,
		MonitorInterval: o.config.MonitorInterval,
		StopTimeout:     o.config.StopTimeout,
		JoinTimeout:     o.config.JoinTimeout,
		BootID:          o.bootID,
		Callsign:        o.config.Callsign,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	o.sup = sup

	if err := o.startServers(); err != nil {
		return err
	}
	o.readyOnce.Do(func() { close(o.ready) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return sup.Run(ctx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	if o.grpcHealth != nil {
		g.Go(func() error {
			o.grpcHealth.Run(ctx, metrics.DefaultHealthPoll)
			return nil
		})
	}
	if o.config.TUIEnabled {
		g.Go(func() error {
			defer cancel()
			return o.runTUI(ctx)
		})
	}
	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	o.stopServers(shutdownCtx)

	o.printExitSummary()
	return runErr
}

func (o *Orchestrator) thresholds() thermal.Thresholds {
	return thermal.Thresholds{
		Throttle: o.config.ThrottleTemp,
		Shutdown: o.config.ShutdownTemp,
	}
}

// startServers binds the HTTP and gRPC endpoints that are configured.
func (o *Orchestrator) startServers() error {
	live := func() bool { return !o.sup.State().IsTerminal() }

	if o.config.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(metrics.ServerConfig{
			Addr:     o.config.MetricsAddr,
			Gatherer: o.registry,
			Logger:   logging.Component(o.logger, "metrics"),
			Live:     live,
			Ready:    o.sup.IsHealthy,
		})
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if o.config.GRPCHealthAddr != "" {
		o.grpcHealth = metrics.NewGRPCHealth(o.config.GRPCHealthAddr, o.sup.IsHealthy, logging.Component(o.logger, "grpc_health"))
		if err := o.grpcHealth.Start(); err != nil {
			o.stopServers(context.Background())
			return fmt.Errorf("failed to start grpc health: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) stopServers(ctx context.Context) {
	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}
	if o.grpcHealth != nil {
		o.grpcHealth.Stop()
	}
}

// runTUI shows the dashboard until the operator quits or ctx ends.
func (o *Orchestrator) runTUI(ctx context.Context) error {
	p := tea.NewProgram(tui.New(tui.Config{
		SerialPort:  o.config.SerialPort,
		MetricsAddr: o.MetricsAddr(),
		Source:      o.sup,
	}), tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		tui.SendQuit(p)
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	o.logger.Info("tui_closed")
	return nil
}

// Snapshot implements metrics.Source. It is empty until Run has built the
// supervisor.
func (o *Orchestrator) Snapshot() supervisor.Snapshot {
	if o.sup == nil {
		return supervisor.Snapshot{}
	}
	return o.sup.Snapshot()
}

// Ready is closed once the endpoints are bound and the supervisor exists.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (o *Orchestrator) MetricsAddr() string {
	if o.metricsServer == nil {
		return ""
	}
	return o.metricsServer.Addr()
}

// GRPCHealthAddr returns the bound gRPC health address, or "" when disabled.
func (o *Orchestrator) GRPCHealthAddr() string {
	if o.grpcHealth == nil {
		return ""
	}
	return o.grpcHealth.Addr()
}

// Supervisor returns the supervisor once Run has built it.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.sup
}

// BootID returns the identifier shared by status reports and metrics.
func (o *Orchestrator) BootID() string {
	return o.bootID
}

// Registry returns the Prometheus registry backing /metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
