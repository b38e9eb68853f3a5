// Package metrics provides Prometheus metrics and health endpoints for the
// payload supervisor.
//
// Event-driven metrics (state changes, commands, process exits, samples)
// are fed through the supervisor hooks. Link counters and the process table
// are read from the supervisor at scrape time.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
	"github.com/smartqso/payload-supervisor/internal/supervisor"
)

const namespace = "qso_supervisor"

// allStates is every supervisor state, in order, for the state gauge.
var allStates = []supervisor.State{
	supervisor.StateInit,
	supervisor.StateStarting,
	supervisor.StateRunning,
	supervisor.StateThrottling,
	supervisor.StateShuttingDown,
	supervisor.StateStopped,
}

// Source is read at scrape time.
type Source interface {
	Snapshot() supervisor.Snapshot
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Version string
	BootID  string

	// Source backs the link and process collectors. Optional.
	Source Source
}

// Collector holds every supervisor metric bound to one registry.
type Collector struct {
	info        *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	commands *prometheus.CounterVec

	exits          *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	budgetExhausts *prometheus.CounterVec

	cpuPercent     prometheus.Gauge
	memoryPercent  prometheus.Gauge
	gpuUtilization prometheus.Gauge
	temperature    prometheus.Gauge
	powerDraw      prometheus.Gauge
	samples        prometheus.Counter
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with registry.
// Registration panics on duplicate metrics, like MustRegister.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the supervisor (value always 1)",
			},
			[]string{"version", "boot_id"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current supervisor state (1 for the active state)",
			},
			[]string{"state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "State transitions by target state",
			},
			[]string{"to"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "obc_commands_total",
				Help:      "Valid OBC commands received, by command",
			},
			[]string{"command"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Managed process exits, by process and exit code",
			},
			[]string{"process", "exit_code"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_restarts_total",
				Help:      "Automatic restarts after a crash",
			},
			[]string{"process"},
		),
		budgetExhausts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_restart_budget_exhausted_total",
				Help:      "Crashes left unrestarted because the restart budget was spent",
			},
			[]string{"process"},
		),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Host CPU utilization",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_percent",
			Help:      "Host memory utilization",
		}),
		gpuUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_utilization_percent",
			Help:      "GPU load",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Hottest thermal zone",
		}),
		powerDraw: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_draw_watts",
			Help:      "Board power draw",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_samples_total",
			Help:      "System metrics samples taken",
		}),
	}

	registry.MustRegister(
		c.info,
		c.state,
		c.transitions,
		c.commands,
		c.exits,
		c.restarts,
		c.budgetExhausts,
		c.cpuPercent,
		c.memoryPercent,
		c.gpuUtilization,
		c.temperature,
		c.powerDraw,
		c.samples,
	)

	if cfg.Source != nil {
		registry.MustRegister(newLinkCollector(cfg.Source), newProcessCollector(cfg.Source))
	}

	c.info.WithLabelValues(cfg.Version, cfg.BootID).Set(1)
	c.setState(supervisor.StateInit)

	return c
}

// Hooks returns supervisor hooks that feed this collector.
func (c *Collector) Hooks() supervisor.Hooks {
	return supervisor.Hooks{
		OnStateChange: c.StateChanged,
		OnCommand:     c.CommandReceived,
		OnExit:        c.ProcessExited,
		OnMetrics:     c.RecordSample,
	}
}

// StateChanged records a supervisor state transition.
func (c *Collector) StateChanged(_, to supervisor.State) {
	c.transitions.WithLabelValues(to.String()).Inc()
	c.setState(to)
}

func (c *Collector) setState(current supervisor.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// CommandReceived counts one OBC command.
func (c *Collector) CommandReceived(cmd link.Command) {
	c.commands.WithLabelValues(cmd.String()).Inc()
}

// ProcessExited records a reaped process exit.
func (c *Collector) ProcessExited(ex process.Exit) {
	c.exits.WithLabelValues(ex.Name, strconv.Itoa(ex.ExitCode)).Inc()
	if ex.Restarted {
		c.restarts.WithLabelValues(ex.Name).Inc()
	}
	if ex.BudgetExhausted {
		c.budgetExhausts.WithLabelValues(ex.Name).Inc()
	}
}

// RecordSample updates the system gauges.
func (c *Collector) RecordSample(m sampler.SystemMetrics) {
	c.cpuPercent.Set(m.CPUPercent)
	c.memoryPercent.Set(m.MemoryPercent)
	c.gpuUtilization.Set(m.GPUUtilization)
	c.temperature.Set(m.TemperatureC)
	c.powerDraw.Set(m.PowerDrawW)
	c.samples.Inc()
}

// =============================================================================
// Scrape-time collectors
// =============================================================================

var (
	linkRxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "rx_messages_total"),
		"Health messages decoded from the OBC",
		nil, nil,
	)
	linkRxErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "rx_errors_total"),
		"Frames or payloads that failed to decode",
		nil, nil,
	)
	linkCRCErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "crc_errors_total"),
		"Frames with a CRC mismatch",
		nil, nil,
	)
	linkTxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "tx_messages_total"),
		"Responses written to the OBC",
		nil, nil,
	)
	linkTxErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "tx_errors_total"),
		"Responses that failed to write",
		nil, nil,
	)
	linkDisconnectsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "disconnects_total"),
		"Connection losses",
		nil, nil,
	)
	linkConnectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "connected"),
		"1 when the serial port is open",
		nil, nil,
	)
	linkHealthyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "healthy"),
		"1 when a heartbeat arrived within the heartbeat timeout",
		nil, nil,
	)
	healthyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "healthy"),
		"1 when the supervisor is active and the link is healthy",
		nil, nil,
	)
)

// linkCollector exports link counters straight from the link's own stats,
// so the numbers never drift from what the status report carries.
type linkCollector struct {
	src Source
}

func newLinkCollector(src Source) *linkCollector {
	return &linkCollector{src: src}
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- linkRxDesc
	ch <- linkRxErrorsDesc
	ch <- linkCRCErrorsDesc
	ch <- linkTxDesc
	ch <- linkTxErrorsDesc
	ch <- linkDisconnectsDesc
	ch <- linkConnectedDesc
	ch <- linkHealthyDesc
	ch <- healthyDesc
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	st := snap.Link

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(linkRxDesc, st.RxCount)
	counter(linkRxErrorsDesc, st.RxErrors)
	counter(linkCRCErrorsDesc, st.CRCErrors)
	counter(linkTxDesc, st.TxCount)
	counter(linkTxErrorsDesc, st.TxErrors)
	counter(linkDisconnectsDesc, st.Disconnects)

	ch <- prometheus.MustNewConstMetric(linkConnectedDesc, prometheus.GaugeValue, boolValue(snap.LinkConnected))
	ch <- prometheus.MustNewConstMetric(linkHealthyDesc, prometheus.GaugeValue, boolValue(snap.LinkHealthy))
	ch <- prometheus.MustNewConstMetric(healthyDesc, prometheus.GaugeValue, boolValue(snap.Healthy))
}

var (
	processUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "up"),
		"1 when the managed process is running",
		[]string{"process"}, nil,
	)
	processRestartCountDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "restart_count"),
		"Restarts used from the budget since the last start or RESTART",
		[]string{"process"}, nil,
	)
	processBudgetDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "process", "max_restarts"),
		"Configured restart budget",
		[]string{"process"}, nil,
	)
)

// processCollector exports the process table.
type processCollector struct {
	src Source
}

func newProcessCollector(src Source) *processCollector {
	return &processCollector{src: src}
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processUpDesc
	ch <- processRestartCountDesc
	ch <- processBudgetDesc
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.src.Snapshot().Processes {
		ch <- prometheus.MustNewConstMetric(processUpDesc, prometheus.GaugeValue, boolValue(p.Running), p.Name)
		ch <- prometheus.MustNewConstMetric(processRestartCountDesc, prometheus.GaugeValue, float64(p.Restarts), p.Name)
		ch <- prometheus.MustNewConstMetric(processBudgetDesc, prometheus.GaugeValue, float64(p.MaxRestarts), p.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
