package supervisor

import (
	"context"
	"time"
)

// monitorLoop samples metrics, evaluates temperature and checks processes
// once per tick.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.monitorOnce(ctx)
		}
	}
}

func (s *Supervisor) monitorOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor_panic", "panic", r)
		}
	}()

	m, err := s.sampler.Sample(ctx)
	if err != nil {
		// partial readings are still used
		s.logger.Debug("metrics_sample_incomplete", "error", err)
	}

	s.metricsMu.Lock()
	s.metrics = m
	s.metricsMu.Unlock()
	s.temps.Add(m.TemperatureC, time.Now())

	if s.hooks.OnMetrics != nil {
		s.hooks.OnMetrics(m)
	}

	d := s.machine.Evaluate(m.TemperatureC)
	if d.Entered {
		th := s.machine.Thresholds()
		s.logger.Warn("thermal_limit_exceeded",
			"temperature_c", m.TemperatureC,
			"throttle_temp", th.Throttle,
			"shutdown_temp", th.Shutdown,
			"action", d.Action.String(),
		)
	}
	s.applyDecision(d)

	if !s.State().IsActive() {
		return
	}
	for _, exit := range s.procs.CheckAll() {
		if s.hooks.OnExit != nil {
			s.hooks.OnExit(exit)
		}
	}
}
