package supervisor

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartqso/payload-supervisor/internal/link"
)

// Keys accepted in a CONFIG_UPDATE data object.
const (
	configThrottleTemp   = "thermal_throttle_temp"
	configShutdownTemp   = "thermal_shutdown_temp"
	configStatusInterval = "status_interval"
)

// dispatchLoop is the only consumer of link events.
func (s *Supervisor) dispatchLoop(ctx context.Context) {
	events := s.link.Events()
	disconnects := s.link.Disconnects()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		case ev := <-disconnects:
			s.handleEvent(ctx, ev)
		}
	}
}

// handleEvent isolates the loop from handler panics.
func (s *Supervisor) handleEvent(ctx context.Context, ev link.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch_panic",
				"event", ev.Kind.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch ev.Kind {
	case link.EventConnect:
		// the link cause clears on the first heartbeat, not on connect
		s.logger.Info("obc_connected")
	case link.EventDisconnect:
		s.logger.Warn("obc_disconnected", "reason", ev.Reason)
		s.applyDecision(s.machine.SetLinkDown(true))
	case link.EventMessage:
		s.handleMessage(ctx, ev.Message)
	}
}

func (s *Supervisor) handleMessage(ctx context.Context, msg link.HealthMessage) {
	_, span := s.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("obc.command", msg.Command.String()),
			attribute.Int64("obc.timestamp", msg.Timestamp),
		),
	)
	defer span.End()

	if s.hooks.OnCommand != nil {
		s.hooks.OnCommand(msg.Command)
	}
	s.logger.Debug("obc_command", "command", msg.Command.String())

	switch msg.Command {
	case link.CommandHeartbeat, link.CommandPowerState:
		s.recordHealth(msg)
		s.handlePowerState(msg.PowerState)

	case link.CommandStatusRequest:
		s.reporter.Trigger()

	case link.CommandShutdown:
		s.logger.Info("obc_shutdown_command")
		s.requestStop("obc_command")

	case link.CommandRestart:
		s.logger.Info("obc_restart_command")
		if err := s.procs.RestartAll(s.stopTimeout); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "restart failed")
			s.logger.Warn("restart_failed", "error", err)
		}

	case link.CommandConfigUpdate:
		s.applyConfig(msg.Data)
	}
}

// handlePowerState records the OBC power state. Any heartbeat or power
// state message also proves the link is alive.
func (s *Supervisor) handlePowerState(ps link.PowerState) {
	if prev := link.PowerState(s.powerState.Swap(uint32(ps))); prev != ps {
		s.logger.Info("power_state_changed", "from", prev.String(), "to", ps.String())
	}
	s.applyDecision(s.machine.SetLinkDown(false))
	s.applyDecision(s.machine.ApplyPower(ps))
}

// applyConfig handles a CONFIG_UPDATE. Unknown keys and invalid values are
// logged and skipped; inverted thresholds leave the current ones in place.
func (s *Supervisor) applyConfig(data map[string]any) {
	if len(data) == 0 {
		return
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	th := s.machine.Thresholds()
	thresholdsChanged := false

	for _, key := range keys {
		v, ok := toFloat(data[key])
		switch key {
		case configThrottleTemp, configShutdownTemp, configStatusInterval:
			if !ok {
				s.logger.Warn("config_value_invalid", "key", key, "value", data[key])
				continue
			}
		default:
			s.logger.Warn("config_key_ignored", "key", key)
			continue
		}

		switch key {
		case configThrottleTemp:
			th.Throttle = v
			thresholdsChanged = true
		case configShutdownTemp:
			th.Shutdown = v
			thresholdsChanged = true
		case configStatusInterval:
			d := time.Duration(v * float64(time.Second))
			if err := s.reporter.SetInterval(d); err != nil {
				s.logger.Warn("config_update_rejected", "key", key, "error", err)
				continue
			}
			s.logger.Info("config_updated", "key", key, "value", d.String())
		}
	}

	if !thresholdsChanged {
		return
	}
	if err := s.machine.SetThresholds(th.Throttle, th.Shutdown); err != nil {
		s.logger.Warn("config_update_rejected",
			"throttle_temp", th.Throttle,
			"shutdown_temp", th.Shutdown,
			"error", err,
		)
		return
	}
	s.logger.Info("config_updated",
		"throttle_temp", th.Throttle,
		"shutdown_temp", th.Shutdown,
	)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
