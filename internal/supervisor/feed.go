package supervisor

import (
	"math"
	"time"

	"github.com/smartqso/payload-supervisor/internal/agent"
	"github.com/smartqso/payload-supervisor/internal/link"
)

// Battery levels that grade the pwr field of the health feed.
const (
	socGood = 60
	socFair = 30
)

// Keys in the OBC data object that override derived health feed fields.
const (
	feedSun = "sun"
	feedRF  = "rf"
	feedPwr = "pwr"
	feedQSO = "qso"
)

// recordHealth keeps the last heartbeat or power state message for the
// health feed.
func (s *Supervisor) recordHealth(msg link.HealthMessage) {
	s.healthMu.Lock()
	s.lastHealth = msg
	s.healthSeen = true
	s.healthMu.Unlock()
}

// HealthLine builds the record written to managed processes each status
// cycle. Before the first OBC message it carries the agent defaults.
func (s *Supervisor) HealthLine(now time.Time) agent.Health {
	s.healthMu.RLock()
	msg, seen := s.lastHealth, s.healthSeen
	s.healthMu.RUnlock()

	h := agent.Health{
		Call: s.callsign,
		Time: agent.FormatTime(now),
		Mode: s.PowerState().String(),
		SOC:  agent.DefaultSOC,
		Sun:  true,
		RF:   true,
		Pwr:  agent.DefaultPwr,
	}
	if !seen {
		return h
	}

	h.SOC = clampSOC(msg.BatterySOC)
	h.Pwr = gradePower(h.SOC)
	if v, ok := msg.Data[feedSun].(bool); ok {
		h.Sun = v
	}
	if v, ok := msg.Data[feedRF].(bool); ok {
		h.RF = v
	}
	if v, ok := msg.Data[feedPwr].(string); ok && v != "" {
		h.Pwr = v
	}
	if v, ok := toFloat(msg.Data[feedQSO]); ok && v >= 0 {
		h.QSO = int(v)
	}
	return h
}

// feedHealth writes one health line to every process with a stdin feed.
func (s *Supervisor) feedHealth() {
	line, err := s.HealthLine(time.Now()).MarshalLine()
	if err != nil {
		s.logger.Warn("health_feed_encode_failed", "error", err)
		return
	}
	n := s.procs.Feed(line)
	s.fed.Add(uint64(n))
	s.logger.Debug("health_fed", "processes", n)
}

func clampSOC(v float64) int {
	if math.IsNaN(v) {
		return agent.DefaultSOC
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func gradePower(soc int) string {
	switch {
	case soc >= socGood:
		return "GOOD"
	case soc >= socFair:
		return "FAIR"
	default:
		return "LOW"
	}
}
