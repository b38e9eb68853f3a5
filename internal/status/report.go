// Package status builds the payload status report and sends it to the OBC,
// periodically and on request.
package status

import (
	"github.com/smartqso/payload-supervisor/internal/link"
	"github.com/smartqso/payload-supervisor/internal/process"
	"github.com/smartqso/payload-supervisor/internal/sampler"
)

// Supervisor state names that map to a health code.
const (
	StateRunning    = "RUNNING"
	StateThrottling = "THROTTLING"
)

// Input is what a Source hands the reporter for one report.
type Input struct {
	State        string
	PowerState   link.PowerState
	Metrics      sampler.SystemMetrics
	Processes    []process.Status
	Link         link.Stats
	ShutdownTemp float64
}

// Report is the data object of a status response.
type Report struct {
	BootID         string                   `json:"boot_id,omitempty"`
	State          string                   `json:"state"`
	PowerState     string                   `json:"power_state,omitempty"`
	CPUPercent     float64                  `json:"cpu_percent"`
	MemoryPercent  float64                  `json:"memory_percent"`
	GPUUtilization float64                  `json:"gpu_utilization"`
	TemperatureC   float64                  `json:"temperature_c"`
	PowerW         float64                  `json:"power_w"`
	UptimeS        float64                  `json:"uptime_s"`
	Processes      map[string]ProcessReport `json:"processes"`
	Link           *LinkReport              `json:"link,omitempty"`
}

// ProcessReport is one entry of Report.Processes.
type ProcessReport struct {
	Running  bool `json:"running"`
	PID      *int `json:"pid"` // null when not running
	Restarts int  `json:"restarts"`
}

// LinkReport carries the receive counters the OBC uses to judge link quality.
type LinkReport struct {
	RxCount   uint64 `json:"rx_count"`
	RxErrors  uint64 `json:"rx_errors"`
	CRCErrors uint64 `json:"crc_errors"`
}

// BuildReport assembles a report. Metrics are rounded to two decimals.
func BuildReport(in Input, bootID string) Report {
	m := in.Metrics.Rounded()
	r := Report{
		BootID:         bootID,
		State:          in.State,
		PowerState:     in.PowerState.String(),
		CPUPercent:     m.CPUPercent,
		MemoryPercent:  m.MemoryPercent,
		GPUUtilization: m.GPUUtilization,
		TemperatureC:   m.TemperatureC,
		PowerW:         m.PowerDrawW,
		UptimeS:        m.UptimeS,
		Processes:      make(map[string]ProcessReport, len(in.Processes)),
		Link: &LinkReport{
			RxCount:   in.Link.RxCount,
			RxErrors:  in.Link.RxErrors,
			CRCErrors: in.Link.CRCErrors,
		},
	}
	for _, p := range in.Processes {
		pr := ProcessReport{Running: p.Running, Restarts: p.Restarts}
		if p.Running {
			pid := p.PID
			pr.PID = &pid
		}
		r.Processes[p.Name] = pr
	}
	return r
}

// Compact drops the optional fields so the report fits a frame when many
// processes are registered.
func (r Report) Compact() Report {
	r.BootID = ""
	r.PowerState = ""
	r.Link = nil
	return r
}

// HealthCode maps the supervisor condition to a response status code.
//
// RUNNING is OK and THROTTLING is WARNING; any other state is ERROR. An
// exhausted restart budget raises OK to WARNING, and a temperature at or
// above the shutdown threshold is CRITICAL regardless of state.
func HealthCode(in Input) link.StatusCode {
	if in.ShutdownTemp > 0 && in.Metrics.TemperatureC >= in.ShutdownTemp {
		return link.StatusCritical
	}

	var code link.StatusCode
	switch in.State {
	case StateRunning:
		code = link.StatusOK
	case StateThrottling:
		code = link.StatusWarning
	default:
		return link.StatusError
	}

	if code == link.StatusOK {
		for _, p := range in.Processes {
			if p.Exhausted {
				return link.StatusWarning
			}
		}
	}
	return code
}
