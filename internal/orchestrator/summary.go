package orchestrator

import (
	"fmt"
	"io"
	"time"

	"github.com/smartqso/payload-supervisor/internal/supervisor"
)

// printExitSummary prints a summary of the supervisor run.
func (o *Orchestrator) printExitSummary() {
	writeSummary(o.summary, o.Snapshot(), time.Since(o.startTime), o.MetricsAddr())
}

func writeSummary(w io.Writer, snap supervisor.Snapshot, elapsed time.Duration, metricsAddr string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                  payload-supervisor Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(elapsed))
	fmt.Fprintf(w, "Boot ID:                %s\n", snap.BootID)
	fmt.Fprintf(w, "Final State:            %s\n", snap.State)
	fmt.Fprintf(w, "Power State:            %s\n", snap.PowerState)
	fmt.Fprintf(w, "Throttle Causes:        %s\n", snap.Causes)
	fmt.Fprintln(w)

	if snap.TemperatureMax > 0 {
		fmt.Fprintln(w, "Temperature:")
		fmt.Fprintf(w, "  P50:                  %.1f C\n", snap.TemperatureP50)
		fmt.Fprintf(w, "  Max:                  %.1f C\n", snap.TemperatureMax)
		fmt.Fprintf(w, "  Limits:               throttle %.1f C, shutdown %.1f C\n",
			snap.Thresholds.Throttle, snap.Thresholds.Shutdown)
		fmt.Fprintln(w)
	}

	if len(snap.Processes) > 0 {
		fmt.Fprintln(w, "Processes:")
		for _, p := range snap.Processes {
			exit := "-"
			if p.HasExited {
				exit = fmt.Sprintf("%d %s", p.LastExitCode, exitCodeLabel(p.LastExitCode))
			}
			fmt.Fprintf(w, "  %-20s restarts %d/%d  last exit %s\n", p.Name, p.Restarts, p.MaxRestarts, exit)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Health Link:")
	fmt.Fprintf(w, "  Messages Received:    %d\n", snap.Link.RxCount)
	fmt.Fprintf(w, "  Receive Errors:       %d (crc %d)\n", snap.Link.RxErrors, snap.Link.CRCErrors)
	fmt.Fprintf(w, "  Messages Sent:        %d\n", snap.Link.TxCount)
	fmt.Fprintf(w, "  Disconnects:          %d\n", snap.Link.Disconnects)
	fmt.Fprintf(w, "  Status Reports:       %d sent, %d failed\n", snap.Status.Sent, snap.Status.Failed)
	fmt.Fprintln(w)

	if metricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", metricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}
