// Package preflight provides startup validation checks.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"golang.org/x/sys/unix"

	"github.com/smartqso/payload-supervisor/internal/config"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll inspects.
type Options struct {
	SerialPort string
	Processes  []config.ProcessConfig

	ProcRoot string // default procfs.DefaultMountPoint
	SysRoot  string // default sysfs.DefaultMountPoint
}

// OptionsFromConfig derives Options from the supervisor configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SerialPort: cfg.SerialPort,
		Processes:  cfg.Processes,
		ProcRoot:   cfg.ProcRoot,
		SysRoot:    cfg.SysRoot,
	}
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}
	if opts.SysRoot == "" {
		opts.SysRoot = sysfs.DefaultMountPoint
	}

	result := &Result{
		Checks: make([]Check, 0, 4+len(opts.Processes)),
		Passed: true,
	}

	result.add(checkFileDescriptors(len(opts.Processes)))
	result.add(checkProcessLimit(opts.ProcRoot, len(opts.Processes)))
	for _, p := range opts.Processes {
		result.add(checkBinary(p))
	}

	// Warnings only: the link keeps reconnecting and a missing zone reads 0
	result.add(checkSerialDevice(opts.SerialPort))
	result.add(checkThermalZone(opts.SysRoot))

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(procs int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	// Each child holds a stderr pipe plus inherited stdio; the supervisor
	// needs the serial port, listeners and sysfs reads.
	required := procs*16 + 64
	actual := clampInt(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d processes)", actual, required, procs),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(procRoot string, procs int) Check {
	required := procs + 16

	limits, err := selfLimits(procRoot)
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := clampInt(limits.Processes)
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

func selfLimits(procRoot string) (procfs.ProcLimits, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return procfs.ProcLimits{}, err
	}
	p, err := fs.Proc(os.Getpid())
	if err != nil {
		return procfs.ProcLimits{}, err
	}
	return p.Limits()
}

// checkBinary verifies a managed process executable resolves.
func checkBinary(p config.ProcessConfig) Check {
	name := "process_" + p.Name
	if len(p.Command) == 0 {
		return Check{Name: name, Passed: false, Message: "no command configured"}
	}

	path, err := exec.LookPath(p.Command[0])
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", p.Command[0], err),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkSerialDevice looks for the OBC serial device.
func checkSerialDevice(port string) Check {
	info, err := os.Stat(port)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Check{
			Name:    "serial_device",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not present (the link will keep retrying)", port),
		}
	case err != nil:
		return Check{
			Name:    "serial_device",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s: %v", port, err),
		}
	case info.Mode()&os.ModeCharDevice == 0:
		return Check{
			Name:    "serial_device",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s is not a character device", port),
		}
	}
	return Check{
		Name:    "serial_device",
		Passed:  true,
		Message: fmt.Sprintf("%s present", port),
	}
}

// checkThermalZone verifies a temperature source exists.
func checkThermalZone(sysRoot string) Check {
	fs, err := sysfs.NewFS(sysRoot)
	if err != nil {
		return Check{
			Name:    "thermal_zone",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("sysfs unavailable: %v", err),
		}
	}

	zones, err := fs.ClassThermalZoneStats()
	if err != nil || len(zones) == 0 {
		return Check{
			Name:    "thermal_zone",
			Passed:  true,
			Warning: true,
			Message: "no thermal zones (temperature reads 0, thermal limits inactive)",
		}
	}
	return Check{
		Name:    "thermal_zone",
		Passed:  true,
		Message: fmt.Sprintf("%d zones, zone %s at %.1f°C", len(zones), zones[0].Name, float64(zones[0].Temp)/1000),
	}
}

// clampInt converts a limit, where unlimited is the max uint64, to an int.
func clampInt(v uint64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 4096 (or LimitNOFILE= in the systemd unit)"
	case "process_limit":
		return "ulimit -u 1024 (or edit /etc/security/limits.conf)"
	default:
		if strings.HasPrefix(name, "process_") {
			return "install the binary or fix the command in the processes list"
		}
		return "see documentation"
	}
}
