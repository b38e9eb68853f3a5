package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
)

// Jetson sysfs sources
const (
	DefaultGPULoadPath = "/sys/devices/gpu.0/load"
	DefaultPowerPath   = "/sys/bus/i2c/drivers/ina3221x/1-0040/iio:device0/in_power0_input"
)

// ProcConfig configures a ProcSampler.
type ProcConfig struct {
	ProcRoot string // default procfs.DefaultMountPoint
	SysRoot  string // default sysfs.DefaultMountPoint

	GPULoadPath string
	PowerPath   string

	// Start is the reference for UptimeS. Defaults to construction time.
	Start time.Time
}

// ProcSampler samples the local host through /proc and /sys.
//
// GPU load and power are Jetson specific. When their files are absent, as
// in simulation on a workstation, the readings are zero and no error is
// reported.
type ProcSampler struct {
	proc procfs.FS
	sys  sysfs.FS

	gpuLoadPath string
	powerPath   string
	start       time.Time

	cpu cpuCounter
}

// NewProcSampler opens the proc and sys filesystems.
func NewProcSampler(cfg ProcConfig) (*ProcSampler, error) {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = procfs.DefaultMountPoint
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = sysfs.DefaultMountPoint
	}
	if cfg.GPULoadPath == "" {
		cfg.GPULoadPath = DefaultGPULoadPath
	}
	if cfg.PowerPath == "" {
		cfg.PowerPath = DefaultPowerPath
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}

	pfs, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	sfs, err := sysfs.NewFS(cfg.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs: %w", err)
	}

	return &ProcSampler{
		proc:        pfs,
		sys:         sfs,
		gpuLoadPath: cfg.GPULoadPath,
		powerPath:   cfg.PowerPath,
		start:       cfg.Start,
	}, nil
}

// Sample implements Sampler.
func (s *ProcSampler) Sample(context.Context) (SystemMetrics, error) {
	var (
		m    SystemMetrics
		errs []error
	)

	m.UptimeS = time.Since(s.start).Seconds()

	if stat, err := s.proc.Stat(); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else {
		c := stat.CPUTotal
		idle := c.Idle + c.Iowait
		total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
		m.CPUPercent = s.cpu.update(total-idle, total)
	}

	if mi, err := s.proc.Meminfo(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else if mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		used := float64(*mi.MemTotal) - float64(*mi.MemAvailable)
		m.MemoryPercent = used / float64(*mi.MemTotal) * 100
	}

	if t, err := s.temperature(); err != nil {
		errs = append(errs, fmt.Errorf("temperature: %w", err))
	} else {
		m.TemperatureC = t
	}

	// Per-mille load
	if v, err := readOptionalFloat(s.gpuLoadPath); err != nil {
		errs = append(errs, fmt.Errorf("gpu load: %w", err))
	} else {
		m.GPUUtilization = v / 10
	}

	// Milliwatts
	if v, err := readOptionalFloat(s.powerPath); err != nil {
		errs = append(errs, fmt.Errorf("power: %w", err))
	} else {
		m.PowerDrawW = v / 1000
	}

	return m, errors.Join(errs...)
}

// temperature returns the first thermal zone in degrees Celsius.
func (s *ProcSampler) temperature() (float64, error) {
	zones, err := s.sys.ClassThermalZoneStats()
	if err != nil {
		return 0, err
	}
	if len(zones) == 0 {
		return 0, nil
	}
	sort.Slice(zones, func(i, j int) bool {
		a, _ := strconv.Atoi(zones[i].Name)
		b, _ := strconv.Atoi(zones[j].Name)
		return a < b
	})
	return float64(zones[0].Temp) / 1000, nil
}

// readOptionalFloat reads a single number from a sysfs file. A missing file
// reads as zero.
func readOptionalFloat(path string) (float64, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}
