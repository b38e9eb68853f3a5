package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ExporterSampler scrapes a node_exporter text endpoint. It is used on bench
// setups where the payload board runs node_exporter and the supervisor runs
// elsewhere.
type ExporterSampler struct {
	url        string
	httpClient *http.Client
	start      time.Time

	cpu cpuCounter
}

// NewExporterSampler creates a sampler for the given /metrics URL.
func NewExporterSampler(url string, timeout time.Duration) *ExporterSampler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExporterSampler{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		start: time.Now(),
	}
}

// Sample implements Sampler.
func (s *ExporterSampler) Sample(ctx context.Context) (SystemMetrics, error) {
	m := SystemMetrics{UptimeS: time.Since(s.start).Seconds()}

	families, err := s.scrape(ctx)
	if err != nil {
		return m, err
	}

	busy, total := extractCPUTimes(families)
	m.CPUPercent = s.cpu.update(busy, total)
	m.MemoryPercent = extractMemoryPercent(families)
	m.TemperatureC = extractTemperature(families)
	return m, nil
}

func (s *ExporterSampler) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	// Parse Prometheus text format
	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	parsed := make(map[string]*dto.MetricFamily)

	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		parsed[mf.GetName()] = &mf
	}
	return parsed, nil
}

// extractCPUTimes sums node_cpu_seconds_total across CPUs into busy and
// total seconds. Idle and iowait count as not busy.
func extractCPUTimes(families map[string]*dto.MetricFamily) (busy, total float64) {
	mf, ok := families["node_cpu_seconds_total"]
	if !ok {
		return 0, 0
	}

	var idle float64
	for _, metric := range mf.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() != "mode" {
				continue
			}
			value := metric.GetCounter().GetValue()
			switch label.GetValue() {
			case "idle", "iowait":
				idle += value
			case "guest", "guest_nice":
				// already included in user/nice
				continue
			}
			total += value
		}
	}
	return total - idle, total
}

// extractMemoryPercent computes used memory from MemTotal and MemAvailable,
// falling back to MemFree.
func extractMemoryPercent(families map[string]*dto.MetricFamily) float64 {
	totalMF, ok := families["node_memory_MemTotal_bytes"]
	if !ok {
		return 0
	}
	availMF, ok := families["node_memory_MemAvailable_bytes"]
	if !ok {
		availMF, ok = families["node_memory_MemFree_bytes"]
		if !ok {
			return 0
		}
	}

	total := firstGauge(totalMF)
	if total <= 0 {
		return 0
	}
	return (total - firstGauge(availMF)) / total * 100
}

// extractTemperature returns thermal zone 0, or the first hwmon sensor when
// the thermal zone collector is disabled.
func extractTemperature(families map[string]*dto.MetricFamily) float64 {
	if mf, ok := families["node_thermal_zone_temp"]; ok {
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "zone" && label.GetValue() == "0" {
					return metric.GetGauge().GetValue()
				}
			}
		}
		return firstGauge(mf)
	}
	if mf, ok := families["node_hwmon_temp_celsius"]; ok {
		return firstGauge(mf)
	}
	return 0
}

func firstGauge(mf *dto.MetricFamily) float64 {
	if len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}
