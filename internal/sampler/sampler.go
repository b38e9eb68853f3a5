// Package sampler reads payload system metrics: CPU, memory, SoC
// temperature, GPU load and power draw.
package sampler

import (
	"context"
	"math"
	"sync"
)

// SystemMetrics is one reading of the payload's resource usage.
type SystemMetrics struct {
	CPUPercent     float64
	MemoryPercent  float64
	GPUUtilization float64
	TemperatureC   float64
	PowerDrawW     float64
	UptimeS        float64
}

// Rounded returns a copy with every field rounded to two decimals, which is
// what goes on the wire.
func (m SystemMetrics) Rounded() SystemMetrics {
	return SystemMetrics{
		CPUPercent:     round2(m.CPUPercent),
		MemoryPercent:  round2(m.MemoryPercent),
		GPUUtilization: round2(m.GPUUtilization),
		TemperatureC:   round2(m.TemperatureC),
		PowerDrawW:     round2(m.PowerDrawW),
		UptimeS:        round2(m.UptimeS),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Sampler produces system metrics.
//
// A Sampler may return usable metrics together with an error when only some
// sources could be read; fields it could not read are zero.
type Sampler interface {
	Sample(ctx context.Context) (SystemMetrics, error)
}

// StaticSampler always returns the same reading.
type StaticSampler struct {
	Metrics SystemMetrics
	Err     error
}

// Sample implements Sampler.
func (s StaticSampler) Sample(context.Context) (SystemMetrics, error) {
	return s.Metrics, s.Err
}

// SequenceSampler returns one temperature per call from a fixed sequence,
// repeating the last value once the sequence is exhausted.
type SequenceSampler struct {
	Base  SystemMetrics
	Temps []float64

	mu  sync.Mutex
	idx int
}

// Sample implements Sampler.
func (s *SequenceSampler) Sample(context.Context) (SystemMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.Base
	if len(s.Temps) == 0 {
		return m, nil
	}
	i := s.idx
	if i >= len(s.Temps) {
		i = len(s.Temps) - 1
	} else {
		s.idx++
	}
	m.TemperatureC = s.Temps[i]
	return m, nil
}

// Calls returns how many readings have advanced the sequence.
func (s *SequenceSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

// cpuCounter turns cumulative busy/total CPU time into a utilisation
// percentage between successive samples.
type cpuCounter struct {
	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
	primed    bool
}

// update returns the busy percentage since the previous call. The first
// call returns 0.
func (c *cpuCounter) update(busy, total float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		c.lastBusy, c.lastTotal, c.primed = busy, total, true
	}()

	if !c.primed {
		return 0
	}
	dTotal := total - c.lastTotal
	dBusy := busy - c.lastBusy
	if dTotal <= 0 || dBusy < 0 {
		return 0
	}
	return dBusy / dTotal * 100
}
