package sampler

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

const digestCompression = 100

// Digest keeps rolling-window percentiles of a sampled value using a
// T-Digest. Samples older than the window are dropped and the digest is
// rebuilt from the survivors.
type Digest struct {
	window time.Duration

	mu      sync.Mutex
	digest  *tdigest.TDigest
	samples []digestSample
}

type digestSample struct {
	value float64
	time  time.Time
}

// NewDigest creates a Digest over the given window.
func NewDigest(window time.Duration) *Digest {
	return &Digest{
		window: window,
		digest: tdigest.NewWithCompression(digestCompression),
	}
}

// Add records a sample taken at now.
func (d *Digest) Add(v float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.digest.Add(v, 1)
	d.samples = append(d.samples, digestSample{value: v, time: now})
	d.cleanupLocked(now)
}

// Quantile returns the q-quantile over the window, or 0 when empty.
func (d *Digest) Quantile(q float64, now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanupLocked(now)
	if len(d.samples) == 0 {
		return 0
	}
	return d.digest.Quantile(q)
}

// Max returns the largest sample in the window, or 0 when empty.
func (d *Digest) Max(now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanupLocked(now)
	if len(d.samples) == 0 {
		return 0
	}
	maxV := d.samples[0].value
	for _, s := range d.samples {
		if s.value > maxV {
			maxV = s.value
		}
	}
	return maxV
}

// Len returns the number of samples in the window.
func (d *Digest) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// cleanupLocked removes expired samples. The digest is only rebuilt when
// something expired.
func (d *Digest) cleanupLocked(now time.Time) {
	cutoff := now.Add(-d.window)

	valid := d.samples[:0]
	expired := 0
	for _, s := range d.samples {
		if s.time.After(cutoff) {
			valid = append(valid, s)
		} else {
			expired++
		}
	}
	d.samples = valid

	if expired > 0 {
		d.digest = tdigest.NewWithCompression(digestCompression)
		for _, s := range valid {
			d.digest.Add(s.value, 1)
		}
	}
}
