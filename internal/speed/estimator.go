// Package speed implements the per-session throughput estimator: a bounded
// ring of samples, exponential smoothing, outlier rejection, and a
// high-throughput mode that changes both the progress cadence and how
// "current speed" is computed.
package speed

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	ringSize        = 12
	sampleRetention = 5 * time.Second
	smoothingAlpha  = 0.8
	warmupDuration  = 200 * time.Millisecond
	outlierWindow   = 5
	outlierFactor   = 2.0

	highThroughputBytes  = 20 * 1024 * 1024
	highThroughputWindow = 2 * time.Second

	normalMinDt         = 100 * time.Millisecond
	highThroughputMinDt = 50 * time.Millisecond

	// DefaultProgressInterval and HighThroughputProgressInterval are the
	// SessionProgress emission cadences the data plane throttles on.
	DefaultProgressInterval        = 100 * time.Millisecond
	HighThroughputProgressInterval = 50 * time.Millisecond
)

// sample is one (timestamp, raw_bps, smoothed_bps) ring entry. The
// timestamp bounds the ring by real elapsed time: entries older than
// sampleRetention are dropped on the next observation, so the ring holds
// up to ringSize samples over the last 5s of progress updates.
type sample struct {
	at          time.Time
	rawBps      float64
	smoothedBps float64
}

// Estimator tracks one session's throughput from a stream of cumulative
// byte counts.
type Estimator struct {
	clock clock.Clock

	mu             sync.Mutex
	startedAt      time.Time
	lastAt         time.Time
	lastBytes      int64
	totalBytes     int64
	samples        []sample
	peakBps        float64
	highThroughput bool
	warmupUntil    time.Time
}

// New builds an Estimator driven by c (or the real clock if c is nil).
func New(c clock.Clock) *Estimator {
	if c == nil {
		c = clock.New()
	}
	return &Estimator{clock: c}
}

// Observe records a new cumulative byte count. Samples closer together
// than the current minimum dt (100ms, or 50ms once in high-throughput
// mode) are folded into the running total but do not produce a new speed
// sample.
func (e *Estimator) Observe(bytesNow int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.startedAt.IsZero() {
		e.startedAt = now
		e.lastAt = now
		e.lastBytes = bytesNow
		e.totalBytes = bytesNow
		e.warmupUntil = now.Add(warmupDuration)
		return
	}

	e.totalBytes = bytesNow

	minDt := normalMinDt
	if e.highThroughput {
		minDt = highThroughputMinDt
	}
	dt := now.Sub(e.lastAt)
	if dt < minDt {
		return
	}

	deltaBytes := bytesNow - e.lastBytes
	rawBps := float64(deltaBytes) * 1000 / float64(dt.Milliseconds())
	e.lastAt = now
	e.lastBytes = bytesNow

	smoothed := rawBps
	if len(e.samples) > 0 {
		prev := e.samples[len(e.samples)-1].smoothedBps
		smoothed = smoothingAlpha*rawBps + (1-smoothingAlpha)*prev
	}
	e.samples = append(e.samples, sample{at: now, rawBps: rawBps, smoothedBps: smoothed})
	e.samples = pruneSamples(e.samples, now)

	if len(e.samples) >= 3 {
		mean := meanRaw(e.samples, outlierWindow)
		last := e.samples[len(e.samples)-1]
		if mean > 0 && math.Abs(last.rawBps-mean) > outlierFactor*mean {
			e.samples = e.samples[:len(e.samples)-1]
		}
	}

	if rawBps > e.peakBps {
		e.peakBps = rawBps
	}

	if !e.highThroughput {
		elapsed := now.Sub(e.startedAt)
		if e.totalBytes >= highThroughputBytes && elapsed >= highThroughputWindow {
			e.highThroughput = true
		}
	}
}

// pruneSamples drops entries that fell out of the 5s retention window,
// then caps the ring at ringSize, oldest first.
func pruneSamples(samples []sample, now time.Time) []sample {
	start := 0
	for start < len(samples) && now.Sub(samples[start].at) > sampleRetention {
		start++
	}
	samples = samples[start:]
	if len(samples) > ringSize {
		samples = samples[len(samples)-ringSize:]
	}
	return samples
}

func meanRaw(samples []sample, window int) float64 {
	start := 0
	if len(samples) > window {
		start = len(samples) - window
	}
	subset := samples[start:]
	var sum float64
	for _, s := range subset {
		sum += s.rawBps
	}
	return sum / float64(len(subset))
}

// CurrentBps is the headline speed: zero during the 200ms warm-up, the
// weighted mean of the ring (biased toward the newest sample) once in
// high-throughput mode, otherwise the last smoothed sample.
func (e *Estimator) CurrentBps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warmupUntil.IsZero() || e.clock.Now().Before(e.warmupUntil) {
		return 0
	}
	if len(e.samples) == 0 {
		return 0
	}
	if e.highThroughput {
		return weightedMean(e.samples)
	}
	return e.samples[len(e.samples)-1].smoothedBps
}

func weightedMean(samples []sample) float64 {
	var num, den float64
	for i, s := range samples {
		w := math.Pow(2, float64(i))
		num += w * s.smoothedBps
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// InstantaneousBps is the most recent smoothed sample, ungated by warm-up.
func (e *Estimator) InstantaneousBps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0
	}
	return e.samples[len(e.samples)-1].smoothedBps
}

// PeakBps is the highest raw sample observed.
func (e *Estimator) PeakBps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peakBps
}

// AverageBps is total bytes observed divided by elapsed wall time.
func (e *Estimator) AverageBps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := e.clock.Now().Sub(e.startedAt)
	if elapsed <= 0 {
		return 0
	}
	return float64(e.totalBytes) / elapsed.Seconds()
}

// HighThroughput reports whether the estimator has latched into
// high-throughput mode (≥20MiB in ≥2s), which also governs the progress
// emission cadence the data plane should use.
func (e *Estimator) HighThroughput() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highThroughput
}

// ProgressInterval returns the SessionProgress emission cadence that
// applies right now: 50ms once high-throughput mode has latched, 100ms
// otherwise.
func (e *Estimator) ProgressInterval() time.Duration {
	if e.HighThroughput() {
		return HighThroughputProgressInterval
	}
	return DefaultProgressInterval
}
