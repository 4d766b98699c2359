package sizing

import "time"

const maxSamples = 8

// Sampler measures throughput over fixed windows and produces a snapped
// moving average once at least two windows have closed.
type Sampler struct {
	window      time.Duration
	windowStart time.Time
	bytes       int64
	samples     []float64
}

// NewSampler returns a Sampler closing one sample every window.
func NewSampler(window time.Duration) *Sampler {
	return &Sampler{window: window}
}

// Add records n bytes received at now. When a window closes and enough
// samples exist, it returns the snapped average bitrate.
func (s *Sampler) Add(n int, now time.Time) (int, bool) {
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.bytes += int64(n)

	elapsed := now.Sub(s.windowStart)
	if elapsed < s.window || elapsed <= 0 {
		return 0, false
	}

	kbps := float64(s.bytes*8) / elapsed.Seconds() / 1000
	s.samples = append(s.samples, kbps)
	if len(s.samples) > maxSamples {
		s.samples = s.samples[1:]
	}
	s.bytes = 0
	s.windowStart = now

	if len(s.samples) < 2 {
		return 0, false
	}

	var sum float64
	for _, v := range s.samples {
		sum += v
	}
	return SnapBitrate(sum / float64(len(s.samples))), true
}

// Reset discards all samples.
func (s *Sampler) Reset() {
	s.windowStart = time.Time{}
	s.bytes = 0
	s.samples = nil
}
