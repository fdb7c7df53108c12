package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of high-volume events (e.g. media_frame)
// and every other event unchanged.
type SamplingObserver struct {
	inner       Observer
	sampled     map[string]struct{}
	rate        float64
	sampleEvery uint64
	counter     atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	sampled := make(map[string]struct{}, len(names))
	for _, n := range names {
		sampled[n] = struct{}{}
	}
	return &SamplingObserver{inner: OrNoop(inner), sampled: sampled, rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.sampled[ev.Name]; !ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
