package idle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/metrics"
)

// Reading is one classified idle sample.
type Reading struct {
	At     time.Time
	Idle   time.Duration
	IsIdle bool
}

// Sampler reads a Source and classifies the result against a threshold.
type Sampler struct {
	source    Source
	threshold time.Duration
	clock     quartz.Clock
}

// NewSampler creates a sampler. A nil clock uses the real clock.
func NewSampler(source Source, threshold time.Duration, clock quartz.Clock) *Sampler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Sampler{source: source, threshold: threshold, clock: clock}
}

// Sample reads the source once. Errors wrap ErrSourceUnavailable.
func (s *Sampler) Sample(ctx context.Context) (Reading, error) {
	d, err := s.source.IdleTime(ctx)
	now := s.clock.Now()
	if err != nil {
		metrics.IdleSampleErrors.WithLabelValues(s.source.Name()).Inc()
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.source.Name(), err)
		}
		return Reading{At: now}, err
	}
	d = max(d, 0)
	return Reading{At: now, Idle: d, IsIdle: d >= s.threshold}, nil
}

// Source returns the underlying source.
func (s *Sampler) Source() Source { return s.source }
