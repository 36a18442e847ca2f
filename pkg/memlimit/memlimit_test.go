package memlimit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSampler struct {
	rss uint64
	err error
}

func (f *fakeSampler) RSS() (uint64, error) {
	return f.rss, f.err
}

func newTestSizer(sampler Sampler) *BatchSizer {
	return NewBatchSizer(Config{
		Sampler:          sampler,
		MaxMemoryMB:      400,
		PressureFraction: 0.8,
		DefaultBatch:     50,
		MaxBatch:         200,
	})
}

func TestBatchSizerShrinksUnderPressure(t *testing.T) {
	// 400 MB ceiling, 0.8 threshold => pressure at 320 MB
	sampler := &fakeSampler{rss: 350 * 1024 * 1024}
	sizer := newTestSizer(sampler)

	assert.Equal(t, 50, sizer.Current())
	assert.Equal(t, 25, sizer.Next())
	assert.Equal(t, 12, sizer.Next())
	assert.Equal(t, 6, sizer.Next())
}

func TestBatchSizerNeverBelowOne(t *testing.T) {
	sampler := &fakeSampler{rss: 399 * 1024 * 1024}
	sizer := newTestSizer(sampler)

	for i := 0; i < 20; i++ {
		sizer.Next()
	}
	assert.Equal(t, 1, sizer.Current())
}

func TestBatchSizerRecoversTowardMax(t *testing.T) {
	sampler := &fakeSampler{rss: 390 * 1024 * 1024}
	sizer := newTestSizer(sampler)

	// Shrink hard
	for i := 0; i < 10; i++ {
		sizer.Next()
	}
	assert.Equal(t, 1, sizer.Current())

	// Pressure clears
	sampler.rss = 100 * 1024 * 1024
	sizes := []int{}
	for i := 0; i < 10; i++ {
		sizes = append(sizes, sizer.Next())
	}

	// Monotonic growth capped at max
	last := 0
	for _, s := range sizes {
		assert.GreaterOrEqual(t, s, last)
		last = s
	}
	assert.Equal(t, 200, sizer.Current())
}

func TestBatchSizerMonotonicUnderSustainedPressure(t *testing.T) {
	sampler := &fakeSampler{rss: 330 * 1024 * 1024}
	sizer := newTestSizer(sampler)

	last := sizer.Current()
	for i := 0; i < 8; i++ {
		s := sizer.Next()
		assert.LessOrEqual(t, s, last)
		last = s
	}
}

func TestBatchSizerExactThresholdCountsAsPressure(t *testing.T) {
	sampler := &fakeSampler{rss: 320 * 1024 * 1024} // exactly 80% of 400 MB
	sizer := newTestSizer(sampler)

	assert.Equal(t, 25, sizer.Next())
}

func TestBatchSizerKeepsSizeOnSampleError(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("no procfs")}
	sizer := newTestSizer(sampler)

	assert.Equal(t, 50, sizer.Next())
	assert.Equal(t, 50, sizer.Next())
}

func TestBatchSizerDefaults(t *testing.T) {
	sizer := NewBatchSizer(Config{Sampler: &fakeSampler{rss: 0}})
	assert.Equal(t, 50, sizer.Current())

	// Growth respects the default max when MaxBatch was unset
	sizer.Next()
	assert.LessOrEqual(t, sizer.Current(), 50)
}

func TestRuntimeSamplerReturnsNonZero(t *testing.T) {
	s := &RuntimeSampler{}
	rss, err := s.RSS()
	assert.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}
