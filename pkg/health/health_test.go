package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func result(healthy bool, at time.Time) Result {
	return Result{Healthy: healthy, CheckedAt: at}
}

func TestNewStatusAssumesHealthy(t *testing.T) {
	s := NewStatus()
	assert.True(t, s.Healthy)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestStatusRequiresConsecutiveFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3}
	s := NewStatus()
	now := time.Now()

	assert.False(t, s.Update(result(false, now), cfg))
	assert.True(t, s.Healthy, "one failure must not flip the view")

	assert.False(t, s.Update(result(false, now.Add(time.Second)), cfg))
	assert.True(t, s.Healthy, "two failures must not flip the view")

	flipped := s.Update(result(false, now.Add(2*time.Second)), cfg)
	assert.True(t, flipped)
	assert.False(t, s.Healthy)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	assert.Equal(t, now.Add(2*time.Second), s.LastTransition)
}

func TestStatusInterleavedSuccessResetsFailureCount(t *testing.T) {
	cfg := Config{FailureThreshold: 3}
	s := NewStatus()
	now := time.Now()

	s.Update(result(false, now), cfg)
	s.Update(result(false, now), cfg)
	s.Update(result(true, now), cfg)
	s.Update(result(false, now), cfg)
	s.Update(result(false, now), cfg)

	assert.True(t, s.Healthy, "failures interrupted by a success never reach the threshold")
	assert.Equal(t, 2, s.ConsecutiveFailures)
}

func TestStatusSingleSuccessRecovers(t *testing.T) {
	cfg := Config{FailureThreshold: 3}
	s := NewStatus()
	now := time.Now()

	for i := 0; i < 5; i++ {
		s.Update(result(false, now), cfg)
	}
	assert.False(t, s.Healthy)

	recoveredAt := now.Add(time.Minute)
	flipped := s.Update(result(true, recoveredAt), cfg)
	assert.True(t, flipped)
	assert.True(t, s.Healthy)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Equal(t, recoveredAt, s.LastTransition)
}

func TestStatusSteadyStateDoesNotReportFlips(t *testing.T) {
	cfg := Config{FailureThreshold: 3}
	s := NewStatus()
	now := time.Now()

	for i := 0; i < 4; i++ {
		assert.False(t, s.Update(result(true, now), cfg))
	}

	for i := 0; i < 5; i++ {
		s.Update(result(false, now), cfg)
	}
	// Already unhealthy; further failures are not transitions.
	assert.False(t, s.Update(result(false, now), cfg))
}
