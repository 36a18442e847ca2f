package health

import (
	"context"
	"time"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by anything that can probe an instance
type Checker interface {
	Check(ctx context.Context) Result
}

// Config tunes the cached health machine
type Config struct {
	// Interval is the time between cached probes
	Interval time.Duration

	// ProbeTimeout caps a single probe, cached or real-time
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failures before an
	// instance is marked unhealthy. One success marks it healthy again.
	FailureThreshold int
}

// DefaultConfig returns the standard probe cadence
func DefaultConfig() Config {
	return Config{
		Interval:         2 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// Status tracks the cached health of one instance
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed probes
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful probes
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last probe
	LastCheck time.Time

	// LastResult is the result of the last probe
	LastResult Result

	// Healthy indicates whether the instance is currently considered healthy
	Healthy bool

	// LastTransition is when Healthy last flipped
	LastTransition time.Time

	// StartedAt is when monitoring began for this instance
	StartedAt time.Time
}

// NewStatus creates a Status that assumes the instance is healthy until
// probes prove otherwise
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds one probe result into the status. Marking unhealthy takes
// FailureThreshold consecutive failures; marking healthy takes a single
// success, so a recovered instance rejoins rotation on the next probe.
// Returns true when Healthy flipped.
func (s *Status) Update(result Result, config Config) bool {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	was := s.Healthy

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.FailureThreshold {
			s.Healthy = false
		}
	}

	if s.Healthy != was {
		s.LastTransition = result.CheckedAt
		return true
	}
	return false
}
