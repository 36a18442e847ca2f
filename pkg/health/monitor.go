package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandem-io/tandem/pkg/events"
	"github.com/tandem-io/tandem/pkg/log"
	"github.com/tandem-io/tandem/pkg/metrics"
	"github.com/tandem-io/tandem/pkg/types"
)

// InstanceHealth is a point-in-time copy of one instance's cached view
type InstanceHealth struct {
	Role                types.InstanceRole `json:"role"`
	Healthy             bool               `json:"healthy"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastCheck           time.Time          `json:"last_check"`
	LastTransition      time.Time          `json:"last_transition"`
	LastMessage         string             `json:"last_message,omitempty"`
}

// Monitor keeps the cached health view of both instances current and
// publishes transition events. It also serves the real-time probes the
// router uses right before routing a write.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[types.InstanceRole]*Status

	checkers map[types.InstanceRole]Checker
	config   Config
	broker   *events.Broker
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor builds a monitor over one checker per instance
func NewMonitor(checkers map[types.InstanceRole]Checker, cfg Config, broker *events.Broker) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}

	statuses := make(map[types.InstanceRole]*Status, len(checkers))
	for role := range checkers {
		statuses[role] = NewStatus()
	}

	return &Monitor{
		statuses: statuses,
		checkers: checkers,
		config:   cfg,
		broker:   broker,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one probe loop per instance. Each loop probes
// immediately, then on the configured interval.
func (m *Monitor) Start() {
	for role := range m.checkers {
		m.wg.Add(1)
		go m.loop(role)
	}
	m.logger.Info().
		Dur("interval", m.config.Interval).
		Int("failure_threshold", m.config.FailureThreshold).
		Msg("health monitor started")
}

// Stop halts all probe loops and waits for them to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(role types.InstanceRole) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.probe(role)

	for {
		select {
		case <-ticker.C:
			m.probe(role)
		case <-m.stopCh:
			return
		}
	}
}

// probe runs one cached check and folds it into the view
func (m *Monitor) probe(role types.InstanceRole) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ProbeTimeout)
	defer cancel()

	result := m.checkers[role].Check(ctx)

	outcome := "success"
	if !result.Healthy {
		outcome = "failure"
	}
	metrics.HealthProbesTotal.WithLabelValues(string(role), "cached", outcome).Inc()

	m.mu.Lock()
	status := m.statuses[role]
	flipped := status.Update(result, m.config)
	healthy := status.Healthy
	m.mu.Unlock()

	if healthy {
		metrics.InstanceHealthy.WithLabelValues(string(role)).Set(1)
	} else {
		metrics.InstanceHealthy.WithLabelValues(string(role)).Set(0)
	}

	if !flipped {
		return
	}

	if healthy {
		m.logger.Info().Str("instance", string(role)).Msg("instance recovered")
		m.broker.Publish(&events.Event{
			Type:     events.EventInstanceRecovered,
			Instance: string(role),
			Message:  "instance recovered",
		})
	} else {
		m.logger.Warn().
			Str("instance", string(role)).
			Int("consecutive_failures", status.ConsecutiveFailures).
			Str("last_error", result.Message).
			Msg("instance marked unhealthy")
		m.broker.Publish(&events.Event{
			Type:     events.EventInstanceDown,
			Instance: string(role),
			Message:  result.Message,
		})
	}
}

// Healthy returns the cached view for one instance
func (m *Monitor) Healthy(role types.InstanceRole) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[role]
	return ok && status.Healthy
}

// RealTime probes the instance synchronously, bypassing the cached view.
// The router calls this right before routing a write, when acting on a
// stale cache would misroute. The result does not feed the cached
// machine: recovery events stay tied to the steady probe loop.
func (m *Monitor) RealTime(ctx context.Context, role types.InstanceRole) error {
	checker, ok := m.checkers[role]
	if !ok {
		return fmt.Errorf("no checker for instance %q", role)
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	result := checker.Check(ctx)

	outcome := "success"
	if !result.Healthy {
		outcome = "failure"
	}
	metrics.HealthProbesTotal.WithLabelValues(string(role), "realtime", outcome).Inc()

	if !result.Healthy {
		return fmt.Errorf("instance %s: %s: %w", role, result.Message, types.ErrNoHealthyInstance)
	}
	return nil
}

// Mode summarizes which instances can currently serve traffic
func (m *Monitor) Mode() types.RoutingMode {
	primary := m.Healthy(types.RolePrimary)
	replica := m.Healthy(types.RoleReplica)

	switch {
	case primary && replica:
		return types.RoutingNormal
	case primary:
		return types.RoutingPrimaryOnly
	case replica:
		return types.RoutingReplicaOnly
	default:
		return types.RoutingUnavailable
	}
}

// Snapshot copies the cached view of every instance for the status surface
func (m *Monitor) Snapshot() map[types.InstanceRole]InstanceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.InstanceRole]InstanceHealth, len(m.statuses))
	for role, status := range m.statuses {
		out[role] = InstanceHealth{
			Role:                role,
			Healthy:             status.Healthy,
			ConsecutiveFailures: status.ConsecutiveFailures,
			LastCheck:           status.LastCheck,
			LastTransition:      status.LastTransition,
			LastMessage:         status.LastResult.Message,
		}
	}
	return out
}
