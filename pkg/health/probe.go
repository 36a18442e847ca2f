package health

import (
	"context"
	"time"

	"github.com/tandem-io/tandem/pkg/upstream"
)

// VersionProber probes an instance's lightweight version endpoint. It
// rides the upstream client's probe path, which skips the circuit
// breaker so the monitor sees the instance's true state even while
// forwarded traffic is being shed.
type VersionProber struct {
	client *upstream.Client
}

// NewVersionProber wraps an instance client as a Checker
func NewVersionProber(client *upstream.Client) *VersionProber {
	return &VersionProber{client: client}
}

// Check performs one probe
func (p *VersionProber) Check(ctx context.Context) Result {
	start := time.Now()

	err := p.client.Probe(ctx)
	result := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}
