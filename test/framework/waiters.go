package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/tandem-io/tandem/pkg/types"
)

// Waiter polls conditions with a timeout
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter tuned for the in-process stack
// (5s timeout, 10ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 10*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForHealthy waits for the cached view to mark an instance healthy
func (w *Waiter) WaitForHealthy(ctx context.Context, stack *Stack, role types.InstanceRole) error {
	return w.WaitFor(ctx, func() bool {
		return stack.Monitor.Healthy(role)
	}, fmt.Sprintf("instance %s to be marked healthy", role))
}

// WaitForUnhealthy waits for the cached view to mark an instance down
func (w *Waiter) WaitForUnhealthy(ctx context.Context, stack *Stack, role types.InstanceRole) error {
	return w.WaitFor(ctx, func() bool {
		return !stack.Monitor.Healthy(role)
	}, fmt.Sprintf("instance %s to be marked unhealthy", role))
}

// WaitForMode waits for the routing mode to settle
func (w *Waiter) WaitForMode(ctx context.Context, stack *Stack, mode types.RoutingMode) error {
	return w.WaitFor(ctx, func() bool {
		return stack.Monitor.Mode() == mode
	}, fmt.Sprintf("routing mode to become %s", mode))
}

// WaitForWALDrained waits until no WAL entry is pending for any instance
func (w *Waiter) WaitForWALDrained(ctx context.Context, stack *Stack) error {
	return w.WaitFor(ctx, func() bool {
		depth, err := stack.Engine.Depth(ctx)
		if err != nil {
			return false
		}
		for _, n := range depth {
			if n > 0 {
				return false
			}
		}
		return true
	}, "WAL to drain to zero")
}

// WaitForMappingComplete waits for a mapping to carry both identifiers
func (w *Waiter) WaitForMappingComplete(ctx context.Context, stack *Stack, name string) error {
	return w.WaitFor(ctx, func() bool {
		m, err := stack.Store.GetMapping(ctx, name)
		return err == nil && m.Status == types.MappingComplete
	}, fmt.Sprintf("mapping %s to become complete", name))
}

// WaitForMappingGone waits for a mapping row to disappear
func (w *Waiter) WaitForMappingGone(ctx context.Context, stack *Stack, name string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := stack.Store.GetMapping(ctx, name)
		return err != nil
	}, fmt.Sprintf("mapping %s to be removed", name))
}

// WaitForDocument waits for a document to appear on an instance
func (w *Waiter) WaitForDocument(ctx context.Context, inst *FakeInstance, collection, docID string) error {
	return w.WaitFor(ctx, func() bool {
		_, ok := inst.Document(collection, docID)
		return ok
	}, fmt.Sprintf("document %s to appear in %s", docID, collection))
}

// WaitForDocumentGone waits for a document to disappear from an instance
func (w *Waiter) WaitForDocumentGone(ctx context.Context, inst *FakeInstance, collection, docID string) error {
	return w.WaitFor(ctx, func() bool {
		_, ok := inst.Document(collection, docID)
		return !ok
	}, fmt.Sprintf("document %s to disappear from %s", docID, collection))
}

// WaitForCollection waits for a collection to exist on an instance
func (w *Waiter) WaitForCollection(ctx context.Context, inst *FakeInstance, name string) error {
	return w.WaitFor(ctx, func() bool {
		return inst.HasCollection(name)
	}, fmt.Sprintf("collection %s to exist", name))
}

// WaitForCollectionGone waits for a collection to disappear from an instance
func (w *Waiter) WaitForCollectionGone(ctx context.Context, inst *FakeInstance, name string) error {
	return w.WaitFor(ctx, func() bool {
		return !inst.HasCollection(name)
	}, fmt.Sprintf("collection %s to disappear", name))
}

// WaitForAttemptCount waits until the attempt table holds n rows in the
// given status
func (w *Waiter) WaitForAttemptCount(ctx context.Context, stack *Stack, status types.AttemptStatus, n int) error {
	return w.WaitFor(ctx, func() bool {
		counts, err := stack.Store.CountAttempts(ctx)
		return err == nil && counts[string(status)] == n
	}, fmt.Sprintf("%d attempts in status %s", n, status))
}
