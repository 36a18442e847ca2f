package framework

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tandem-io/tandem/pkg/types"
)

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// CollectionEverywhere asserts that both instances hold the collection
func (a *Assertions) CollectionEverywhere(name string, stack *Stack) {
	a.t.Helper()

	if !stack.Primary.HasCollection(name) {
		a.t.Fatalf("Collection %s missing on primary", name)
	}
	if !stack.Replica.HasCollection(name) {
		a.t.Fatalf("Collection %s missing on replica", name)
	}
}

// CollectionNowhere asserts that no instance holds the collection and
// its mapping row is gone
func (a *Assertions) CollectionNowhere(name string, stack *Stack) {
	a.t.Helper()

	if stack.Primary.HasCollection(name) {
		a.t.Fatalf("Collection %s still present on primary", name)
	}
	if stack.Replica.HasCollection(name) {
		a.t.Fatalf("Collection %s still present on replica", name)
	}

	_, err := stack.Store.GetMapping(context.Background(), name)
	if err == nil {
		a.t.Fatalf("Mapping for %s still exists, expected it to be deleted", name)
	}
	if !errors.Is(err, types.ErrNotFound) {
		a.t.Fatalf("Unexpected error checking mapping for %s: %v", name, err)
	}
}

// CollectionConverged asserts the full goal state for one collection:
// present on both instances, mapping complete, and the mapping's
// per-instance identifiers pointing at what each instance actually
// assigned
func (a *Assertions) CollectionConverged(name string, stack *Stack) {
	a.t.Helper()

	a.CollectionEverywhere(name, stack)

	m, err := stack.Store.GetMapping(context.Background(), name)
	if err != nil {
		a.t.Fatalf("Failed to get mapping for %s: %v", name, err)
	}
	if m.Status != types.MappingComplete {
		a.t.Fatalf("Mapping for %s has status %s, expected %s", name, m.Status, types.MappingComplete)
	}
	if got := stack.Primary.CollectionID(name); got != m.PrimaryID {
		a.t.Fatalf("Mapping for %s points at primary id %s, instance has %s", name, m.PrimaryID, got)
	}
	if got := stack.Replica.CollectionID(name); got != m.ReplicaID {
		a.t.Fatalf("Mapping for %s points at replica id %s, instance has %s", name, m.ReplicaID, got)
	}

	pc := stack.Primary.DocCount(name)
	rc := stack.Replica.DocCount(name)
	if pc != rc {
		a.t.Fatalf("Collection %s diverged: primary has %d documents, replica has %d", name, pc, rc)
	}
}

// DocumentEverywhere asserts that both instances hold the document with
// the expected text
func (a *Assertions) DocumentEverywhere(collection, docID, text string, stack *Stack) {
	a.t.Helper()

	for _, inst := range []*FakeInstance{stack.Primary, stack.Replica} {
		got, ok := inst.Document(collection, docID)
		if !ok {
			a.t.Fatalf("Document %s/%s missing on %s", collection, docID, inst.Name())
		}
		if got != text {
			a.t.Fatalf("Document %s/%s on %s has text %q, expected %q", collection, docID, inst.Name(), got, text)
		}
	}
}

// DocumentNowhere asserts that neither instance holds the document
func (a *Assertions) DocumentNowhere(collection, docID string, stack *Stack) {
	a.t.Helper()

	for _, inst := range []*FakeInstance{stack.Primary, stack.Replica} {
		if _, ok := inst.Document(collection, docID); ok {
			a.t.Fatalf("Document %s/%s still present on %s", collection, docID, inst.Name())
		}
	}
}

// WALDrained asserts that no replayable rows remain for any instance
func (a *Assertions) WALDrained(stack *Stack) {
	a.t.Helper()

	depth, err := stack.Engine.Depth(context.Background())
	if err != nil {
		a.t.Fatalf("Failed to read WAL depth: %v", err)
	}
	for role, n := range depth {
		if n != 0 {
			a.t.Fatalf("WAL has %d pending rows for %s, expected 0", n, role)
		}
	}
}

// AttemptsSettled asserts that no transaction attempt is still open
func (a *Assertions) AttemptsSettled(stack *Stack) {
	a.t.Helper()

	counts, err := stack.Store.CountAttempts(context.Background())
	if err != nil {
		a.t.Fatalf("Failed to count attempts: %v", err)
	}
	if n := counts[string(types.AttemptAttempting)]; n != 0 {
		a.t.Fatalf("Ledger has %d attempts still in %s", n, types.AttemptAttempting)
	}
}

// Eventually repeatedly runs a condition until it returns true or timeout occurs
func (a *Assertions) Eventually(condition func() bool, timeout, interval time.Duration, msg string) {
	a.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Timeout waiting for condition: %s (timeout: %v)", msg, timeout)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true, got false", msg)
	}
}

// False asserts that a condition is false
func (a *Assertions) False(condition bool, msg string) {
	a.t.Helper()

	if condition {
		a.t.Fatalf("%s: expected false, got true", msg)
	}
}

// StatusCode asserts an HTTP status
func (a *Assertions) StatusCode(expected, actual int, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected HTTP %d, got %d", msg, expected, actual)
	}
}

// Contains asserts that a string contains a substring
func (a *Assertions) Contains(haystack, needle, msg string) {
	a.t.Helper()

	if !strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q to contain %q", msg, haystack, needle)
	}
}

// Step logs a test step (for visibility in test output)
func (a *Assertions) Step(step string) {
	a.t.Helper()
	a.t.Logf("\n==> %s", step)
}

// Success logs a success message
func (a *Assertions) Success(msg string) {
	a.t.Helper()
	a.t.Logf("✓ %s", msg)
}

// Logf logs a formatted message (non-failing)
func (a *Assertions) Logf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Logf(format, args...)
}
