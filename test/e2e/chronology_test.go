package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/test/framework"
)

// TestCreateDeleteChronology creates and deletes a collection while the
// replica is out, then verifies replay applies both operations in log
// order: the collection flickers into existence on the replica and is
// gone again, exactly as the caller's history says.
func TestCreateDeleteChronology(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping chronology test in short mode")
	}

	stack := framework.NewStack(framework.DefaultStackConfig())
	if err := stack.Start(); err != nil {
		t.Fatalf("Failed to start stack: %v", err)
	}
	defer stack.Stop()

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()
	client := stack.Client()

	t.Run("CreateWhileReplicaDown", func(t *testing.T) {
		assert.Step("Suspending the replica, then creating 'scratch'")

		stack.Replica.Suspend()
		if err := waiter.WaitForMode(ctx, stack, types.RoutingPrimaryOnly); err != nil {
			t.Fatalf("Routing mode never degraded: %v", err)
		}

		status, id, err := client.CreateCollection("scratch")
		assert.NoError(err, "Create request failed")
		assert.StatusCode(http.StatusOK, status, "Create verdict")
		assert.True(stack.Primary.HasCollection("scratch"), "Primary missing the collection")
		assert.False(stack.Replica.HasCollection("scratch"), "Suspended replica somehow has the collection")
		assert.Equal(stack.Primary.CollectionID("scratch"), id, "Returned id is not the primary's")

		m, err := stack.Store.GetMapping(ctx, "scratch")
		assert.NoError(err, "Mapping lookup failed")
		assert.Equal(types.MappingPartial, m.Status, "Mapping status with one side down")
		assert.True(m.PrimaryID != "", "Mapping lost the primary id")
		assert.True(m.ReplicaID == "", "Mapping has a replica id that cannot exist yet")

		entries := stack.Store.WALEntries()
		assert.Equal(1, len(entries), "WAL rows after the create")
		assert.Equal(http.MethodPost, entries[0].Method, "Logged method")
		assert.Equal("replica", entries[0].TargetInstance, "Logged target")
		assert.Equal(types.PriorityCollection, entries[0].Priority, "Structure op priority")

		t.Log("✓ Partial create: primary has it, replica owes it")
	})

	t.Run("DeleteWhileReplicaDown", func(t *testing.T) {
		assert.Step("Deleting 'scratch' before the replica ever saw it")

		status, err := client.DeleteCollection("scratch")
		assert.NoError(err, "Delete request failed")
		assert.StatusCode(http.StatusOK, status, "Delete verdict")
		assert.False(stack.Primary.HasCollection("scratch"), "Primary still has the collection")

		// The mapping goes with the collection; replay is name-based
		_, err = stack.Store.GetMapping(ctx, "scratch")
		assert.Error(err, "Mapping survived the delete")

		entries := stack.Store.WALEntries()
		assert.Equal(2, len(entries), "WAL rows after the delete")
		assert.Equal(http.MethodPost, entries[0].Method, "First logged operation")
		assert.Equal(http.MethodDelete, entries[1].Method, "Second logged operation")
		assert.True(!entries[1].Timestamp.Before(entries[0].Timestamp), "Log order broken")

		ws, err := client.WALStatus()
		assert.NoError(err, "WAL status request failed")
		assert.Equal(2, ws.Pending["replica"], "Pending rows for the replica")

		t.Log("✓ Both operations logged in caller order")
	})

	t.Run("ReplayInOrder", func(t *testing.T) {
		assert.Step("Resuming the replica and letting the log replay")

		stack.Replica.Resume()
		if err := waiter.WaitForHealthy(ctx, stack, types.RoleReplica); err != nil {
			t.Fatalf("Replica never recovered: %v", err)
		}
		if err := waiter.WaitForWALDrained(ctx, stack); err != nil {
			t.Fatalf("WAL did not drain after recovery: %v", err)
		}

		// Create then delete, in that order: the end state is absence,
		// on both instances and in the mapping registry
		assert.CollectionNowhere("scratch", stack)

		for _, entry := range stack.Store.WALEntries() {
			assert.Equal(types.WALStatusSynced, entry.Status, "Row "+entry.WriteID+" after replay")
			assert.True(entry.SyncedOn(types.RoleReplica), "Row "+entry.WriteID+" not acknowledged by the replica")
		}
		assert.AttemptsSettled(stack)
		t.Log("✓ History replayed in order; deleted means deleted")
	})
}
