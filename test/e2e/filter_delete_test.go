package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/tandem-io/tandem/pkg/types"
	"github.com/tandem-io/tandem/test/framework"
)

// TestFilterDeleteAcrossOutage issues a metadata-filtered delete while
// the primary is down. The filter body is logged verbatim and replayed,
// so the same predicate runs on the primary when it returns and the
// delete never half-applies.
func TestFilterDeleteAcrossOutage(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping filter delete test in short mode")
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

	assert.Step("Seeding 'users' with three documents on both instances")

	status, _, err := client.CreateCollection("users")
	assert.NoError(err, "Create request failed")
	assert.StatusCode(http.StatusOK, status, "Create verdict")

	status, err = client.AddDocuments("users", framework.Documents{
		IDs:       []string{"u7", "u8", "u9"},
		Documents: []string{"ada", "grace", "edsger"},
		Metadatas: []map[string]interface{}{
			{"document_id": "u7"},
			{"document_id": "u8"},
			{"document_id": "u9"},
		},
	})
	assert.NoError(err, "Seed add failed")
	assert.StatusCode(http.StatusCreated, status, "Seed add verdict")

	if err := waiter.WaitForWALDrained(ctx, stack); err != nil {
		t.Fatalf("Seed write never replayed: %v", err)
	}
	assert.Equal(3, stack.Primary.DocCount("users"), "Primary seed count")
	assert.Equal(3, stack.Replica.DocCount("users"), "Replica seed count")
	t.Log("✓ Seed converged")

	assert.Step("Suspending the primary and deleting by filter")

	stack.Primary.Suspend()
	if err := waiter.WaitForMode(ctx, stack, types.RoutingReplicaOnly); err != nil {
		t.Fatalf("Routing mode never degraded: %v", err)
	}

	status, err = client.DeleteWhere("users", map[string]interface{}{"document_id": "u7"})
	assert.NoError(err, "Filtered delete failed")
	assert.StatusCode(http.StatusOK, status, "Filtered delete verdict")

	_, ok := stack.Replica.Document("users", "u7")
	assert.False(ok, "Replica still has the filtered document")
	assert.Equal(2, stack.Replica.DocCount("users"), "Replica count after delete")
	assert.Equal(3, stack.Primary.DocCount("users"), "Suspended primary must be untouched")

	pending := stack.Store.PendingWAL()
	assert.Equal(1, len(pending), "Pending WAL rows")
	assert.Equal(http.MethodPost, pending[0].Method, "Logged method")
	assert.Contains(pending[0].Path, "/users/delete", "Logged path")
	assert.Equal("primary", pending[0].TargetInstance, "Logged target")
	t.Log("✓ Filtered delete applied on the replica and logged for the primary")

	assert.Step("Resuming the primary; the same filter must run there")

	stack.Primary.Resume()
	if err := waiter.WaitForHealthy(ctx, stack, types.RolePrimary); err != nil {
		t.Fatalf("Primary never recovered: %v", err)
	}
	if err := waiter.WaitForDocumentGone(ctx, stack.Primary, "users", "u7"); err != nil {
		t.Fatalf("Replayed filter never applied on the primary: %v", err)
	}
	if err := waiter.WaitForWALDrained(ctx, stack); err != nil {
		t.Fatalf("WAL did not drain after recovery: %v", err)
	}

	assert.DocumentNowhere("users", "u7", stack)
	assert.DocumentEverywhere("users", "u8", "grace", stack)
	assert.DocumentEverywhere("users", "u9", "edsger", stack)
	assert.Equal(2, stack.Primary.DocCount("users"), "Primary count after replay")
	assert.Equal(2, stack.Replica.DocCount("users"), "Replica count after replay")
	assert.AttemptsSettled(stack)
	t.Log("✓ Filter replayed on the primary; both instances agree")
}
