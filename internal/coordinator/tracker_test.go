package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kahu/internal/metadata"
)

func newTestTracker(store metadata.Store) *Tracker {
	return NewTracker(store, NewKeyedMutex(), DefaultTrackerConfig(), testLogger())
}

// TestTrackerRegister verifies first-time registration creates an active
// node record with the heartbeat clock started.
func TestTrackerRegister(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	max := int64(1 << 30)
	require.NoError(t, tr.Register("n1", "http://n1:8081", &max))

	n, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.NodeActive, n.Status)
	assert.Equal(t, "http://n1:8081", n.Address)
	require.NotNil(t, n.MaxStorage)
	assert.Equal(t, int64(1<<30), *n.MaxStorage)
	assert.False(t, n.LastHeartbeatAt.IsZero())
}

// TestTrackerRegisterDuplicate verifies that a node ID claimed by a live
// node at another address is rejected, while re-registering the same address
// is allowed.
func TestTrackerRegisterDuplicate(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))

	err := tr.Register("n1", "http://imposter:9999", nil)
	var dup *DuplicateNodeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "n1", dup.NodeID)
	assert.Equal(t, "http://n1:8081", dup.ClaimedBy)

	// Same address is a benign restart, not a conflict.
	assert.NoError(t, tr.Register("n1", "http://n1:8081", nil))
}

// TestTrackerRegisterTakesOverDeadID verifies that the ID of a dead node can
// be claimed from a new address.
func TestTrackerRegisterTakesOverDeadID(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))
	require.NoError(t, store.UpdateNode("n1", func(n *metadata.NodeRecord) {
		n.Status = metadata.NodeDead
	}))

	require.NoError(t, tr.Register("n1", "http://replacement:8082", nil))
	n, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.NodeActive, n.Status)
	assert.Equal(t, "http://replacement:8082", n.Address)
}

// TestTrackerHeartbeat verifies heartbeats persist the self-report, refresh
// the clock, and are idempotent when repeated with the same payload.
func TestTrackerHeartbeat(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)
	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))

	require.NoError(t, tr.Heartbeat("n1", 500, 100, 3))
	n, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), n.AvailableSpace)
	assert.Equal(t, int64(100), n.UsedSpace)
	assert.Equal(t, 3, n.FileCount)

	// Identical repeat: no state change beyond the timestamp.
	require.NoError(t, tr.Heartbeat("n1", 500, 100, 3))
	again, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, n.AvailableSpace, again.AvailableSpace)
	assert.Equal(t, n.UsedSpace, again.UsedSpace)
	assert.Equal(t, n.FileCount, again.FileCount)
}

// TestTrackerHeartbeatUnknownNode verifies a heartbeat for an unregistered
// node fails with the store's not-found error.
func TestTrackerHeartbeatUnknownNode(t *testing.T) {
	tr := newTestTracker(metadata.NewMemoryStore())
	err := tr.Heartbeat("ghost", 1, 1, 1)
	assert.True(t, errors.Is(err, metadata.ErrNodeNotFound))
}

// TestTrackerTickTransitions walks a node through the failure state machine
// by driving the tracker's clock: active, then unreachable past the
// heartbeat timeout, then dead past the dead timeout.
func TestTrackerTickTransitions(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))

	// Within the heartbeat window: still active.
	tr.now = func() time.Time { return base.Add(10 * time.Second) }
	tr.Tick()
	n, _ := store.GetNode("n1")
	assert.Equal(t, metadata.NodeActive, n.Status)

	// Past the heartbeat timeout: unreachable.
	tr.now = func() time.Time { return base.Add(31 * time.Second) }
	tr.Tick()
	n, _ = store.GetNode("n1")
	assert.Equal(t, metadata.NodeUnreachable, n.Status)

	// Past the dead timeout (measured from the last heartbeat): dead.
	tr.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	tr.Tick()
	n, _ = store.GetNode("n1")
	assert.Equal(t, metadata.NodeDead, n.Status)

	// Dead nodes reject heartbeats until they re-register.
	err := tr.Heartbeat("n1", 1, 1, 1)
	assert.ErrorIs(t, err, ErrNodeDead)
}

// TestTrackerUnreachableFailsReplicas verifies the unreachable transition
// cascades into replica state: every active replica on the lost node flips
// to failed, replicas on other nodes are untouched.
func TestTrackerUnreachableFailsReplicas(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))
	require.NoError(t, tr.Register("n2", "http://n2:8082", nil))

	require.NoError(t, store.PutReplica(&metadata.ReplicaRecord{
		FileID: "f1", NodeID: "n1", Status: metadata.ReplicaActive,
	}))
	require.NoError(t, store.PutReplica(&metadata.ReplicaRecord{
		FileID: "f1", NodeID: "n2", Status: metadata.ReplicaActive,
	}))

	// Only n1 goes silent.
	tr.now = func() time.Time { return base.Add(31 * time.Second) }
	require.NoError(t, store.UpdateNode("n2", func(n *metadata.NodeRecord) {
		n.LastHeartbeatAt = base.Add(25 * time.Second)
	}))
	tr.Tick()

	r1, err := store.GetReplica("f1", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaFailed, r1.Status)

	r2, err := store.GetReplica("f1", "n2")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaActive, r2.Status)
}

// TestTrackerReactivationCallback verifies a heartbeat from an unreachable
// node restores it to active and fires the reactivation hook.
func TestTrackerReactivationCallback(t *testing.T) {
	store := metadata.NewMemoryStore()
	tr := newTestTracker(store)

	var mu sync.Mutex
	var reactivated []string
	done := make(chan struct{}, 1)
	tr.SetOnReactivated(func(nodeID string) {
		mu.Lock()
		reactivated = append(reactivated, nodeID)
		mu.Unlock()
		done <- struct{}{}
	})

	require.NoError(t, tr.Register("n1", "http://n1:8081", nil))
	require.NoError(t, store.UpdateNode("n1", func(n *metadata.NodeRecord) {
		n.Status = metadata.NodeUnreachable
	}))

	require.NoError(t, tr.Heartbeat("n1", 100, 0, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reactivation callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n1"}, reactivated)

	n, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.NodeActive, n.Status)
}
