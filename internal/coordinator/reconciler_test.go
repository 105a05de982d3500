package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kahu/internal/metadata"
)

func newTestReconciler(store metadata.Store, nodes *fakeNodes) *Reconciler {
	planner := NewPlanner(store, DefaultSafetyBuffer)
	return NewReconciler(store, planner, nodes, NewKeyedMutex(), DefaultReconcilerConfig(), testLogger())
}

func putCommittedFile(t *testing.T, store metadata.Store, id, checksum string, size int64, rf int) {
	t.Helper()
	require.NoError(t, store.PutFile(&metadata.FileRecord{
		ID:                id,
		Filename:          id + ".bin",
		SizeBytes:         size,
		Checksum:          checksum,
		ReplicationFactor: rf,
		UploadState:       metadata.UploadCommitted,
		CreatedAt:         time.Now(),
	}))
}

func putReplica(t *testing.T, store metadata.Store, fileID, nodeID string, status metadata.ReplicaStatus) {
	t.Helper()
	require.NoError(t, store.PutReplica(&metadata.ReplicaRecord{
		FileID: fileID, NodeID: nodeID, Status: status, ConfirmedAt: time.Now(),
	}))
}

// TestReconcileRecoverAndReRepair runs the returning-node scenario: the node
// still holds F1 intact (restored to active) but lost F2 (failed, and a
// fresh copy is pushed to another node since the survivor alone is under
// the replication factor).
func TestReconcileRecoverAndReRepair(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()

	addActiveNode(t, store, "n1", 100<<20, 200<<20) // the returning node
	addActiveNode(t, store, "n2", 100<<20, 200<<20) // holds the surviving F2 copy
	addActiveNode(t, store, "n3", 100<<20, 200<<20) // re-replication target

	f1data := []byte("file one content")
	f2data := []byte("file two content")
	putCommittedFile(t, store, "f1", sum256(f1data), int64(len(f1data)), 1)
	putCommittedFile(t, store, "f2", sum256(f2data), int64(len(f2data)), 2)

	// Replica state after the outage: the tracker failed everything on n1.
	putReplica(t, store, "f1", "n1", metadata.ReplicaFailed)
	putReplica(t, store, "f2", "n1", metadata.ReplicaFailed)
	putReplica(t, store, "f2", "n2", metadata.ReplicaActive)

	// Actual node content: n1 kept f1 but lost f2; n2 still has its copy.
	nodes.seed("http://n1", "f1", f1data)
	nodes.seed("http://n2", "f2", f2data)

	r := newTestReconciler(store, nodes)
	require.NoError(t, r.Reconcile(context.Background(), "n1"))

	// F1 survived intact on n1.
	rep, err := store.GetReplica("f1", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaActive, rep.Status)

	// F2 on n1 is confirmed lost.
	rep, err = store.GetReplica("f2", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaFailed, rep.Status)

	// A fresh F2 copy landed on n3 (n1 and n2 are excluded as holders).
	rep, err = store.GetReplica("f2", "n3")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaActive, rep.Status)
	assert.True(t, nodes.holds("http://n3", "f2"), "bytes must be pushed to the new node")
}

// TestReconcileChecksumMismatchFails verifies a held file whose bytes no
// longer match the record is treated as lost, not restored.
func TestReconcileChecksumMismatchFails(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()

	addActiveNode(t, store, "n1", 100<<20, 200<<20)
	addActiveNode(t, store, "n2", 100<<20, 200<<20)

	good := []byte("good content")
	putCommittedFile(t, store, "f1", sum256(good), int64(len(good)), 1)
	putReplica(t, store, "f1", "n1", metadata.ReplicaFailed)
	putReplica(t, store, "f1", "n2", metadata.ReplicaActive)

	nodes.seed("http://n1", "f1", []byte("corrupted!!"))
	nodes.seed("http://n2", "f1", good)

	r := newTestReconciler(store, nodes)
	require.NoError(t, r.Reconcile(context.Background(), "n1"))

	rep, err := store.GetReplica("f1", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaFailed, rep.Status)
}

// TestReconcileOrphanSweep verifies files the node holds without a replica
// record, leftovers of uploads rolled back during the outage, are deleted.
func TestReconcileOrphanSweep(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()
	addActiveNode(t, store, "n1", 100<<20, 200<<20)

	nodes.seed("http://n1", "orphan-1", []byte("abandoned bytes"))

	r := newTestReconciler(store, nodes)
	require.NoError(t, r.Reconcile(context.Background(), "n1"))

	assert.False(t, nodes.holds("http://n1", "orphan-1"))
}

// TestReconcileDanglingReplicaRecord verifies a replica record pointing at a
// deleted file is dropped and the node's bytes reclaimed.
func TestReconcileDanglingReplicaRecord(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()
	addActiveNode(t, store, "n1", 100<<20, 200<<20)

	// Replica record without a file record, plus the matching bytes.
	putReplica(t, store, "ghost", "n1", metadata.ReplicaFailed)
	nodes.seed("http://n1", "ghost", []byte("ghost bytes"))

	r := newTestReconciler(store, nodes)
	require.NoError(t, r.Reconcile(context.Background(), "n1"))

	_, err := store.GetReplica("ghost", "n1")
	assert.ErrorIs(t, err, metadata.ErrReplicaNotFound)
	assert.False(t, nodes.holds("http://n1", "ghost"))
}

// TestReconcileSkipsInFlightUploads verifies replicas of files still in the
// upload protocol are left alone.
func TestReconcileSkipsInFlightUploads(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()
	addActiveNode(t, store, "n1", 100<<20, 200<<20)

	require.NoError(t, store.PutFile(&metadata.FileRecord{
		ID: "inflight", UploadState: metadata.UploadUploading,
		ReplicationFactor: 1, CreatedAt: time.Now(),
	}))
	putReplica(t, store, "inflight", "n1", metadata.ReplicaPending)
	nodes.seed("http://n1", "inflight", []byte("partial bytes"))

	r := newTestReconciler(store, nodes)
	require.NoError(t, r.Reconcile(context.Background(), "n1"))

	rep, err := store.GetReplica("inflight", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaPending, rep.Status)
	assert.True(t, nodes.holds("http://n1", "inflight"), "in-flight bytes are not orphans")
}

// TestReconcileRequiresActiveNode verifies a pass against a node that is not
// active (it may have dropped out again already) is refused.
func TestReconcileRequiresActiveNode(t *testing.T) {
	store := metadata.NewMemoryStore()
	addActiveNode(t, store, "n1", 100<<20, 200<<20)
	require.NoError(t, store.UpdateNode("n1", func(n *metadata.NodeRecord) {
		n.Status = metadata.NodeUnreachable
	}))

	r := newTestReconciler(store, newFakeNodes())
	assert.Error(t, r.Reconcile(context.Background(), "n1"))
}

// TestReconcileUnreachableNode verifies an inventory fetch failure surfaces
// as NodeUnreachableError without touching replica state.
func TestReconcileUnreachableNode(t *testing.T) {
	store := metadata.NewMemoryStore()
	nodes := newFakeNodes()
	addActiveNode(t, store, "n1", 100<<20, 200<<20)
	putCommittedFile(t, store, "f1", "sum", 10, 1)
	putReplica(t, store, "f1", "n1", metadata.ReplicaFailed)
	nodes.setDown("http://n1", true)

	r := newTestReconciler(store, nodes)
	err := r.Reconcile(context.Background(), "n1")
	var unreachable *NodeUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "n1", unreachable.NodeID)

	rep, err := store.GetReplica("f1", "n1")
	require.NoError(t, err)
	assert.Equal(t, metadata.ReplicaFailed, rep.Status)
}
