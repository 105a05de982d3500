package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/metadata"
)

// ReconcilerConfig tunes reconciliation behavior.
type ReconcilerConfig struct {
	// NodeCallTimeout bounds each node-facing call in a pass.
	NodeCallTimeout time.Duration

	// PushRate paces re-replication copies so a returning node is not
	// flooded while it is catching up.
	PushRate rate.Limit

	// PushBurst is the re-replication burst size.
	PushBurst int
}

// DefaultReconcilerConfig paces re-replication at ten pushes per second.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		NodeCallTimeout: 15 * time.Second,
		PushRate:        rate.Limit(10),
		PushBurst:       1,
	}
}

// Reconciler realigns a returning node's actual content with the metadata
// store's expectations, and restores the replication factor of any file the
// outage degraded.
//
// A pass fetches the node's inventory, then for every replica record
// expected on the node: a held file with a matching checksum goes back to
// Active; a missing or corrupt file goes to Failed, and if that leaves the
// file under-replicated a fresh copy is pushed to a new node picked by the
// planner. Files the node holds that metadata does not expect — orphans
// from uploads rolled back during the outage — are deleted to reclaim
// space.
//
// Reconciliation for a given node runs at most once at a time; concurrent
// triggers are coalesced. A pass holds the node's key lock, so it never
// races the node's own heartbeat processing.
type Reconciler struct {
	store   metadata.Store
	planner *Planner
	nodes   cluster.NodeAPI
	locks   *KeyedMutex // per-node, shared with the tracker
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	log     zerolog.Logger

	imu      sync.Mutex
	inflight map[string]bool
}

// NewReconciler creates a reconciler. locks must be the same keyed mutex
// handed to the tracker.
func NewReconciler(store metadata.Store, planner *Planner, nodes cluster.NodeAPI, locks *KeyedMutex, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		planner:  planner,
		nodes:    nodes,
		locks:    locks,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.PushRate, cfg.PushBurst),
		log:      log.With().Str("component", "reconciler").Logger(),
		inflight: make(map[string]bool),
	}
}

// Reconcile runs one pass for nodeID. A duplicate trigger while a pass is
// in flight returns immediately: the node is already active and a second
// pass would be redundant.
func (r *Reconciler) Reconcile(ctx context.Context, nodeID string) error {
	r.imu.Lock()
	if r.inflight[nodeID] {
		r.imu.Unlock()
		r.log.Debug().Str("node", nodeID).Msg("reconciliation already in flight, coalesced")
		return nil
	}
	r.inflight[nodeID] = true
	r.imu.Unlock()
	defer func() {
		r.imu.Lock()
		delete(r.inflight, nodeID)
		r.imu.Unlock()
	}()

	r.locks.Lock(nodeID)
	defer r.locks.Unlock(nodeID)

	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status != metadata.NodeActive {
		return fmt.Errorf("node %s is %s, not reconciling", nodeID, node.Status)
	}

	invCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeCallTimeout)
	inventory, err := r.nodes.Inventory(invCtx, node.Address)
	cancel()
	if err != nil {
		return &NodeUnreachableError{NodeID: nodeID, Err: err}
	}
	held := make(map[string]string, len(inventory))
	for _, e := range inventory {
		held[e.FileID] = e.Checksum
	}

	expected := r.store.ReplicasForNode(nodeID)
	expectedSet := make(map[string]bool, len(expected))

	recovered, failed := 0, 0
	for _, rec := range expected {
		expectedSet[rec.FileID] = true

		file, err := r.store.GetFile(rec.FileID)
		if err != nil {
			// Dangling replica record; drop it and let the orphan sweep
			// below reclaim any bytes.
			_ = r.store.DeleteReplica(rec.FileID, nodeID)
			delete(expectedSet, rec.FileID)
			continue
		}
		if file.UploadState != metadata.UploadCommitted {
			// In-flight uploads belong to the upload coordinator.
			continue
		}

		_ = r.store.UpdateReplica(rec.FileID, nodeID, func(rr *metadata.ReplicaRecord) {
			rr.Status = metadata.ReplicaRecovering
		})

		if sum, ok := held[rec.FileID]; ok && sum == file.Checksum {
			_ = r.store.UpdateReplica(rec.FileID, nodeID, func(rr *metadata.ReplicaRecord) {
				rr.Status = metadata.ReplicaActive
				rr.ConfirmedAt = time.Now()
			})
			recovered++
			continue
		}

		_ = r.store.UpdateReplica(rec.FileID, nodeID, func(rr *metadata.ReplicaRecord) {
			rr.Status = metadata.ReplicaFailed
		})
		replicasFailed.Inc()
		failed++

		if r.activeReplicas(file.ID) < file.ReplicationFactor {
			if err := r.reReplicate(ctx, file); err != nil {
				r.log.Warn().Str("file", file.ID).Err(err).Msg("re-replication failed")
			}
		}
	}

	// Orphan sweep: bytes the node holds with no expected replica record.
	orphans := 0
	for fileID := range held {
		if expectedSet[fileID] {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeCallTimeout)
		err := r.nodes.DeleteFile(delCtx, node.Address, fileID)
		cancel()
		if err != nil && err != cluster.ErrNotFound {
			r.log.Warn().Str("file", fileID).Str("node", nodeID).Err(err).Msg("orphan delete failed")
			continue
		}
		orphans++
	}

	reconcilePasses.Inc()
	r.log.Info().
		Str("node", nodeID).
		Int("recovered", recovered).
		Int("failed", failed).
		Int("orphans_deleted", orphans).
		Msg("reconciliation complete")
	return nil
}

// reReplicate restores one missing copy: the planner picks a fresh node
// (excluding every current holder), the coordinator pulls the bytes from an
// active holder and pushes them to the new node. Hub-and-spoke: nodes never
// copy to each other directly.
func (r *Reconciler) reReplicate(ctx context.Context, file *metadata.FileRecord) error {
	replicas := r.store.ReplicasForFile(file.ID)

	var srcAddr string
	exclude := make([]string, 0, len(replicas))
	for _, rep := range replicas {
		exclude = append(exclude, rep.NodeID)
		if srcAddr != "" || rep.Status != metadata.ReplicaActive {
			continue
		}
		if node, err := r.store.GetNode(rep.NodeID); err == nil && node.Status == metadata.NodeActive {
			srcAddr = node.Address
		}
	}
	if srcAddr == "" {
		return fmt.Errorf("no active source replica for file %s", file.ID)
	}

	targets, err := r.planner.SelectNodes(file.SizeBytes, 1, exclude...)
	if err != nil {
		return err
	}
	target := targets[0]

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	copyCtx, cancel := context.WithTimeout(ctx, r.cfg.NodeCallTimeout)
	defer cancel()
	src, err := r.nodes.GetFile(copyCtx, srcAddr, file.ID)
	if err != nil {
		return fmt.Errorf("pull from source: %w", err)
	}
	defer src.Close()

	result, err := r.nodes.PutFile(copyCtx, target.Address, file.ID, src)
	if err != nil {
		return fmt.Errorf("push to %s: %w", target.ID, err)
	}
	if result.Checksum != file.Checksum {
		// The copy is corrupt; discard it rather than record a bad replica.
		delCtx, dcancel := context.WithTimeout(context.Background(), r.cfg.NodeCallTimeout)
		_ = r.nodes.DeleteFile(delCtx, target.Address, file.ID)
		dcancel()
		return &ChecksumMismatchError{
			FileID: file.ID,
			NodeID: target.ID,
			Want:   file.Checksum,
			Got:    result.Checksum,
		}
	}

	if err := r.store.PutReplica(&metadata.ReplicaRecord{
		FileID:      file.ID,
		NodeID:      target.ID,
		Status:      metadata.ReplicaActive,
		ConfirmedAt: time.Now(),
	}); err != nil {
		return err
	}
	_ = r.store.UpdateNode(target.ID, func(n *metadata.NodeRecord) {
		n.AvailableSpace -= file.SizeBytes
		n.UsedSpace += file.SizeBytes
		n.FileCount++
	})

	reReplications.Inc()
	r.log.Info().
		Str("file", file.ID).
		Str("target", target.ID).
		Msg("re-replicated")
	return nil
}

func (r *Reconciler) activeReplicas(fileID string) int {
	active := 0
	for _, rep := range r.store.ReplicasForFile(fileID) {
		if rep.Status == metadata.ReplicaActive {
			active++
		}
	}
	return active
}
