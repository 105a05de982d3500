package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/metadata"
)

// TrackerConfig tunes heartbeat-driven failure detection.
type TrackerConfig struct {
	// HeartbeatTimeout is how long a node may go silent before it is
	// marked unreachable.
	HeartbeatTimeout time.Duration

	// DeadTimeout is how long an unreachable node may stay silent before
	// it is marked dead. Measured from the last heartbeat, so it must be
	// longer than HeartbeatTimeout.
	DeadTimeout time.Duration

	// TickInterval is how often the scan in Start runs.
	TickInterval time.Duration
}

// DefaultTrackerConfig mirrors the node-side heartbeat cadence: heartbeats
// every 10s, unreachable after 30s of silence, dead after 5 minutes.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HeartbeatTimeout: 30 * time.Second,
		DeadTimeout:      5 * time.Minute,
		TickInterval:     3 * time.Second,
	}
}

// Tracker owns node records: it consumes registrations and heartbeats,
// derives node status on a fixed tick, and cascades node loss into replica
// state so downstream components re-derive file availability from replica
// status, never from node status.
//
// State machine: Active ⇄ Unreachable → Dead. Dead is left only through an
// explicit re-registration, which resets the node to Active and triggers a
// reconciliation pass via the OnReactivated callback.
//
// Thread safety: all public methods are safe for concurrent use. Work for a
// given node is serialized through the node-keyed mutex shared with the
// reconciler, so heartbeat N+1 never overtakes N's side effects.
type Tracker struct {
	store         metadata.Store
	locks         *KeyedMutex // per-node, shared with the reconciler
	cfg           TrackerConfig
	log           zerolog.Logger
	onReactivated func(nodeID string)

	// now is swappable so tests can drive the clock.
	now func() time.Time
}

// NewTracker creates a tracker over the given store. locks must be the same
// keyed mutex handed to the reconciler.
func NewTracker(store metadata.Store, locks *KeyedMutex, cfg TrackerConfig, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: store,
		locks: locks,
		cfg:   cfg,
		log:   log.With().Str("component", "tracker").Logger(),
		now:   time.Now,
	}
}

// SetOnReactivated registers the callback fired when a node returns from
// unreachable or dead. The callback runs on its own goroutine; the
// reconciler coalesces duplicate triggers.
func (t *Tracker) SetOnReactivated(fn func(nodeID string)) {
	t.onReactivated = fn
}

// Register creates or reactivates a node record.
//
// A node ID held by a live node at a different address is a conflict:
// last-writer-wins is not allowed, so the call fails with
// DuplicateNodeError. Re-registering the same address, or taking over an ID
// whose holder is dead, resets the node to Active and triggers recovery if
// it had been away.
func (t *Tracker) Register(nodeID, address string, maxStorage *int64) error {
	t.locks.Lock(nodeID)
	defer t.locks.Unlock(nodeID)

	now := t.now()
	existing, err := t.store.GetNode(nodeID)
	if err != nil {
		// First registration.
		t.log.Info().Str("node", nodeID).Str("addr", address).Msg("node registered")
		return t.store.PutNode(&metadata.NodeRecord{
			ID:              nodeID,
			Address:         address,
			Status:          metadata.NodeActive,
			MaxStorage:      maxStorage,
			LastHeartbeatAt: now,
			RegisteredAt:    now,
		})
	}

	if existing.Address != address && existing.Status != metadata.NodeDead {
		return &DuplicateNodeError{
			NodeID:        nodeID,
			ClaimedBy:     existing.Address,
			RequestedAddr: address,
		}
	}

	wasAway := existing.Status != metadata.NodeActive
	if err := t.store.UpdateNode(nodeID, func(n *metadata.NodeRecord) {
		n.Address = address
		n.Status = metadata.NodeActive
		n.MaxStorage = maxStorage
		n.LastHeartbeatAt = now
	}); err != nil {
		return err
	}

	t.log.Info().Str("node", nodeID).Bool("rejoin", wasAway).Msg("node re-registered")
	if wasAway {
		t.reactivated(nodeID)
	}
	return nil
}

// Heartbeat records a node's periodic self-report and refreshes its
// heartbeat clock. A node returning from unreachable is transitioned back
// to Active and handed to the reconciler rather than silently resumed.
// Heartbeats from dead nodes are rejected with ErrNodeDead: only an
// explicit re-registration resurrects them.
//
// Repeating a heartbeat with an identical payload is idempotent beyond the
// first application; only the timestamp moves.
func (t *Tracker) Heartbeat(nodeID string, available, used int64, fileCount int) error {
	t.locks.Lock(nodeID)
	defer t.locks.Unlock(nodeID)

	existing, err := t.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if existing.Status == metadata.NodeDead {
		return ErrNodeDead
	}

	wasUnreachable := existing.Status == metadata.NodeUnreachable
	now := t.now()
	if err := t.store.UpdateNode(nodeID, func(n *metadata.NodeRecord) {
		n.AvailableSpace = available
		n.UsedSpace = used
		n.FileCount = fileCount
		n.LastHeartbeatAt = now
		n.Status = metadata.NodeActive
	}); err != nil {
		return err
	}

	if wasUnreachable {
		t.log.Info().Str("node", nodeID).Msg("node back online, scheduling recovery")
		t.reactivated(nodeID)
	}
	return nil
}

// Start runs the failure-detection tick until ctx is canceled. Call it on
// its own goroutine.
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	t.log.Info().Dur("interval", t.cfg.TickInterval).Msg("health tracker started")
	for {
		select {
		case <-ticker.C:
			t.Tick()
		case <-ctx.Done():
			t.log.Info().Msg("health tracker stopped")
			return
		}
	}
}

// Tick scans all nodes once and applies status transitions:
//
//   - Active nodes past HeartbeatTimeout become Unreachable, and every
//     active replica they host is marked Failed in the same pass.
//   - Unreachable nodes past DeadTimeout become Dead.
//
// Exposed so tests (and callers without the ticker) can drive scans
// directly.
func (t *Tracker) Tick() {
	now := t.now()
	for _, n := range t.store.ListNodes() {
		t.tickNode(n.ID, now)
	}
}

func (t *Tracker) tickNode(nodeID string, now time.Time) {
	t.locks.Lock(nodeID)
	defer t.locks.Unlock(nodeID)

	n, err := t.store.GetNode(nodeID)
	if err != nil {
		return
	}
	silent := now.Sub(n.LastHeartbeatAt)

	switch n.Status {
	case metadata.NodeActive:
		if silent <= t.cfg.HeartbeatTimeout {
			return
		}
		if err := t.store.UpdateNode(nodeID, func(n *metadata.NodeRecord) {
			n.Status = metadata.NodeUnreachable
		}); err != nil {
			return
		}
		failed := t.failReplicasOn(nodeID)
		t.log.Warn().
			Str("node", nodeID).
			Dur("silent", silent).
			Int("replicas_failed", failed).
			Msg("node unreachable")

	case metadata.NodeUnreachable:
		if silent <= t.cfg.DeadTimeout {
			return
		}
		if err := t.store.UpdateNode(nodeID, func(n *metadata.NodeRecord) {
			n.Status = metadata.NodeDead
		}); err != nil {
			return
		}
		// Replicas were already failed on the unreachable transition;
		// sweep again in case any were confirmed in between.
		t.failReplicasOn(nodeID)
		t.log.Error().Str("node", nodeID).Dur("silent", silent).Msg("node dead")
	}
}

// failReplicasOn marks every active replica hosted on the node as failed and
// returns how many transitions happened. File availability bookkeeping is
// never dropped silently: readers re-derive retrievability from replica
// status after this cascade.
func (t *Tracker) failReplicasOn(nodeID string) int {
	failed := 0
	for _, r := range t.store.ReplicasForNode(nodeID) {
		if r.Status != metadata.ReplicaActive {
			continue
		}
		if err := t.store.UpdateReplica(r.FileID, r.NodeID, func(rr *metadata.ReplicaRecord) {
			rr.Status = metadata.ReplicaFailed
		}); err != nil {
			continue
		}
		replicasFailed.Inc()
		failed++
	}
	return failed
}

func (t *Tracker) reactivated(nodeID string) {
	if t.onReactivated == nil {
		return
	}
	// Fire outside the node lock's critical path.
	go t.onReactivated(nodeID)
}
