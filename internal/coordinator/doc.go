// Package coordinator implements Kahu's replica-management core: the pieces
// the coordinator daemon composes to place, track, and repair file replicas
// across independent storage nodes.
//
// Components:
//
//   - Tracker: consumes node registrations and heartbeats, derives node
//     status (active ⇄ unreachable → dead) on a fixed tick, and cascades
//     node loss into replica state.
//   - Planner: capacity-aware placement. Given a file size and replication
//     factor, selects active nodes with enough free space (plus a safety
//     buffer), most free space first, deterministically.
//   - Uploader: drives the reserve → fan-out-upload → confirm/cancel
//     protocol per file, with a bounded upload window and all-or-nothing
//     commit at replication-factor granularity.
//   - Reconciler: when a node returns, diffs its actual inventory against
//     expected replicas, restores verified copies to active, re-replicates
//     lost ones to fresh nodes, and deletes orphaned bytes.
//   - Router: resolves downloads from active replicas and fans out deletes.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                 coordinator                    │
//	│                                               │
//	│  Tracker ──reactivation──▶ Reconciler          │
//	│     │                         │   ▲           │
//	│     ▼                         ▼   │           │
//	│  metadata.Store ◀──── Uploader ── Planner      │
//	│     ▲                         │               │
//	│     └──────── Router ◀────────┘               │
//	└──────────────│────────────────│───────────────┘
//	               ▼                ▼
//	         storage node     storage node   (cluster.NodeAPI, HTTP)
//
// Concurrency model: mutations are serialized per key, not globally. One
// KeyedMutex keyed by file ID is shared by the Uploader and Router; another
// keyed by node ID is shared by the Tracker and Reconciler. Distinct files
// and nodes proceed fully in parallel. Every node-facing call carries a
// context with a bounded timeout, so a hung node stalls only its own file
// or node state machine.
//
// Error policy: node-level transient failures are absorbed into state
// transitions and never surfaced raw. Capacity and not-found errors carry
// diagnostic detail and go back to the caller verbatim. No failure is fatal
// to the coordinator process.
package coordinator
