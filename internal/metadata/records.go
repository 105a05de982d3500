// Package metadata is the coordinator's source of truth: durable records for
// storage nodes, files, and the replicas joining them. The coordinator is the
// sole writer; node-reported facts pass through the health tracker before
// landing here.
package metadata

import "time"

// NodeStatus is the health tracker's view of a storage node.
type NodeStatus string

const (
	// NodeActive means the node heartbeats within the timeout window.
	NodeActive NodeStatus = "active"
	// NodeUnreachable means the node missed its heartbeat window.
	NodeUnreachable NodeStatus = "unreachable"
	// NodeDead means the node stayed unreachable beyond the dead threshold.
	// Only an explicit re-registration brings it back.
	NodeDead NodeStatus = "dead"
)

// UploadState tracks a file through the upload protocol.
type UploadState string

const (
	// UploadRequested: file record created, no replicas selected yet.
	UploadRequested UploadState = "requested"
	// UploadUploading: replicas selected, waiting for confirmations.
	UploadUploading UploadState = "uploading"
	// UploadCommitted: replication factor reached; the file is readable.
	UploadCommitted UploadState = "committed"
	// UploadRolledBack: the upload window closed or became infeasible;
	// all copies were discarded.
	UploadRolledBack UploadState = "rolled_back"
)

// ReplicaStatus tracks one (file, node) copy.
type ReplicaStatus string

const (
	// ReplicaPending: node selected, bytes not yet confirmed.
	ReplicaPending ReplicaStatus = "pending"
	// ReplicaActive: bytes confirmed present with a matching checksum.
	ReplicaActive ReplicaStatus = "active"
	// ReplicaFailed: confirmation failed, or the hosting node was lost.
	ReplicaFailed ReplicaStatus = "failed"
	// ReplicaRecovering: under verification by the reconciler.
	ReplicaRecovering ReplicaStatus = "recovering"
)

// NodeRecord describes a registered storage node. Owned by the health
// tracker; planner and routers only read it. Records are never deleted,
// a lost node is soft-retained as dead for audit and recovery.
type NodeRecord struct {
	ID              string     `json:"node_id"`
	Address         string     `json:"node_address"`
	Status          NodeStatus `json:"status"`
	MaxStorage      *int64     `json:"max_storage,omitempty"` // nil = unlimited
	UsedSpace       int64      `json:"used_space"`
	AvailableSpace  int64      `json:"available_space"`
	FileCount       int        `json:"file_count"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	RegisteredAt    time.Time  `json:"registered_at"`
}

// FileRecord describes an uploaded (or in-flight) file. Created at
// reservation time and mutated only by the upload coordinator; immutable
// after commit except for deletion.
type FileRecord struct {
	ID                string      `json:"file_id"`
	Filename          string      `json:"filename"`
	SizeBytes         int64       `json:"file_size"`
	Checksum          string      `json:"checksum"`
	ReplicationFactor int         `json:"replication_factor"`
	UploadState       UploadState `json:"upload_state"`
	CreatedAt         time.Time   `json:"created_at"`
}

// ReplicaRecord ties a file to a node hosting (or expected to host) a copy.
// Composite key (FileID, NodeID). Invariant: a committed file keeps at least
// one active replica, or it is not retrievable and the reconciler owes it a
// re-replication.
type ReplicaRecord struct {
	FileID      string        `json:"file_id"`
	NodeID      string        `json:"node_id"`
	Status      ReplicaStatus `json:"status"`
	Attempts    int           `json:"attempts"` // failed confirmation attempts
	ConfirmedAt time.Time     `json:"confirmed_at,omitempty"`
}

// Stats is a cluster-level summary served by the coordinator API.
type Stats struct {
	TotalNodes  int   `json:"total_nodes"`
	ActiveNodes int   `json:"active_nodes"`
	TotalFiles  int   `json:"total_files"`
	TotalBytes  int64 `json:"total_size_bytes"`
}
