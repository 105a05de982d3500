package coordinator

import (
	"errors"
	"fmt"

	"github.com/dreamware/kahu/internal/cluster"
)

// ErrUploadClosed is returned for confirm/cancel calls against a file whose
// upload protocol already finished (committed or rolled back).
var ErrUploadClosed = errors.New("upload already closed")

// ErrNodeDead is returned for heartbeats from a node marked dead. A dead
// node must explicitly re-register before it is trusted again.
var ErrNodeDead = errors.New("node is dead, explicit re-registration required")

// InsufficientCapacityError reports that node selection was impossible.
// Nodes holds, for every active candidate considered, its available space
// and the space the upload would have required (size + safety buffer).
// Nothing is mutated when this error is returned.
type InsufficientCapacityError struct {
	ReplicationFactor int
	Eligible          int
	Nodes             []cluster.NodeCapacity
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: need %d nodes, %d qualify",
		e.ReplicationFactor, e.Eligible)
}

// DuplicateNodeError reports a registration conflict: the node ID is already
// claimed by a live node at a different address.
type DuplicateNodeError struct {
	NodeID        string
	ClaimedBy     string // address holding the ID
	RequestedAddr string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %q already registered at %s (requested %s)",
		e.NodeID, e.ClaimedBy, e.RequestedAddr)
}

// ChecksumMismatchError reports a confirmation whose checksum does not match
// the file record's authoritative checksum.
type ChecksumMismatchError struct {
	FileID string
	NodeID string
	Want   string
	Got    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for file %s on node %s: want %s, got %s",
		e.FileID, e.NodeID, e.Want, e.Got)
}

// FileTooLargeError reports an upload request over the configured ceiling.
type FileTooLargeError struct {
	Filename string
	Size     int64
	Max      int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file %q is %d bytes, limit is %d", e.Filename, e.Size, e.Max)
}

// FileNotFoundError reports that a file has no active replica: either the
// file is unknown or every copy is pending/failed.
type FileNotFoundError struct {
	FileID string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %s has no active replica", e.FileID)
}

// NodeUnreachableError wraps a failed node-facing call. It is absorbed into
// state transitions, never surfaced raw to API clients.
type NodeUnreachableError struct {
	NodeID string
	Err    error
}

func (e *NodeUnreachableError) Error() string {
	return fmt.Sprintf("node %s unreachable: %v", e.NodeID, e.Err)
}

func (e *NodeUnreachableError) Unwrap() error { return e.Err }
