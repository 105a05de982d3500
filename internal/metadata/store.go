package metadata

import (
	"errors"
	"sort"
	"sync"
)

// ErrNodeNotFound is returned when a node record doesn't exist.
var ErrNodeNotFound = errors.New("node not found")

// ErrFileNotFound is returned when a file record doesn't exist.
var ErrFileNotFound = errors.New("file not found")

// ErrReplicaNotFound is returned when a (file, node) replica doesn't exist.
var ErrReplicaNotFound = errors.New("replica not found")

// Store is the metadata abstraction every coordinator component reads and
// writes through. All implementations must be safe for concurrent use and
// must hand out copies, never internal pointers. Update* methods apply the
// mutation atomically with respect to other calls on the same record.
type Store interface {
	// Nodes
	PutNode(n *NodeRecord) error
	GetNode(id string) (*NodeRecord, error)
	ListNodes() []*NodeRecord
	UpdateNode(id string, mutate func(*NodeRecord)) error

	// Files
	PutFile(f *FileRecord) error
	GetFile(id string) (*FileRecord, error)
	// ListFiles returns a page of file records ordered by creation time
	// (newest first), plus the total file count.
	ListFiles(limit, offset int) ([]*FileRecord, int)
	UpdateFile(id string, mutate func(*FileRecord)) error
	DeleteFile(id string) error

	// Replicas
	PutReplica(r *ReplicaRecord) error
	GetReplica(fileID, nodeID string) (*ReplicaRecord, error)
	ReplicasForFile(fileID string) []*ReplicaRecord
	ReplicasForNode(nodeID string) []*ReplicaRecord
	UpdateReplica(fileID, nodeID string, mutate func(*ReplicaRecord)) error
	DeleteReplica(fileID, nodeID string) error
	DeleteReplicasForFile(fileID string) error

	Stats() Stats
}

// replicaKey is the composite key for replica records.
type replicaKey struct {
	fileID string
	nodeID string
}

// MemoryStore implements Store with in-memory maps behind a single RWMutex.
// It is the default backing for the coordinator; the interface leaves room
// for an embedded transactional store without touching the callers.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*NodeRecord
	files    map[string]*FileRecord
	replicas map[replicaKey]*ReplicaRecord
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*NodeRecord),
		files:    make(map[string]*FileRecord),
		replicas: make(map[replicaKey]*ReplicaRecord),
	}
}

// PutNode inserts or replaces a node record.
func (m *MemoryStore) PutNode(n *NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

// GetNode returns a copy of the node record, or ErrNodeNotFound.
func (m *MemoryStore) GetNode(id string) (*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

// ListNodes returns copies of all node records, ordered by ID for
// deterministic iteration.
func (m *MemoryStore) ListNodes() []*NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NodeRecord, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateNode applies mutate to the stored record under the write lock.
func (m *MemoryStore) UpdateNode(id string, mutate func(*NodeRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	mutate(n)
	return nil
}

// PutFile inserts or replaces a file record.
func (m *MemoryStore) PutFile(f *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

// GetFile returns a copy of the file record, or ErrFileNotFound.
func (m *MemoryStore) GetFile(id string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

// ListFiles returns a page of file records, newest first, plus the total.
func (m *MemoryStore) ListFiles(limit, offset int) ([]*FileRecord, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*FileRecord, 0, len(m.files))
	for _, f := range m.files {
		cp := *f
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset >= total {
		return nil, total
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total
}

// UpdateFile applies mutate to the stored record under the write lock.
func (m *MemoryStore) UpdateFile(id string, mutate func(*FileRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrFileNotFound
	}
	mutate(f)
	return nil
}

// DeleteFile removes a file record. No error if it doesn't exist.
func (m *MemoryStore) DeleteFile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

// PutReplica inserts or replaces a replica record.
func (m *MemoryStore) PutReplica(r *ReplicaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.replicas[replicaKey{r.FileID, r.NodeID}] = &cp
	return nil
}

// GetReplica returns a copy of the (file, node) replica record.
func (m *MemoryStore) GetReplica(fileID, nodeID string) (*ReplicaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[replicaKey{fileID, nodeID}]
	if !ok {
		return nil, ErrReplicaNotFound
	}
	cp := *r
	return &cp, nil
}

// ReplicasForFile returns copies of all replicas of a file, ordered by
// node ID for deterministic iteration.
func (m *MemoryStore) ReplicasForFile(fileID string) []*ReplicaRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ReplicaRecord
	for k, r := range m.replicas {
		if k.fileID == fileID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ReplicasForNode returns copies of all replicas hosted on a node, any
// status, ordered by file ID.
func (m *MemoryStore) ReplicasForNode(nodeID string) []*ReplicaRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ReplicaRecord
	for k, r := range m.replicas {
		if k.nodeID == nodeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// UpdateReplica applies mutate to the stored record under the write lock.
func (m *MemoryStore) UpdateReplica(fileID, nodeID string, mutate func(*ReplicaRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[replicaKey{fileID, nodeID}]
	if !ok {
		return ErrReplicaNotFound
	}
	mutate(r)
	return nil
}

// DeleteReplica removes one replica record. No error if it doesn't exist.
func (m *MemoryStore) DeleteReplica(fileID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicas, replicaKey{fileID, nodeID})
	return nil
}

// DeleteReplicasForFile removes every replica record of a file.
func (m *MemoryStore) DeleteReplicasForFile(fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.replicas {
		if k.fileID == fileID {
			delete(m.replicas, k)
		}
	}
	return nil
}

// Stats summarizes the cluster for the coordinator's stats endpoint.
// Only committed files count toward totals.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{TotalNodes: len(m.nodes)}
	for _, n := range m.nodes {
		if n.Status == NodeActive {
			s.ActiveNodes++
		}
	}
	for _, f := range m.files {
		if f.UploadState == UploadCommitted {
			s.TotalFiles++
			s.TotalBytes += f.SizeBytes
		}
	}
	return s
}
