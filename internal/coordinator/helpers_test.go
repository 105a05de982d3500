// Package coordinator tests share the fake node transport and store
// fixtures defined here.
package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/metadata"
)

// fakeNodes implements cluster.NodeAPI in memory: per-address file content,
// switchable reachability, and call logs for asserting fan-out behavior.
type fakeNodes struct {
	mu      sync.Mutex
	files   map[string]map[string][]byte // addr -> fileID -> bytes
	down    map[string]bool
	deletes []string // "addr fileID"
	puts    []string
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		files: make(map[string]map[string][]byte),
		down:  make(map[string]bool),
	}
}

func sum256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// seed places file bytes on a node without going through PutFile.
func (f *fakeNodes) seed(addr, fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[addr] == nil {
		f.files[addr] = make(map[string][]byte)
	}
	f.files[addr][fileID] = data
}

func (f *fakeNodes) setDown(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
}

func (f *fakeNodes) holds(addr, fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[addr][fileID]
	return ok
}

func (f *fakeNodes) PutFile(ctx context.Context, addr, fileID string, body io.Reader) (*cluster.StoreResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return nil, fmt.Errorf("node %s unreachable", addr)
	}
	if f.files[addr] == nil {
		f.files[addr] = make(map[string][]byte)
	}
	f.files[addr][fileID] = data
	f.puts = append(f.puts, addr+" "+fileID)
	return &cluster.StoreResult{FileID: fileID, Checksum: sum256(data), Size: int64(len(data))}, nil
}

func (f *fakeNodes) GetFile(ctx context.Context, addr, fileID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return nil, fmt.Errorf("node %s unreachable", addr)
	}
	data, ok := f.files[addr][fileID]
	if !ok {
		return nil, cluster.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeNodes) DeleteFile(ctx context.Context, addr, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return fmt.Errorf("node %s unreachable", addr)
	}
	f.deletes = append(f.deletes, addr+" "+fileID)
	if _, ok := f.files[addr][fileID]; !ok {
		return cluster.ErrNotFound
	}
	delete(f.files[addr], fileID)
	return nil
}

func (f *fakeNodes) Inventory(ctx context.Context, addr string) ([]cluster.InventoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return nil, fmt.Errorf("node %s unreachable", addr)
	}
	var out []cluster.InventoryEntry
	for id, data := range f.files[addr] {
		out = append(out, cluster.InventoryEntry{FileID: id, Checksum: sum256(data)})
	}
	return out, nil
}

func (f *fakeNodes) Health(ctx context.Context, addr string) (*cluster.NodeHealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return nil, fmt.Errorf("node %s unreachable", addr)
	}
	var used int64
	for _, data := range f.files[addr] {
		used += int64(len(data))
	}
	return &cluster.NodeHealthReport{UsedSpace: used, FileCount: len(f.files[addr])}, nil
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

// addActiveNode seeds one active node record. max <= 0 means unlimited.
func addActiveNode(t *testing.T, store metadata.Store, id string, available, max int64) {
	t.Helper()
	rec := &metadata.NodeRecord{
		ID:              id,
		Address:         "http://" + id,
		Status:          metadata.NodeActive,
		AvailableSpace:  available,
		LastHeartbeatAt: time.Now(),
		RegisteredAt:    time.Now(),
	}
	if max > 0 {
		rec.MaxStorage = &max
	}
	if err := store.PutNode(rec); err != nil {
		t.Fatalf("seed node %s: %v", id, err)
	}
}
