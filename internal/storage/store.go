// Package storage implements the node-side blob store: plain byte storage
// under a local directory, keyed by file ID, with SHA-256 checksums
// computed at write time.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrFileNotFound is returned when a file ID isn't held by the store.
var ErrFileNotFound = errors.New("file not found")

// ErrStorageFull is returned when a write would exceed the capacity ceiling.
var ErrStorageFull = errors.New("storage full")

// FileInfo describes one stored file.
type FileInfo struct {
	FileID   string
	Filename string // original name, from the sidecar
	Size     int64
	Checksum string // hex-encoded SHA-256
}

// Stats is the store's self-report, heartbeated to the coordinator.
type Stats struct {
	UsedSpace      int64
	AvailableSpace int64
	MaxStorage     *int64 // nil = unlimited (real disk free reported)
	FileCount      int
}

// Store is the byte storage a node daemon serves. Implementations must be
// safe for concurrent use.
type Store interface {
	// Put writes the file bytes, returning the observed size and checksum.
	// filename is kept in a sidecar for download dispositions.
	Put(fileID, filename string, r io.Reader) (*FileInfo, error)

	// Open returns a reader over the file bytes plus its info.
	Open(fileID string) (io.ReadCloser, *FileInfo, error)

	// Delete removes the file and its sidecar. ErrFileNotFound if absent.
	Delete(fileID string) error

	// Inventory lists every held file with its checksum.
	Inventory() []FileInfo

	// Stats reports space usage for heartbeats and health checks.
	Stats() Stats
}

const metaSuffix = ".meta"

// DiskStore implements Store on a local directory. Each file is stored as
// <dir>/<file_id> with an optional <file_id>.meta sidecar holding the
// original filename. An in-memory index, rebuilt by scanning the directory
// at startup, keeps checksums so inventory calls don't rehash the disk.
type DiskStore struct {
	dir        string
	maxStorage *int64

	mu    sync.RWMutex
	index map[string]*FileInfo
}

// NewDiskStore opens (creating if needed) the storage directory and rebuilds
// the index from whatever files survived a restart. Checksums are recomputed
// during the scan so the inventory reflects actual bytes, not stale state.
func NewDiskStore(dir string, maxStorage *int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &DiskStore{
		dir:        dir,
		maxStorage: maxStorage,
		index:      make(map[string]*FileInfo),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) path(fileID string) string {
	return filepath.Join(s.dir, fileID)
}

// Put streams r to disk via a temp file, hashing along the way, then
// renames into place. A capacity ceiling is enforced before the rename so
// an over-quota write never becomes visible.
func (s *DiskStore) Put(fileID, filename string, r io.Reader) (*FileInfo, error) {
	if fileID == "" || strings.ContainsAny(fileID, "/\\") {
		return nil, fmt.Errorf("invalid file id %q", fileID)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxStorage != nil {
		used := s.usedLocked()
		if prev, ok := s.index[fileID]; ok {
			used -= prev.Size
		}
		if used+size > *s.maxStorage {
			return nil, ErrStorageFull
		}
	}

	if err := os.Rename(tmpName, s.path(fileID)); err != nil {
		return nil, err
	}
	if filename != "" {
		if err := os.WriteFile(s.path(fileID)+metaSuffix, []byte(filename), 0o644); err != nil {
			return nil, err
		}
	}

	info := &FileInfo{
		FileID:   fileID,
		Filename: filename,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}
	s.index[fileID] = info
	cp := *info
	return &cp, nil
}

// Open returns the file bytes and info, or ErrFileNotFound.
func (s *DiskStore) Open(fileID string) (io.ReadCloser, *FileInfo, error) {
	s.mu.RLock()
	info, ok := s.index[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrFileNotFound
	}
	f, err := os.Open(s.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, err
	}
	cp := *info
	return f, &cp, nil
}

// Delete removes the file and its sidecar.
func (s *DiskStore) Delete(fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[fileID]; !ok {
		return ErrFileNotFound
	}
	if err := os.Remove(s.path(fileID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(s.path(fileID) + metaSuffix)
	delete(s.index, fileID)
	return nil
}

// Inventory returns every held file, ordered by file ID.
func (s *DiskStore) Inventory() []FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileInfo, 0, len(s.index))
	for _, info := range s.index {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Stats reports current usage. Without a capacity ceiling, available space
// is the real free space of the filesystem holding the storage directory.
func (s *DiskStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	used := s.usedLocked()
	st := Stats{
		UsedSpace:  used,
		MaxStorage: s.maxStorage,
		FileCount:  len(s.index),
	}
	if s.maxStorage != nil {
		st.AvailableSpace = max(*s.maxStorage-used, 0)
	} else {
		st.AvailableSpace = diskFree(s.dir)
	}
	return st
}

func (s *DiskStore) usedLocked() int64 {
	var used int64
	for _, info := range s.index {
		used += info.Size
	}
	return used
}

// rebuildIndex scans the directory and rehashes every file.
func (s *DiskStore) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := s.hashFile(name)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		s.index[name] = info
	}
	return nil
}

func (s *DiskStore) hashFile(fileID string) (*FileInfo, error) {
	f, err := os.Open(s.path(fileID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return nil, err
	}

	filename := ""
	if b, err := os.ReadFile(s.path(fileID) + metaSuffix); err == nil {
		filename = strings.TrimSpace(string(b))
	}

	return &FileInfo{
		FileID:   fileID,
		Filename: filename,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// diskFree reports free bytes on the filesystem holding dir; zero when the
// statfs call fails.
func diskFree(dir string) int64 {
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return 0
	}
	return int64(fs.Bavail) * fs.Bsize
}
