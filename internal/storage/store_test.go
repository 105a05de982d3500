package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, max int64) *DiskStore {
	t.Helper()
	var ceiling *int64
	if max > 0 {
		ceiling = &max
	}
	s, err := NewDiskStore(t.TempDir(), ceiling)
	require.NoError(t, err)
	return s
}

func wantSum(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// TestDiskStorePutOpen verifies the write path computes size and checksum,
// and the read path returns the exact bytes plus the sidecar filename.
func TestDiskStorePutOpen(t *testing.T) {
	s := newTestStore(t, 0)

	info, err := s.Put("f1", "report.pdf", strings.NewReader("hello bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, wantSum("hello bytes"), info.Checksum)

	rc, got, err := s.Open("f1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello bytes", string(data))
	assert.Equal(t, "report.pdf", got.Filename)
}

// TestDiskStorePutRejectsBadID verifies path-traversal shaped IDs never
// reach the filesystem.
func TestDiskStorePutRejectsBadID(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Put("../escape", "x", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.Put("", "x", strings.NewReader("x"))
	assert.Error(t, err)
}

// TestDiskStoreCapacityCeiling verifies writes past the configured ceiling
// fail with ErrStorageFull and leave nothing behind.
func TestDiskStoreCapacityCeiling(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.Put("fits", "", strings.NewReader("12345"))
	require.NoError(t, err)

	_, err = s.Put("overflow", "", strings.NewReader("123456789"))
	assert.ErrorIs(t, err, ErrStorageFull)
	_, _, err = s.Open("overflow")
	assert.ErrorIs(t, err, ErrFileNotFound)

	// Overwriting an existing file counts only the delta.
	_, err = s.Put("fits", "", strings.NewReader("1234567890"))
	assert.NoError(t, err)
}

// TestDiskStoreDelete verifies delete removes bytes and index entry.
func TestDiskStoreDelete(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Put("f1", "a.txt", strings.NewReader("data"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("f1"))
	_, _, err = s.Open("f1")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, s.Delete("f1"), ErrFileNotFound)
}

// TestDiskStoreInventoryAndStats verifies the self-report: file count, used
// space, and available space under a ceiling.
func TestDiskStoreInventoryAndStats(t *testing.T) {
	s := newTestStore(t, 100)
	_, err := s.Put("b", "", strings.NewReader("22"))
	require.NoError(t, err)
	_, err = s.Put("a", "", strings.NewReader("4444"))
	require.NoError(t, err)

	inv := s.Inventory()
	require.Len(t, inv, 2)
	assert.Equal(t, "a", inv[0].FileID, "inventory is ordered by file ID")
	assert.Equal(t, "b", inv[1].FileID)
	assert.Equal(t, wantSum("4444"), inv[0].Checksum)

	st := s.Stats()
	assert.Equal(t, int64(6), st.UsedSpace)
	assert.Equal(t, int64(94), st.AvailableSpace)
	assert.Equal(t, 2, st.FileCount)
}

// TestDiskStoreRebuildAfterRestart verifies a second store over the same
// directory rediscovers files, checksums, and sidecar filenames.
func TestDiskStoreRebuildAfterRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewDiskStore(dir, nil)
	require.NoError(t, err)
	_, err = s1.Put("f1", "kept.txt", strings.NewReader("survives restart"))
	require.NoError(t, err)

	s2, err := NewDiskStore(dir, nil)
	require.NoError(t, err)

	rc, info, err := s2.Open("f1")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, wantSum("survives restart"), info.Checksum)
	assert.Equal(t, "kept.txt", info.Filename)
	assert.Equal(t, int64(16), info.Size)
}
