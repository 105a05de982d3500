package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/metadata"
)

// UploaderConfig tunes the upload protocol.
type UploaderConfig struct {
	// Window bounds how long an upload may wait for confirmations before
	// it is unilaterally rolled back.
	Window time.Duration

	// MaxConfirmAttempts is the per-replica budget of failed
	// confirmations (bad checksums) before the replica is written off.
	MaxConfirmAttempts int

	// MaxFileSize rejects oversized uploads before capacity planning.
	MaxFileSize int64

	// NodeCallTimeout bounds each best-effort cleanup call to a node.
	NodeCallTimeout time.Duration
}

// DefaultUploaderConfig allows files up to 100 MiB with a two-minute
// confirmation window.
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{
		Window:             2 * time.Minute,
		MaxConfirmAttempts: 3,
		MaxFileSize:        100 << 20,
		NodeCallTimeout:    5 * time.Second,
	}
}

// Uploader drives the reserve → fan-out-upload → confirm/cancel protocol.
//
// Per-file state machine: Requested → Uploading → {Committed | RolledBack}.
// The capacity check happens before any bytes move, so a full cluster
// rejects uploads cheaply with zero records created. A file commits only
// when its active replica count reaches the replication factor; anything
// less when the window closes rolls the whole upload back. All-or-nothing
// at replication-factor granularity: "mostly uploaded" is not kept.
//
// All mutations for one file are serialized through the file-keyed mutex
// shared with the routers, so a confirm never interleaves with a concurrent
// cancel of the same file.
type Uploader struct {
	store   metadata.Store
	planner *Planner
	nodes   cluster.NodeAPI
	locks   *KeyedMutex // per-file, shared with Router
	cfg     UploaderConfig
	log     zerolog.Logger

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

// NewUploader creates an upload coordinator. locks must be the same keyed
// mutex handed to the Router.
func NewUploader(store metadata.Store, planner *Planner, nodes cluster.NodeAPI, locks *KeyedMutex, cfg UploaderConfig, log zerolog.Logger) *Uploader {
	return &Uploader{
		store:   store,
		planner: planner,
		nodes:   nodes,
		locks:   locks,
		cfg:     cfg,
		log:     log.With().Str("component", "uploader").Logger(),
		timers:  make(map[string]*time.Timer),
	}
}

// RequestUpload reserves capacity for a file: it asks the planner for
// replication-factor nodes, creates the file record and one pending replica
// per node, arms the upload window, and returns the per-node upload targets.
//
// checksum may be empty; the first confirmation then becomes the
// authoritative checksum source. Planner rejections propagate with nothing
// created.
func (u *Uploader) RequestUpload(filename string, size int64, replicationFactor int, checksum string) (*cluster.UploadGrant, error) {
	if filename == "" || size <= 0 {
		return nil, fmt.Errorf("filename and a positive file size are required")
	}
	if replicationFactor < 1 {
		return nil, fmt.Errorf("replication factor must be at least 1")
	}
	if u.cfg.MaxFileSize > 0 && size > u.cfg.MaxFileSize {
		uploadsRejected.Inc()
		return nil, &FileTooLargeError{Filename: filename, Size: size, Max: u.cfg.MaxFileSize}
	}

	selected, err := u.planner.SelectNodes(size, replicationFactor)
	if err != nil {
		uploadsRejected.Inc()
		return nil, err
	}

	fileID := uuid.NewString()
	u.locks.Lock(fileID)
	defer u.locks.Unlock(fileID)

	now := time.Now()
	if err := u.store.PutFile(&metadata.FileRecord{
		ID:                fileID,
		Filename:          filename,
		SizeBytes:         size,
		Checksum:          checksum,
		ReplicationFactor: replicationFactor,
		UploadState:       metadata.UploadUploading,
		CreatedAt:         now,
	}); err != nil {
		return nil, err
	}

	grant := &cluster.UploadGrant{FileID: fileID}
	for _, n := range selected {
		if err := u.store.PutReplica(&metadata.ReplicaRecord{
			FileID: fileID,
			NodeID: n.ID,
			Status: metadata.ReplicaPending,
		}); err != nil {
			return nil, err
		}
		grant.UploadNodes = append(grant.UploadNodes, cluster.UploadTarget{
			NodeID:    n.ID,
			UploadURL: fmt.Sprintf("%s/files/%s", n.Address, fileID),
		})
	}

	u.armWindow(fileID)
	u.log.Info().
		Str("file", fileID).
		Str("filename", filename).
		Int64("size", size).
		Int("replication", replicationFactor).
		Msg("upload reserved")
	return grant, nil
}

// ConfirmUpload transitions one replica Pending → Active, provided the
// reported checksum matches the file's authoritative checksum. An empty
// file checksum adopts the first confirmation's value; later confirmations
// must agree with it.
//
// A mismatch burns one confirmation attempt: the replica stays pending so
// the client can re-push, until the attempt budget is spent and the replica
// fails. A failed replica makes the replication factor unreachable, which
// rolls the whole upload back.
func (u *Uploader) ConfirmUpload(fileID, nodeID, checksum string) error {
	u.locks.Lock(fileID)
	defer u.locks.Unlock(fileID)

	file, err := u.store.GetFile(fileID)
	if err != nil {
		return &FileNotFoundError{FileID: fileID}
	}
	if file.UploadState != metadata.UploadUploading {
		return ErrUploadClosed
	}
	replica, err := u.store.GetReplica(fileID, nodeID)
	if err != nil {
		return err
	}
	if replica.Status == metadata.ReplicaActive {
		// Duplicate confirmation; nothing to do.
		return nil
	}

	if file.Checksum == "" {
		// First confirmation fixes the authoritative checksum.
		if err := u.store.UpdateFile(fileID, func(f *metadata.FileRecord) {
			f.Checksum = checksum
		}); err != nil {
			return err
		}
		file.Checksum = checksum
	}

	if checksum != file.Checksum {
		return u.confirmFailed(file, replica, checksum)
	}

	now := time.Now()
	if err := u.store.UpdateReplica(fileID, nodeID, func(r *metadata.ReplicaRecord) {
		r.Status = metadata.ReplicaActive
		r.ConfirmedAt = now
	}); err != nil {
		return err
	}

	// Optimistic capacity bookkeeping; the node's next heartbeat corrects it.
	_ = u.store.UpdateNode(nodeID, func(n *metadata.NodeRecord) {
		n.AvailableSpace -= file.SizeBytes
		n.UsedSpace += file.SizeBytes
		n.FileCount++
	})

	active := 0
	for _, r := range u.store.ReplicasForFile(fileID) {
		if r.Status == metadata.ReplicaActive {
			active++
		}
	}
	u.log.Debug().
		Str("file", fileID).
		Str("node", nodeID).
		Int("active", active).
		Int("target", file.ReplicationFactor).
		Msg("replica confirmed")

	if active >= file.ReplicationFactor {
		u.commit(file)
	}
	return nil
}

// CancelUpload rolls back an in-flight upload. Cancelling an upload that
// already committed or rolled back returns ErrUploadClosed.
func (u *Uploader) CancelUpload(fileID, reason string) error {
	u.locks.Lock(fileID)
	defer u.locks.Unlock(fileID)

	file, err := u.store.GetFile(fileID)
	if err != nil {
		return &FileNotFoundError{FileID: fileID}
	}
	if file.UploadState != metadata.UploadUploading {
		return ErrUploadClosed
	}
	if reason == "" {
		reason = "cancelled by client"
	}
	u.rollback(file, reason)
	return nil
}

// SweepRolledBack purges rolled-back file records older than maxAge. The
// byte cleanup already happened at rollback time (or falls to the
// reconciler's orphan sweep); this only reclaims metadata. Returns how many
// records were purged.
func (u *Uploader) SweepRolledBack(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	purged := 0
	files, _ := u.store.ListFiles(0, 0)
	for _, f := range files {
		if f.UploadState != metadata.UploadRolledBack || f.CreatedAt.After(cutoff) {
			continue
		}
		u.locks.Lock(f.ID)
		if cur, err := u.store.GetFile(f.ID); err == nil && cur.UploadState == metadata.UploadRolledBack {
			_ = u.store.DeleteFile(f.ID)
			purged++
		}
		u.locks.Unlock(f.ID)
	}
	if purged > 0 {
		u.log.Info().Int("purged", purged).Msg("rolled-back file records swept")
	}
	return purged
}

// Close stops all pending upload-window timers.
func (u *Uploader) Close() {
	u.tmu.Lock()
	defer u.tmu.Unlock()
	for id, timer := range u.timers {
		timer.Stop()
		delete(u.timers, id)
	}
}

// confirmFailed handles a checksum mismatch. Called with the file lock held.
func (u *Uploader) confirmFailed(file *metadata.FileRecord, replica *metadata.ReplicaRecord, got string) error {
	mismatch := &ChecksumMismatchError{
		FileID: file.ID,
		NodeID: replica.NodeID,
		Want:   file.Checksum,
		Got:    got,
	}

	attempts := replica.Attempts + 1
	exhausted := attempts >= u.cfg.MaxConfirmAttempts
	if err := u.store.UpdateReplica(file.ID, replica.NodeID, func(r *metadata.ReplicaRecord) {
		r.Attempts = attempts
		if exhausted {
			r.Status = metadata.ReplicaFailed
		}
	}); err != nil {
		return err
	}

	if !exhausted {
		u.log.Warn().
			Str("file", file.ID).
			Str("node", replica.NodeID).
			Int("attempt", attempts).
			Msg("checksum mismatch, replica left pending for retry")
		return mismatch
	}

	replicasFailed.Inc()
	// With this replica failed the replication factor can never be reached:
	// every selected node is needed, so the whole upload rolls back.
	u.rollback(file, fmt.Sprintf("replica on %s failed after %d attempts", replica.NodeID, attempts))
	return mismatch
}

// commit finishes a successful upload. Called with the file lock held.
func (u *Uploader) commit(file *metadata.FileRecord) {
	u.disarmWindow(file.ID)
	_ = u.store.UpdateFile(file.ID, func(f *metadata.FileRecord) {
		f.UploadState = metadata.UploadCommitted
	})
	uploadsCommitted.Inc()
	u.log.Info().
		Str("file", file.ID).
		Str("filename", file.Filename).
		Int("replicas", file.ReplicationFactor).
		Msg("upload committed")
}

// rollback abandons an upload: best-effort deletes on every node that may
// hold bytes, replica records dropped, file marked rolled back. Called with
// the file lock held.
func (u *Uploader) rollback(file *metadata.FileRecord, reason string) {
	u.disarmWindow(file.ID)

	for _, r := range u.store.ReplicasForFile(file.ID) {
		if r.Status == metadata.ReplicaFailed {
			continue
		}
		node, err := u.store.GetNode(r.NodeID)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), u.cfg.NodeCallTimeout)
		if err := u.nodes.DeleteFile(ctx, node.Address, file.ID); err != nil && err != cluster.ErrNotFound {
			u.log.Warn().
				Str("file", file.ID).
				Str("node", r.NodeID).
				Err(err).
				Msg("rollback delete failed, bytes left for orphan sweep")
		}
		cancel()
	}

	_ = u.store.DeleteReplicasForFile(file.ID)
	_ = u.store.UpdateFile(file.ID, func(f *metadata.FileRecord) {
		f.UploadState = metadata.UploadRolledBack
	})
	uploadsRolledBack.Inc()
	u.log.Warn().Str("file", file.ID).Str("reason", reason).Msg("upload rolled back")
}

// armWindow schedules the unilateral timeout rollback for a file.
func (u *Uploader) armWindow(fileID string) {
	if u.cfg.Window <= 0 {
		return
	}
	u.tmu.Lock()
	defer u.tmu.Unlock()
	u.timers[fileID] = time.AfterFunc(u.cfg.Window, func() { u.expire(fileID) })
}

func (u *Uploader) disarmWindow(fileID string) {
	u.tmu.Lock()
	defer u.tmu.Unlock()
	if timer, ok := u.timers[fileID]; ok {
		timer.Stop()
		delete(u.timers, fileID)
	}
}

// expire fires when the upload window closes without full confirmation.
func (u *Uploader) expire(fileID string) {
	u.locks.Lock(fileID)
	defer u.locks.Unlock(fileID)

	file, err := u.store.GetFile(fileID)
	if err != nil || file.UploadState != metadata.UploadUploading {
		return
	}
	u.rollback(file, "upload window expired")
}
