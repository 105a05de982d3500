package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/metadata"
)

// Router answers the read-side and delete-side questions from current
// replica state: where can this file be fetched, and which nodes must be
// told to drop it. File mutations share the file-keyed mutex with the
// uploader, so a delete never interleaves with the same file's upload
// protocol.
type Router struct {
	store           metadata.Store
	nodes           cluster.NodeAPI
	locks           *KeyedMutex // per-file, shared with Uploader
	nodeCallTimeout time.Duration
	log             zerolog.Logger
}

// NewRouter creates a router. locks must be the same keyed mutex handed to
// the uploader.
func NewRouter(store metadata.Store, nodes cluster.NodeAPI, locks *KeyedMutex, nodeCallTimeout time.Duration, log zerolog.Logger) *Router {
	return &Router{
		store:           store,
		nodes:           nodes,
		locks:           locks,
		nodeCallTimeout: nodeCallTimeout,
		log:             log.With().Str("component", "router").Logger(),
	}
}

// ResolveDownload returns download URLs for every active replica of the
// file, most recently confirmed first (ties broken by node ID). Fails with
// FileNotFoundError when no active replica exists, even if pending or
// failed replicas do.
func (r *Router) ResolveDownload(fileID string) (*cluster.DownloadResolution, error) {
	file, err := r.store.GetFile(fileID)
	if err != nil {
		return nil, &FileNotFoundError{FileID: fileID}
	}

	var active []*metadata.ReplicaRecord
	for _, rep := range r.store.ReplicasForFile(fileID) {
		if rep.Status == metadata.ReplicaActive {
			active = append(active, rep)
		}
	}
	if len(active) == 0 {
		return nil, &FileNotFoundError{FileID: fileID}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].ConfirmedAt.Equal(active[j].ConfirmedAt) {
			return active[i].ConfirmedAt.After(active[j].ConfirmedAt)
		}
		return active[i].NodeID < active[j].NodeID
	})

	out := &cluster.DownloadResolution{
		FileID:   file.ID,
		Filename: file.Filename,
		FileSize: file.SizeBytes,
		Checksum: file.Checksum,
	}
	for _, rep := range active {
		node, err := r.store.GetNode(rep.NodeID)
		if err != nil {
			continue
		}
		out.DownloadURLs = append(out.DownloadURLs,
			fmt.Sprintf("%s/files/%s", node.Address, file.ID))
	}
	if len(out.DownloadURLs) == 0 {
		return nil, &FileNotFoundError{FileID: fileID}
	}
	return out, nil
}

// Delete removes a file: delete calls fan out to every node with a
// non-failed replica, then the metadata is dropped. Unreachable nodes do
// not block the logical delete; their bytes become orphans the reconciler
// reclaims when they return.
func (r *Router) Delete(ctx context.Context, fileID string) error {
	r.locks.Lock(fileID)
	defer r.locks.Unlock(fileID)

	if _, err := r.store.GetFile(fileID); err != nil {
		return &FileNotFoundError{FileID: fileID}
	}

	for _, rep := range r.store.ReplicasForFile(fileID) {
		if rep.Status == metadata.ReplicaFailed {
			continue
		}
		node, err := r.store.GetNode(rep.NodeID)
		if err != nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.nodeCallTimeout)
		err = r.nodes.DeleteFile(callCtx, node.Address, fileID)
		cancel()
		if err != nil && err != cluster.ErrNotFound {
			r.log.Warn().
				Str("file", fileID).
				Str("node", rep.NodeID).
				Err(err).
				Msg("delete call failed, bytes left for orphan sweep")
		}
	}

	_ = r.store.DeleteReplicasForFile(fileID)
	_ = r.store.DeleteFile(fileID)
	r.log.Info().Str("file", fileID).Msg("file deleted")
	return nil
}
