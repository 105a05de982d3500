package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/storage"
)

// server holds the node daemon's handler state.
type server struct {
	nodeID     string
	coord      string
	store      storage.Store
	maxStorage *int64
	log        zerolog.Logger
}

// handlePutFile stores the request body under the file ID, then confirms the
// upload to the coordinator with the checksum computed while writing. The
// confirmation is best-effort: coordinator-pushed re-replication copies are
// recorded by the coordinator itself, so their confirms are expected to be
// rejected.
func (s *server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = r.Header.Get("X-Kahu-Filename")
	}

	info, err := s.store.Put(fileID, filename, r.Body)
	if err != nil {
		if errors.Is(err, storage.ErrStorageFull) {
			s.writeError(w, http.StatusInsufficientStorage, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info().
		Str("file", fileID).
		Int64("size", info.Size).
		Msg("file stored")

	confirmCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err = cluster.PostJSON(confirmCtx, s.coord+"/api/upload/confirm", cluster.ConfirmRequest{
		FileID:   fileID,
		NodeID:   s.nodeID,
		Checksum: info.Checksum,
	}, nil)
	if err != nil {
		s.log.Debug().Str("file", fileID).Err(err).Msg("upload confirm rejected")
	}

	s.writeJSON(w, http.StatusCreated, cluster.StoreResult{
		FileID:   info.FileID,
		Checksum: info.Checksum,
		Size:     info.Size,
	})
}

func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]

	rc, info, err := s.store.Open(fileID)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size))
	if info.Filename != "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", info.Filename))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Str("file", fileID).Err(err).Msg("download aborted")
	}
}

func (s *server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]

	if err := s.store.Delete(fileID); err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info().Str("file", fileID).Msg("file deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleInventory lists every held file with its checksum, consumed by the
// coordinator's reconciler.
func (s *server) handleInventory(w http.ResponseWriter, r *http.Request) {
	inv := s.store.Inventory()
	files := make([]cluster.InventoryEntry, 0, len(inv))
	for _, info := range inv {
		files = append(files, cluster.InventoryEntry{
			FileID:   info.FileID,
			Checksum: info.Checksum,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats()
	s.writeJSON(w, http.StatusOK, cluster.NodeHealthReport{
		AvailableSpace: st.AvailableSpace,
		UsedSpace:      st.UsedSpace,
		MaxStorage:     st.MaxStorage,
		FileCount:      st.FileCount,
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, cluster.ErrorResponse{Error: err.Error()})
}
