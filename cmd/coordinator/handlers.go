package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/coordinator"
	"github.com/dreamware/kahu/internal/metadata"
)

// server wires the coordinator components behind the HTTP API.
type server struct {
	store      metadata.Store
	tracker    *coordinator.Tracker
	uploader   *coordinator.Uploader
	reconciler *coordinator.Reconciler
	router     *coordinator.Router
	log        zerolog.Logger
}

// newServer builds the full component graph over one metadata store. Two
// keyed mutexes partition the locking: file-keyed for the uploader and
// router, node-keyed for the tracker and reconciler. A node returning from
// an outage triggers reconciliation through the tracker callback.
func newServer(store metadata.Store, nodes cluster.NodeAPI, cfg serverConfig, log zerolog.Logger) *server {
	fileLocks := coordinator.NewKeyedMutex()
	nodeLocks := coordinator.NewKeyedMutex()

	planner := coordinator.NewPlanner(store, cfg.safetyBuffer)
	tracker := coordinator.NewTracker(store, nodeLocks, cfg.tracker, log)
	uploader := coordinator.NewUploader(store, planner, nodes, fileLocks, cfg.uploader, log)
	reconciler := coordinator.NewReconciler(store, planner, nodes, nodeLocks, cfg.reconciler, log)
	router := coordinator.NewRouter(store, nodes, fileLocks, cfg.uploader.NodeCallTimeout, log)

	s := &server{
		store:      store,
		tracker:    tracker,
		uploader:   uploader,
		reconciler: reconciler,
		router:     router,
		log:        log,
	}
	tracker.SetOnReactivated(func(nodeID string) {
		// Per-call timeouts inside the pass bound each node-facing request;
		// the pass as a whole runs to completion.
		if err := reconciler.Reconcile(context.Background(), nodeID); err != nil {
			log.Warn().Str("node", nodeID).Err(err).Msg("reconciliation pass failed")
		}
	})
	return s
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/nodes/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes", s.handleListNodes).Methods(http.MethodGet)

	r.HandleFunc("/api/upload/request", s.handleUploadRequest).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/confirm", s.handleUploadConfirm).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/cancel", s.handleUploadCancel).Methods(http.MethodPost)

	r.HandleFunc("/api/download/{file_id}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/api/files/{file_id}", s.handleFileDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/files/{file_id}", s.handleFileDelete).Methods(http.MethodDelete)

	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadRequest("invalid JSON body"))
		return
	}
	if req.NodeID == "" || req.Address == "" {
		s.writeError(w, errBadRequest("node_id and node_address are required"))
		return
	}
	if req.MaxStorage != nil && *req.MaxStorage <= 0 {
		s.writeError(w, errBadRequest("max_storage must be positive when set"))
		return
	}
	if err := s.tracker.Register(req.NodeID, req.Address, req.MaxStorage); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "node_id": req.NodeID})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadRequest("invalid JSON body"))
		return
	}
	if req.NodeID == "" {
		s.writeError(w, errBadRequest("node_id is required"))
		return
	}
	if req.AvailableSpace < 0 || req.UsedSpace < 0 || req.FileCount < 0 {
		s.writeError(w, errBadRequest("heartbeat values must be non-negative"))
		return
	}
	if err := s.tracker.Heartbeat(req.NodeID, req.AvailableSpace, req.UsedSpace, req.FileCount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.store.ListNodes()
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "total": len(nodes)})
}

func (s *server) handleUploadRequest(w http.ResponseWriter, r *http.Request) {
	var req cluster.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadRequest("invalid JSON body"))
		return
	}
	if req.ReplicationFactor == 0 {
		req.ReplicationFactor = 2
	}
	grant, err := s.uploader.RequestUpload(req.Filename, req.FileSize, req.ReplicationFactor, req.Checksum)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grant)
}

func (s *server) handleUploadConfirm(w http.ResponseWriter, r *http.Request) {
	var req cluster.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadRequest("invalid JSON body"))
		return
	}
	if req.FileID == "" || req.NodeID == "" || req.Checksum == "" {
		s.writeError(w, errBadRequest("file_id, node_id and checksum are required"))
		return
	}
	if err := s.uploader.ConfirmUpload(req.FileID, req.NodeID, req.Checksum); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	var req cluster.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadRequest("invalid JSON body"))
		return
	}
	if req.FileID == "" {
		s.writeError(w, errBadRequest("file_id is required"))
		return
	}
	if err := s.uploader.CancelUpload(req.FileID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	res, err := s.router.ResolveDownload(mux.Vars(r)["file_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// fileView is a file record enriched with live replica counts for listings.
type fileView struct {
	*metadata.FileRecord
	ActiveReplicas int `json:"active_replicas"`
	TotalReplicas  int `json:"total_replicas"`
}

func (s *server) fileView(f *metadata.FileRecord) fileView {
	v := fileView{FileRecord: f}
	for _, rep := range s.store.ReplicasForFile(f.ID) {
		v.TotalReplicas++
		if rep.Status == metadata.ReplicaActive {
			v.ActiveReplicas++
		}
	}
	return v
}

func (s *server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	page, total := s.store.ListFiles(limit, offset)
	files := make([]fileView, 0, len(page))
	for _, f := range page {
		files = append(files, s.fileView(f))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files, "total": total})
}

func (s *server) handleFileDetail(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	f, err := s.store.GetFile(fileID)
	if err != nil {
		s.writeError(w, &coordinator.FileNotFoundError{FileID: fileID})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"file":     s.fileView(f),
		"replicas": s.store.ReplicasForFile(fileID),
	})
}

func (s *server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Delete(r.Context(), mux.Vars(r)["file_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"active_nodes": st.ActiveNodes,
		"total_nodes":  st.TotalNodes,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

// badRequestError marks client input errors for the 400 mapping.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequestError{msg: msg} }

// writeError maps component errors onto HTTP statuses. Capacity rejections
// carry the per-node detail in the response body.
func (s *server) writeError(w http.ResponseWriter, err error) {
	resp := cluster.ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		badReq   *badRequestError
		capErr   *coordinator.InsufficientCapacityError
		tooLarge *coordinator.FileTooLargeError
		dup      *coordinator.DuplicateNodeError
		notFound *coordinator.FileNotFoundError
		mismatch *coordinator.ChecksumMismatchError
	)
	switch {
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	case errors.As(err, &capErr):
		status = http.StatusInsufficientStorage
		resp.Nodes = capErr.Nodes
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.As(err, &dup):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &mismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrUploadClosed), errors.Is(err, coordinator.ErrNodeDead):
		status = http.StatusConflict
	case errors.Is(err, metadata.ErrNodeNotFound),
		errors.Is(err, metadata.ErrFileNotFound),
		errors.Is(err, metadata.ErrReplicaNotFound):
		status = http.StatusNotFound
	default:
		s.log.Error().Err(err).Msg("internal error")
	}
	s.writeJSON(w, status, resp)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
