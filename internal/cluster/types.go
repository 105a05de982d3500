// Package cluster defines the wire types shared between the Kahu coordinator
// and its storage nodes, plus small JSON-over-HTTP helpers used on both sides.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound is returned by the JSON helpers and the node client when the
// remote side answers 404.
var ErrNotFound = errors.New("not found")

// NodeInfo identifies a storage node to the coordinator.
type NodeInfo struct {
	ID   string `json:"node_id"`
	Addr string `json:"node_address"`
}

// RegisterRequest is sent by a node when it joins (or rejoins) the cluster.
// MaxStorage is nil for nodes without a configured capacity ceiling.
type RegisterRequest struct {
	NodeID     string `json:"node_id"`
	Address    string `json:"node_address"`
	MaxStorage *int64 `json:"max_storage,omitempty"`
}

// HeartbeatRequest carries a node's periodic self-report. All values are
// node-observed facts; the coordinator validates them before persisting.
type HeartbeatRequest struct {
	NodeID         string `json:"node_id"`
	AvailableSpace int64  `json:"available_space"`
	UsedSpace      int64  `json:"used_space"`
	FileCount      int    `json:"file_count"`
}

// UploadRequest asks the coordinator to reserve capacity for a new file.
// Checksum is optional: when the client has already hashed the file it is
// captured up front, otherwise the first node confirmation supplies it.
type UploadRequest struct {
	Filename          string `json:"filename"`
	FileSize          int64  `json:"file_size"`
	ReplicationFactor int    `json:"replication_factor"`
	Checksum          string `json:"checksum,omitempty"`
}

// UploadTarget is one node the client should push file bytes to.
type UploadTarget struct {
	NodeID    string `json:"node_id"`
	UploadURL string `json:"upload_url"`
}

// UploadGrant is the coordinator's answer to a successful UploadRequest.
type UploadGrant struct {
	FileID      string         `json:"file_id"`
	UploadNodes []UploadTarget `json:"upload_nodes"`
}

// ConfirmRequest reports that one node holds the file bytes, with the
// checksum computed at receipt.
type ConfirmRequest struct {
	FileID   string `json:"file_id"`
	NodeID   string `json:"node_id"`
	Checksum string `json:"checksum"`
}

// CancelRequest aborts an in-flight upload.
type CancelRequest struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason,omitempty"`
}

// DownloadResolution lists the download URLs for every active replica of a
// file, most recently confirmed first.
type DownloadResolution struct {
	FileID       string   `json:"file_id"`
	Filename     string   `json:"filename"`
	FileSize     int64    `json:"file_size"`
	Checksum     string   `json:"checksum"`
	DownloadURLs []string `json:"download_urls"`
}

// InventoryEntry is one file a storage node reports holding.
type InventoryEntry struct {
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum"`
}

// NodeHealthReport is a node's self-description of its storage situation.
type NodeHealthReport struct {
	AvailableSpace int64  `json:"available_space"`
	UsedSpace      int64  `json:"used_space"`
	MaxStorage     *int64 `json:"max_storage,omitempty"`
	FileCount      int    `json:"file_count"`
}

// StoreResult is a node's answer to a file PUT: the checksum and size it
// observed while writing the bytes.
type StoreResult struct {
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// NodeCapacity describes one candidate node in a capacity rejection: the
// space it had available and the space the upload would have needed (file
// size plus the planner's safety buffer).
type NodeCapacity struct {
	NodeID    string `json:"node_id"`
	Available int64  `json:"available_space"`
	Needed    int64  `json:"needed_space"`
}

// ErrorResponse is the coordinator's JSON error envelope.
type ErrorResponse struct {
	Error string         `json:"error"`
	Nodes []NodeCapacity `json:"nodes_info,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON POSTs body as JSON to url and decodes the response into out
// (skipped when out is nil). Non-2xx responses are returned as errors;
// a 404 maps to ErrNotFound.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("http %s: %w", url, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON GETs url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("http %s: %w", url, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
