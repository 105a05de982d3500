package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeAPI is the coordinator's view of a storage node. All coordination is
// hub-and-spoke: only the coordinator issues these calls, nodes never talk
// to each other. Implementations must honor context cancellation so a hung
// node cannot stall the caller.
type NodeAPI interface {
	// PutFile streams file bytes to a node and returns the checksum and
	// size the node observed while writing.
	PutFile(ctx context.Context, addr, fileID string, body io.Reader) (*StoreResult, error)

	// GetFile opens a file's bytes on a node. The caller closes the reader.
	// Returns ErrNotFound if the node does not hold the file.
	GetFile(ctx context.Context, addr, fileID string) (io.ReadCloser, error)

	// DeleteFile removes a file from a node. Returns ErrNotFound if the
	// node did not hold it.
	DeleteFile(ctx context.Context, addr, fileID string) error

	// Inventory lists every file the node currently holds with its checksum.
	Inventory(ctx context.Context, addr string) ([]InventoryEntry, error)

	// Health fetches the node's storage self-report.
	Health(ctx context.Context, addr string) (*NodeHealthReport, error)
}

// NodeClient implements NodeAPI over the node's HTTP surface.
type NodeClient struct {
	http *http.Client
}

// NewNodeClient returns a NodeAPI with the given per-request timeout.
func NewNodeClient(timeout time.Duration) *NodeClient {
	return &NodeClient{http: &http.Client{Timeout: timeout}}
}

func fileURL(addr, fileID string) string {
	return fmt.Sprintf("%s/files/%s", addr, fileID)
}

// PutFile streams body to PUT {addr}/files/{fileID}.
func (c *NodeClient) PutFile(ctx context.Context, addr, fileID string, body io.Reader) (*StoreResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fileURL(addr, fileID), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("put %s: http %d", fileURL(addr, fileID), resp.StatusCode)
	}
	var out StoreResult
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFile opens GET {addr}/files/{fileID}.
func (c *NodeClient) GetFile(ctx context.Context, addr, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL(addr, fileID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: http %d", fileURL(addr, fileID), resp.StatusCode)
	}
	return resp.Body, nil
}

// DeleteFile issues DELETE {addr}/files/{fileID}.
func (c *NodeClient) DeleteFile(ctx context.Context, addr, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fileURL(addr, fileID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delete %s: http %d", fileURL(addr, fileID), resp.StatusCode)
	}
	return nil
}

// Inventory fetches GET {addr}/inventory.
func (c *NodeClient) Inventory(ctx context.Context, addr string) ([]InventoryEntry, error) {
	var out struct {
		Files []InventoryEntry `json:"files"`
	}
	if err := c.getJSON(ctx, addr+"/inventory", &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Health fetches GET {addr}/health.
func (c *NodeClient) Health(ctx context.Context, addr string) (*NodeHealthReport, error) {
	var out NodeHealthReport
	if err := c.getJSON(ctx, addr+"/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *NodeClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("get %s: http %d", url, resp.StatusCode)
	}
	return decodeJSON(resp.Body, out)
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
