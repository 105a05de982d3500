package coordinator

import (
	"sort"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kahu/internal/cluster"
	"github.com/dreamware/kahu/internal/metadata"
)

// DefaultSafetyBuffer is the space margin reserved beyond the file size
// before a node qualifies, absorbing the race window between planning and
// the actual write.
const DefaultSafetyBuffer int64 = 1 << 20 // 1 MiB

// Planner selects placement targets for new copies. It is stateless: every
// selection reads a fresh node snapshot from the metadata store, which is
// never older than one heartbeat interval.
type Planner struct {
	store        metadata.Store
	safetyBuffer int64
}

// NewPlanner creates a planner with the given safety buffer.
func NewPlanner(store metadata.Store, safetyBuffer int64) *Planner {
	return &Planner{store: store, safetyBuffer: safetyBuffer}
}

// SafetyBuffer returns the configured buffer, for error reporting.
func (p *Planner) SafetyBuffer() int64 { return p.safetyBuffer }

// SelectNodes picks count active nodes able to hold sizeBytes, most free
// space first. Nodes in exclude are never considered (used by the
// reconciler to avoid existing holders).
//
// A node qualifies when available_space - safety_buffer >= size_bytes. A
// node without a capacity ceiling (MaxStorage nil) always qualifies; its
// reported available space still drives the ranking.
//
// Selection is deterministic for a given snapshot: descending available
// space, ties broken by ascending node ID. Fewer than count qualifying
// nodes fails with InsufficientCapacityError carrying per-candidate
// available/needed detail; nothing is mutated.
func (p *Planner) SelectNodes(sizeBytes int64, count int, exclude ...string) ([]*metadata.NodeRecord, error) {
	needed := sizeBytes + p.safetyBuffer

	var candidates, qualifying []*metadata.NodeRecord
	for _, n := range p.store.ListNodes() {
		if n.Status != metadata.NodeActive || slices.Contains(exclude, n.ID) {
			continue
		}
		candidates = append(candidates, n)
		if n.MaxStorage == nil || n.AvailableSpace-p.safetyBuffer >= sizeBytes {
			qualifying = append(qualifying, n)
		}
	}

	if len(qualifying) < count {
		detail := make([]cluster.NodeCapacity, 0, len(candidates))
		for _, n := range candidates {
			detail = append(detail, cluster.NodeCapacity{
				NodeID:    n.ID,
				Available: n.AvailableSpace,
				Needed:    needed,
			})
		}
		return nil, &InsufficientCapacityError{
			ReplicationFactor: count,
			Eligible:          len(qualifying),
			Nodes:             detail,
		}
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		if qualifying[i].AvailableSpace != qualifying[j].AvailableSpace {
			return qualifying[i].AvailableSpace > qualifying[j].AvailableSpace
		}
		return qualifying[i].ID < qualifying[j].ID
	})
	return qualifying[:count], nil
}
