package storage

import (
	"errors"
	"time"

	"github.com/cuemby/flownode/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// NodeState is what the node remembers across restarts
type NodeState struct {
	NodeUID        string                `json:"nodeUid"`
	ServerVersion  string                `json:"serverVersion,omitempty"`
	ConfigRevision int                   `json:"configRevision"`
	Node           *types.NodeDescriptor `json:"node,omitempty"`
	RegisteredAt   time.Time             `json:"registeredAt"`
}

// Store defines the interface for local node storage
type Store interface {
	// Node state
	GetNodeState() (*NodeState, error)
	SaveNodeState(state *NodeState) error
	DeleteNodeState() error

	// Configuration revisions
	SaveConfigRevision(rev *types.ConfigurationRevision) error
	GetConfigRevision(revision int) (*types.ConfigurationRevision, error)
	LatestConfigRevision() (*types.ConfigurationRevision, error)
	PruneConfigRevisions(keep int) (int, error)

	// Job history
	SaveJobReport(report *types.JobReport) error
	ListJobReports(limit int) ([]*types.JobReport, error)
	PruneJobReports(keep int) (int, error)

	// Utility
	Close() error
}
