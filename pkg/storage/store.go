package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// DeployRecord is the history of one Deploy. Generations restart with
// every agent process, so records are keyed by session and generation.
type DeployRecord struct {
	Session     int64  `json:"session"`
	Generation  uint64 `json:"generation"`
	Name        string `json:"name,omitempty"`
	Image       string `json:"image"`
	ContainerID string `json:"container_id,omitempty"`

	StartedAt time.Time `json:"started_at"`
	StableAt  time.Time `json:"stable_at"`
	FailedAt  time.Time `json:"failed_at"`
	StoppedAt time.Time `json:"stopped_at"`

	Error string `json:"error,omitempty"`
}

// Key returns the record's sort key
func (r *DeployRecord) Key() []byte {
	return recordKey(r.Session, r.Generation)
}

// Status summarizes the furthest lifecycle point the Deploy reached
func (r *DeployRecord) Status() string {
	switch {
	case !r.StoppedAt.IsZero():
		return "stopped"
	case !r.FailedAt.IsZero():
		return "failed"
	case !r.StableAt.IsZero():
		return "stable"
	case !r.StartedAt.IsZero():
		return "started"
	default:
		return "pending"
	}
}

// recordKey sorts by session, then generation
func recordKey(session int64, generation uint64) []byte {
	return []byte(fmt.Sprintf("%020d-%020d", session, generation))
}

// Store defines the interface for deploy history storage
type Store interface {
	PutDeploy(record *DeployRecord) error
	GetDeploy(session int64, generation uint64) (*DeployRecord, error)

	// ListDeploys returns up to limit records, newest first. A limit of
	// zero or less returns every record.
	ListDeploys(limit int) ([]*DeployRecord, error)

	Close() error
}
