package view

import "time"

// Node is one entry in the in-memory tree. Files and directories share the
// shape; Children is non-nil iff IsDir. Nodes hold no parent pointer: the
// tree is strictly top-down and the path maps supply reverse lookup, which
// rules out cycles.
type Node struct {
	Path             string  `json:"path"`
	ModifiedTime     float64 `json:"modified_time"`
	Size             int64   `json:"size"`
	IsDir            bool    `json:"is_directory"`
	LastUpdatedAt    float64 `json:"last_updated_at"`
	IntegritySuspect bool    `json:"integrity_suspect"`

	Children map[string]*Node `json:"-"`
}

// Tombstone asserts a path was deleted. Logical blocks stale resurrection;
// Physical drives the garbage-collection horizon.
type Tombstone struct {
	Logical  float64
	Physical float64
}

// suspectEntry tracks one unverified-freshness node. Expiry is monotonic.
type suspectEntry struct {
	Expiry       time.Time
	RecordedMtime float64
}
