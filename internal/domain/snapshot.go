package domain

import "time"

// Snapshot is a self-contained checkpoint of a project's full file set.
// Data holds the compressed encoding; restoring never consults the change log.
type Snapshot struct {
	ID        string
	ProjectID string
	Label     string
	Data      []byte
	CreatedAt time.Time
}

// SnapshotInfo is a Snapshot without its payload, for listings.
type SnapshotInfo struct {
	ID        string
	ProjectID string
	Label     string
	SizeBytes int64
	CreatedAt time.Time
}
