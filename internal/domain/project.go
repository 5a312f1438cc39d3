package domain

import "time"

// Project is the top-level unit of ownership. Its source tree lives in the
// database as ProjectFile rows and is mutated only through the change log
// or a snapshot restore.
type Project struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectFile is one entry of a project's virtual file system. Path is
// normalized: forward slashes, no leading slash, no dot segments.
type ProjectFile struct {
	ProjectID   string
	Path        string
	Content     string
	ContentHash string
	UpdatedAt   time.Time
}
