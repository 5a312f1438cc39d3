package domain

import "time"

// File operation kinds accepted by the change log.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// FileOperation is a single file mutation inside a change entry.
// Content is required for create and update and ignored for delete.
type FileOperation struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// ChangeEntry is one record of the project change log. Operations is the
// ordered list of file mutations that commit or fail as a unit. Applied
// flips false to true exactly once, atomically with the mutations.
type ChangeEntry struct {
	ID         string
	ProjectID  string
	Operations []FileOperation
	Applied    bool
	CreatedAt  time.Time
}
