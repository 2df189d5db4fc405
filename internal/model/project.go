package model

import "time"

// Project scopes tasks and sessions. Tasks and sessions always validate
// their projectId against an existing record before being created.
type Project struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	BasePath string `json:"basePath,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Version int64 `json:"version"`
}

func (p Project) Clone() Project {
	return p
}
