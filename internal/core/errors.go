package core

import "errors"

// Every manager returns one of these sentinels (usually wrapped with
// fmt.Errorf("%w: ...")) so callers can branch with errors.Is and the HTTP
// layer can map them to status codes without inspecting message text.
var (
	ErrNotFound          = errors.New("entity not found")
	ErrConflict          = errors.New("conflicting state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnmetDependency   = errors.New("unmet dependency")
	ErrValidation        = errors.New("validation failed")
	ErrSpawn             = errors.New("spawn failed")
	ErrAuthorization     = errors.New("update source not permitted")

	// ErrVersionConflict is returned by stores when an optimistic save loses
	// a concurrent write race. Managers retry or surface it as ErrConflict.
	ErrVersionConflict = errors.New("version conflict")
)
