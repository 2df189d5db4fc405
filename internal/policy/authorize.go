// Package policy holds the update authorization guard: pure, storage-free
// predicates deciding which fields a mutation source may touch. User-facing
// clients own everything except the session-owned per-session status map;
// a session owns exactly its own per-session status entry and its timeline.
package policy

import (
	"fmt"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

// Field names consulted by the guard. These match the JSON names on the wire.
const (
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldInitialPrompt    = "initialPrompt"
	FieldStatus           = "status"
	FieldDependencies     = "dependencies"
	FieldReferenceIDs     = "referenceIds"
	FieldPerSessionStatus = "perSessionStatus"
	FieldTimeline         = "timeline"
	FieldEnv              = "env"
	FieldPID              = "pid"
)

// AllowTaskField reports whether source may set the named task field.
func AllowTaskField(field string, source core.Source) bool {
	if source.IsUser() {
		return field != FieldPerSessionStatus
	}
	if source.IsSession() {
		return field == FieldPerSessionStatus
	}
	return false
}

// AllowSessionField reports whether source may set the named session field.
// Env and PID are runtime fields owned by the spawner; nobody patches them.
func AllowSessionField(field string, source core.Source) bool {
	switch {
	case source.IsUser():
		return field != FieldPerSessionStatus && field != FieldEnv && field != FieldPID
	case source.IsSession():
		return field == FieldTimeline
	default:
		return false
	}
}

// FilterTaskPatch applies the guard to a task patch.
//
// User sources get a hard rejection (ErrAuthorization) when the patch names
// perSessionStatus. Session sources get the silent-drop policy: every field
// they may not touch is removed, the per-session map is narrowed to their own
// entry, and the dropped field names are reported so callers can log them.
func FilterTaskPatch(patch model.TaskPatch, source core.Source) (model.TaskPatch, []string, error) {
	switch {
	case source.IsUser():
		if len(patch.PerSessionStatus) > 0 {
			return model.TaskPatch{}, nil, fmt.Errorf(
				"%w: %s is session-owned", core.ErrAuthorization, FieldPerSessionStatus)
		}
		return patch, nil, nil

	case source.IsSession():
		var dropped []string
		out := model.TaskPatch{}
		if patch.Title != nil {
			dropped = append(dropped, FieldTitle)
		}
		if patch.Description != nil {
			dropped = append(dropped, FieldDescription)
		}
		if patch.InitialPrompt != nil {
			dropped = append(dropped, FieldInitialPrompt)
		}
		if patch.Status != nil {
			dropped = append(dropped, FieldStatus)
		}
		if patch.Dependencies != nil {
			dropped = append(dropped, FieldDependencies)
		}
		if patch.ReferenceIDs != nil {
			dropped = append(dropped, FieldReferenceIDs)
		}
		if status, ok := patch.PerSessionStatus[source.SessionID]; ok {
			out.PerSessionStatus = map[string]model.WorkStatus{source.SessionID: status}
		}
		if len(patch.PerSessionStatus) > len(out.PerSessionStatus) {
			dropped = append(dropped, FieldPerSessionStatus)
		}
		return out, dropped, nil

	default:
		return model.TaskPatch{}, nil, fmt.Errorf("%w: unknown update source", core.ErrAuthorization)
	}
}
