package core

import "strings"

// SourceKind distinguishes human-facing clients from running sessions.
type SourceKind string

const (
	SourceKindUser    SourceKind = "user"
	SourceKindSession SourceKind = "session"
)

// Source is the authorization context a mutation request runs under.
// The zero value is not valid; use UserSource or SessionSource.
type Source struct {
	Kind      SourceKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
}

func UserSource() Source {
	return Source{Kind: SourceKindUser}
}

func SessionSource(sessionID string) Source {
	return Source{Kind: SourceKindSession, SessionID: strings.TrimSpace(sessionID)}
}

func (s Source) IsUser() bool {
	return s.Kind == SourceKindUser
}

func (s Source) IsSession() bool {
	return s.Kind == SourceKindSession && s.SessionID != ""
}

func (s Source) String() string {
	if s.IsSession() {
		return "session:" + s.SessionID
	}
	return string(SourceKindUser)
}
