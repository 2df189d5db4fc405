// Package spawn implements the session hand-off protocol: the manifest
// document a freshly launched agent process reads at startup, the environment
// variables binding it to its identity, and the non-blocking process launch.
package spawn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/model"
)

// ManifestVersion is bumped whenever the schema changes shape; spawned
// processes refuse manifests from a different major line.
const ManifestVersion = 1

// Mode is the closed enumeration of spawn modes. Legacy aliases are mapped
// once at the boundary by NormalizeMode; internal code never sees them.
type Mode string

const (
	ModeWorker            Mode = "worker"
	ModeCoordinator       Mode = "coordinator"
	ModeCoordinatedWorker Mode = "coordinated-worker"
)

var legacyModeAliases = map[string]Mode{
	"execute":    ModeWorker,
	"coordinate": ModeCoordinator,
}

// NormalizeMode maps raw input (including legacy aliases) onto the closed
// mode set, failing on anything outside it.
func NormalizeMode(raw string) (Mode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ModeWorker, nil
	}
	if mapped, ok := legacyModeAliases[trimmed]; ok {
		return mapped, nil
	}
	switch Mode(trimmed) {
	case ModeWorker, ModeCoordinator, ModeCoordinatedWorker:
		return Mode(trimmed), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", core.ErrValidation, raw)
	}
}

// Role maps the spawn mode onto the session role stored on the entity.
func (m Mode) Role() model.SessionRole {
	if m == ModeCoordinator {
		return model.RoleCoordinator
	}
	return model.RoleWorker
}

// Coordinated reports whether the mode requires a coordinator session id.
func (m Mode) Coordinated() bool {
	return strings.HasPrefix(string(m), "coordinated-")
}

// Profile describes one team member identity in a coordinator manifest.
// Exactly one profile must be marked Self.
type Profile struct {
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	Description string `json:"description,omitempty"`
	Self        bool   `json:"self,omitempty"`
}

// DependencySummary gives the spawned process enough dependency context to
// sequence its work without a round-trip back to the coordinator.
type DependencySummary struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Status model.TaskStatus `json:"status"`
}

// TaskExcerpt is a read-only snippet of a reference task.
type TaskExcerpt struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt,omitempty"`
}

// TaskContext is the full per-task context embedded in the manifest.
type TaskContext struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	Description        string              `json:"description,omitempty"`
	InitialPrompt      string              `json:"initialPrompt,omitempty"`
	AcceptanceCriteria string              `json:"acceptanceCriteria,omitempty"`
	Dependencies       []DependencySummary `json:"dependencies,omitempty"`
	References         []TaskExcerpt       `json:"references,omitempty"`
}

// SessionConfig is the session block of the manifest.
type SessionConfig struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"projectId"`
	Role                 string    `json:"role"`
	Strategy             string    `json:"strategy"`
	Model                string    `json:"model,omitempty"`
	PermissionMode       string    `json:"permissionMode,omitempty"`
	ParentSessionID      string    `json:"parentSessionId,omitempty"`
	CoordinatorSessionID string    `json:"coordinatorSessionId,omitempty"`
	TeamMembers          []Profile `json:"teamMembers,omitempty"`
}

// Manifest is the hand-off document written for a spawned process. The
// schema is closed: parsing rejects unknown top-level fields so integration
// drift between coordinator and agents surfaces immediately.
type Manifest struct {
	ManifestVersion int           `json:"manifestVersion"`
	Mode            string        `json:"mode"`
	Tasks           []TaskContext `json:"tasks"`
	Session         SessionConfig `json:"session"`
	Context         string        `json:"context,omitempty"`
	Skills          []Skill       `json:"skills,omitempty"`
}

// Request collects everything needed to build a manifest.
type Request struct {
	SessionID            string
	ProjectID            string
	Mode                 Mode
	Strategy             model.WorkStrategy
	Model                string
	PermissionMode       string
	ParentSessionID      string
	CoordinatorSessionID string
	TeamMembers          []Profile
	Tasks                []TaskContext
	Context              string
	Skills               []Skill
}

// BuildManifest validates the request and produces the manifest document.
// Validation failures are hard errors; there is no permissive fallback that
// guesses a self identity for coordinators.
func BuildManifest(req Request) (Manifest, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return Manifest{}, fmt.Errorf("%w: session id is required", core.ErrValidation)
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return Manifest{}, fmt.Errorf("%w: project id is required", core.ErrValidation)
	}
	switch req.Mode {
	case ModeWorker, ModeCoordinator, ModeCoordinatedWorker:
	default:
		return Manifest{}, fmt.Errorf("%w: mode %q not normalized", core.ErrValidation, req.Mode)
	}
	if req.Mode.Coordinated() && strings.TrimSpace(req.CoordinatorSessionID) == "" {
		return Manifest{}, fmt.Errorf(
			"%w: mode %s requires coordinatorSessionId", core.ErrValidation, req.Mode)
	}
	if req.Mode == ModeCoordinator {
		selfCount := 0
		for _, p := range req.TeamMembers {
			if p.Self {
				selfCount++
			}
		}
		if selfCount != 1 {
			return Manifest{}, fmt.Errorf(
				"%w: coordinator manifest requires exactly one self profile, got %d",
				core.ErrValidation, selfCount)
		}
	}
	switch req.Strategy {
	case model.StrategySimple, model.StrategyQueue:
	case "":
		req.Strategy = model.StrategySimple
	default:
		return Manifest{}, fmt.Errorf("%w: unknown strategy %q", core.ErrValidation, req.Strategy)
	}

	return Manifest{
		ManifestVersion: ManifestVersion,
		Mode:            string(req.Mode),
		Tasks:           req.Tasks,
		Session: SessionConfig{
			ID:                   req.SessionID,
			ProjectID:            req.ProjectID,
			Role:                 string(req.Mode.Role()),
			Strategy:             string(req.Strategy),
			Model:                req.Model,
			PermissionMode:       req.PermissionMode,
			ParentSessionID:      req.ParentSessionID,
			CoordinatorSessionID: req.CoordinatorSessionID,
			TeamMembers:          req.TeamMembers,
		},
		Context: req.Context,
		Skills:  req.Skills,
	}, nil
}

// ParseManifest decodes a manifest with the closed-schema rule applied.
func ParseManifest(data []byte) (Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	if m.ManifestVersion != ManifestVersion {
		return Manifest{}, fmt.Errorf(
			"%w: unsupported manifestVersion %d", core.ErrValidation, m.ManifestVersion)
	}
	if _, err := NormalizeMode(m.Mode); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// WriteManifest persists the manifest under dir/<sessionID>/manifest.json and
// returns the path handed to the spawned process.
func WriteManifest(m Manifest, dir string) (string, error) {
	sessionDir := filepath.Join(dir, m.Session.ID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(sessionDir, "manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// Environment variable names handed to every spawned process.
const (
	EnvSessionID    = "MAESTRO_SESSION_ID"
	EnvProjectID    = "MAESTRO_PROJECT_ID"
	EnvTaskIDs      = "MAESTRO_TASK_IDS"
	EnvManifestPath = "MAESTRO_MANIFEST_PATH"
	EnvAPIURL       = "MAESTRO_API_URL"
)

// BuildEnv produces the identity environment for a spawned process.
func BuildEnv(sessionID, projectID string, taskIDs []string, manifestPath, apiURL string) map[string]string {
	return map[string]string{
		EnvSessionID:    sessionID,
		EnvProjectID:    projectID,
		EnvTaskIDs:      strings.Join(taskIDs, ","),
		EnvManifestPath: manifestPath,
		EnvAPIURL:       apiURL,
	}
}
