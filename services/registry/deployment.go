package registry

import (
	"slices"
	"time"
)

// ArtifactRef pins one artifact into a deployment. Size and SHA256 are
// captured at creation and re-checked against the artifact store whenever a
// descriptor is built.
type ArtifactRef struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
}

// Selector picks the controllers a deployment may be assigned to. A
// controller matches when All is set, when its id is listed in Controllers,
// or when every MatchLabels entry equals its attribute. The zero Selector
// matches nothing.
type Selector struct {
	Controllers []string          `json:"controllers,omitempty" yaml:"controllers,omitempty"`
	MatchLabels map[string]string `json:"matchLabels,omitempty" yaml:"matchLabels,omitempty"`
	All         bool              `json:"all,omitempty" yaml:"all,omitempty"`
}

// Target is the controller view a Selector is evaluated against.
type Target struct {
	ID         string
	Attributes map[string]string
}

// Empty reports whether the selector can never match.
func (s Selector) Empty() bool {
	return !s.All && len(s.Controllers) == 0 && len(s.MatchLabels) == 0
}

// Matches reports whether t is eligible.
func (s Selector) Matches(t Target) bool {
	if s.All {
		return true
	}
	if slices.Contains(s.Controllers, t.ID) {
		return true
	}
	if len(s.MatchLabels) == 0 {
		return false
	}
	for k, v := range s.MatchLabels {
		got, ok := t.Attributes[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

func (s Selector) clone() Selector {
	out := Selector{All: s.All, Controllers: slices.Clone(s.Controllers)}
	if s.MatchLabels != nil {
		out.MatchLabels = make(map[string]string, len(s.MatchLabels))
		for k, v := range s.MatchLabels {
			out.MatchLabels[k] = v
		}
	}
	return out
}

// Deployment is one unit of work bound to at most one controller at a time.
type Deployment struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Artifacts  []ArtifactRef `json:"artifacts"`
	Selector   Selector      `json:"selector"`
	State      State         `json:"state"`
	Version    int64         `json:"version"`
	AssignedTo string        `json:"assigned_to,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	AssignedAt *time.Time    `json:"assigned_at,omitempty"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
}

// Clone returns a deep copy.
func (d Deployment) Clone() Deployment {
	out := d
	out.Artifacts = slices.Clone(d.Artifacts)
	out.Selector = d.Selector.clone()
	if d.AssignedAt != nil {
		t := *d.AssignedAt
		out.AssignedAt = &t
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// TransitionEvent is handed to observers after every state change.
type TransitionEvent struct {
	DeploymentID   string    `json:"deployment_id"`
	DeploymentName string    `json:"deployment_name,omitempty"`
	ControllerID   string    `json:"controller_id,omitempty"`
	From           State     `json:"from"`
	To             State     `json:"to"`
	Event          EventKind `json:"event"`
	Actor          string    `json:"actor,omitempty"`
	At             time.Time `json:"at"`
}
