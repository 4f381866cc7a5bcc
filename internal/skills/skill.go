// Package skills defines the capability-tiered skill contract and the
// registry that exposes device actions as named tools.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tier is the coarse privilege level gating which tools a caller may see
// and invoke. It is resolved once per process from host signals and passed
// read-only into every execution.
type Tier int

const (
	TierBase Tier = iota
	TierPrivileged
)

func (t Tier) String() string {
	switch t {
	case TierPrivileged:
		return "privileged"
	default:
		return "base"
	}
}

// ToolDefinition describes a single callable action. Immutable once built.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// RequiresApproval marks tools that must pass the human approval gate
	// before execution, regardless of tier.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Manifest is the set of tools a skill contributes at one tier.
type Manifest struct {
	Description string
	Tools       []ToolDefinition
}

// Skill is a named bundle of related tools plus their execution logic.
// Implementations are registered with the Registry and invoked through it;
// the registry holds a non-owning reference keyed by ID.
type Skill interface {
	ID() string
	Name() string
	BaseManifest() Manifest
	// PrivilegedManifest returns the additional tools exposed at
	// TierPrivileged, or nil if the skill has none.
	PrivilegedManifest() *Manifest
	Execute(ctx context.Context, tool string, params map[string]any, tier Tier) Result
}

// PermissionAware is implemented by skills that need host permissions
// granted before their tools may run.
type PermissionAware interface {
	RequiredPermissions() []string
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultError
	resultApproval
)

// Result is the outcome of a single tool call. Exactly one of the three
// constructors produces it; it is never partially constructed.
type Result struct {
	kind    resultKind
	payload string
}

// Success wraps a successful tool payload.
func Success(payload string) Result {
	return Result{kind: resultSuccess, payload: payload}
}

// Errorf builds an error Result with a formatted message.
func Errorf(format string, args ...any) Result {
	return Result{kind: resultError, payload: fmt.Sprintf(format, args...)}
}

// NeedsApproval signals that the call must be re-issued after the human
// approval gate accepts the given description.
func NeedsApproval(description string) Result {
	return Result{kind: resultApproval, payload: description}
}

func (r Result) IsError() bool    { return r.kind == resultError }
func (r Result) IsApproval() bool { return r.kind == resultApproval }

// Text returns the payload regardless of kind: the success payload, the
// error message, or the approval description.
func (r Result) Text() string { return r.payload }
