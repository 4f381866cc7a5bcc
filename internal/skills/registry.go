package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Typed dispatch errors. Tool-level failures inside a skill implementation
// are converted to error Results instead and never surface as Go errors.
var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrPrivilegeDenied = errors.New("tool requires privileged tier")
	ErrInvalidParams   = errors.New("tool parameters failed schema validation")
)

// CollisionError reports two skills contributing the same tool name at
// manifest composition time.
type CollisionError struct {
	Tool    string
	SkillA  string
	SkillB  string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("tool %q contributed by both %q and %q", e.Tool, e.SkillA, e.SkillB)
}

// Binding ties a composed tool to its owning skill.
type Binding struct {
	SkillID    string
	SkillName  string
	Def        ToolDefinition
	Privileged bool // tool appears only in the skill's privileged manifest
}

// Entry is one skill's contribution to a composed manifest.
type Entry struct {
	SkillID     string
	SkillName   string
	Description string
	Tools       []ToolDefinition
}

// Composed is a tier- and filter-resolved view of the registry, built once
// per agent invocation and immutable afterwards.
type Composed struct {
	Entries  []Entry
	bindings map[string]Binding
	order    []string
}

// Lookup resolves a tool name to its binding.
func (c *Composed) Lookup(tool string) (Binding, bool) {
	b, ok := c.bindings[tool]
	return b, ok
}

// Tools returns all bindings in composition order.
func (c *Composed) Tools() []Binding {
	out := make([]Binding, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.bindings[name])
	}
	return out
}

// Render produces the system-context description of the composed manifest:
// one section per skill, one line per tool.
func (c *Composed) Render() string {
	var sb strings.Builder
	for _, e := range c.Entries {
		fmt.Fprintf(&sb, "## %s\n", e.SkillName)
		if desc := strings.TrimSpace(e.Description); desc != "" {
			sb.WriteString(desc)
			sb.WriteString("\n")
		}
		for _, t := range e.Tools {
			fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Description)
			if t.RequiresApproval {
				sb.WriteString(" (requires approval)")
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Registry holds all registered skills and resolves tool calls to them.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Skill
	order   []string
	schemas *schemaCache
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]Skill),
		schemas: newSchemaCache(),
		logger:  logger,
	}
}

// Register adds the skill, replacing any prior registration with the same
// id. A replacement keeps the skill's original position in registration
// order so manifest composition stays stable.
func (r *Registry) Register(s Skill) {
	id := strings.TrimSpace(s.ID())
	if id == "" {
		r.logger.Warn("skill with empty id ignored")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = s
	r.schemas.invalidate(id)
	r.logger.Info("skill registered", "skill_id", id, "name", s.Name())
}

// Unregister removes a skill by id. Idempotent if absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.schemas.invalidate(id)
	r.logger.Info("skill unregistered", "skill_id", id)
}

// All returns a snapshot of registered skills in registration order.
func (r *Registry) All() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Compose builds the manifest visible at the given tier. enabledIDs filters
// by skill id; an empty set enables every skill. Privileged tools are
// included only at TierPrivileged. A cross-skill tool-name collision is a
// composition error, never a silent shadow.
func (r *Registry) Compose(tier Tier, enabledIDs []string) (*Composed, error) {
	enabled := make(map[string]struct{}, len(enabledIDs))
	for _, id := range enabledIDs {
		if id = strings.TrimSpace(id); id != "" {
			enabled[id] = struct{}{}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Composed{bindings: make(map[string]Binding)}
	for _, id := range r.order {
		if len(enabled) > 0 {
			if _, ok := enabled[id]; !ok {
				continue
			}
		}
		s := r.byID[id]
		base := s.BaseManifest()
		entry := Entry{
			SkillID:     id,
			SkillName:   s.Name(),
			Description: base.Description,
			Tools:       append([]ToolDefinition(nil), base.Tools...),
		}
		tools := []struct {
			def        ToolDefinition
			privileged bool
		}{}
		for _, t := range base.Tools {
			tools = append(tools, struct {
				def        ToolDefinition
				privileged bool
			}{t, false})
		}
		if tier == TierPrivileged {
			if priv := s.PrivilegedManifest(); priv != nil {
				entry.Tools = append(entry.Tools, priv.Tools...)
				for _, t := range priv.Tools {
					tools = append(tools, struct {
						def        ToolDefinition
						privileged bool
					}{t, true})
				}
			}
		}
		for _, t := range tools {
			if prior, dup := c.bindings[t.def.Name]; dup {
				if prior.SkillID == id {
					// Same skill listing a tool in both manifests: keep the
					// base entry, which is already bound.
					continue
				}
				return nil, &CollisionError{Tool: t.def.Name, SkillA: prior.SkillID, SkillB: id}
			}
			c.bindings[t.def.Name] = Binding{
				SkillID:    id,
				SkillName:  s.Name(),
				Def:        t.def,
				Privileged: t.privileged,
			}
			c.order = append(c.order, t.def.Name)
		}
		c.Entries = append(c.Entries, entry)
	}
	return c, nil
}

// resolve finds the skill owning the named tool, scanning in reverse
// registration order so the most recent registration wins when two skills
// declare the same name. Returns whether the tool is privileged-only.
func (r *Registry) resolve(tool string) (Skill, ToolDefinition, bool, bool) {
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.byID[r.order[i]]
		for _, t := range s.BaseManifest().Tools {
			if t.Name == tool {
				return s, t, false, true
			}
		}
		if priv := s.PrivilegedManifest(); priv != nil {
			for _, t := range priv.Tools {
				if t.Name == tool {
					return s, t, true, true
				}
			}
		}
	}
	return nil, ToolDefinition{}, false, false
}

// Execute resolves the tool, enforces the tier gate, validates parameters
// against the tool's input schema, and delegates to the owning skill. A
// panicking skill implementation is contained here and reported as an error
// Result; it never propagates into the agent loop.
//
// The returned error is non-nil only for dispatch-level failures
// (ErrUnknownTool, ErrPrivilegeDenied, ErrInvalidParams); in every such case
// the Result carries a conversational message for the model as well.
func (r *Registry) Execute(ctx context.Context, tool string, params map[string]any, tier Tier) (Result, error) {
	r.mu.RLock()
	s, def, privOnly, found := r.resolve(tool)
	r.mu.RUnlock()

	if !found {
		return Errorf("Unknown tool: %s", tool), fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	if privOnly && tier != TierPrivileged {
		return Errorf("Tool %s requires the privileged tier", tool),
			fmt.Errorf("%w: %s", ErrPrivilegeDenied, tool)
	}
	if len(def.InputSchema) > 0 {
		if err := r.schemas.validate(s.ID(), def, params); err != nil {
			return Errorf("Invalid parameters for %s: %v", tool, err),
				fmt.Errorf("%w: %s: %v", ErrInvalidParams, tool, err)
		}
	}

	res := r.runContained(ctx, s, tool, params, tier)
	return res, nil
}

// runContained invokes the skill with panic containment.
func (r *Registry) runContained(ctx context.Context, s Skill, tool string, params map[string]any, tier Tier) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("skill panicked", "skill_id", s.ID(), "tool", tool, "panic", rec)
			res = Errorf("tool %s failed: internal error", tool)
		}
	}()
	return s.Execute(ctx, tool, params, tier)
}

// ToolNames returns the sorted names of every tool visible at the tier,
// mainly for status surfaces and logs.
func (r *Registry) ToolNames(tier Tier) []string {
	c, err := r.Compose(tier, nil)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(c.order))
	names = append(names, c.order...)
	sort.Strings(names)
	return names
}
