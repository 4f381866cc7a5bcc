// Package agent drives the multi-turn tool-use conversation: it composes
// the tool manifest into system context, streams model output, dispatches
// tool calls through the approval and permission gates, and reports exactly
// one terminal outcome per invocation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/model"
	"github.com/stoatlabs/vigil/internal/skills"
)

// DefaultMaxIterations bounds the number of model turns in one invocation.
const DefaultMaxIterations = 8

// Response is the terminal outcome of one invocation. Steps counts the
// model turns consumed.
type Response struct {
	Text    string
	IsError bool
	Steps   int
}

// ToolOutcome reports one dispatched tool call to the caller.
type ToolOutcome struct {
	SkillID string
	Tool    string
	Payload string
	IsError bool
}

// ApprovalRequest describes a tool call waiting at the human approval gate.
type ApprovalRequest struct {
	SkillID     string
	Tool        string
	Description string
	Params      map[string]any
}

// Callbacks observe one invocation. All fields are optional. OnComplete and
// OnError are terminal and mutually exclusive; exactly one fires per Run.
type Callbacks struct {
	OnToken      func(string)
	OnToolResult func(ToolOutcome)
	// RequestApproval gates tools marked RequiresApproval when auto-approve
	// is off. A nil hook denies. Denial blocks only that tool call; the
	// conversation continues with the denial fed back to the model.
	RequestApproval func(ctx context.Context, req ApprovalRequest) bool
	// OnPermissionsNeeded fires when a skill's required host permissions are
	// missing. Returning true means the collaborator granted them; the gate
	// is re-checked and the call proceeds if it now passes. On false (or a
	// nil hook) the affected tool call fails and the run continues.
	OnPermissionsNeeded func(skillID string, missing []string) bool
	OnComplete          func(Response)
	OnError             func(error)
}

// PermissionGate answers whether a skill's required host permissions are
// granted. Missing returns the ungranted subset, empty when all are held.
type PermissionGate interface {
	Missing(skillID string, required []string) []string
}

// HistoryStore persists conversation turns across invocations of the same
// session. Implementations must tolerate concurrent sessions.
type HistoryStore interface {
	AppendTurn(ctx context.Context, sessionID, role, content string) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]StoredTurn, error)
}

// StoredTurn is one persisted conversation entry.
type StoredTurn struct {
	Role    string
	Content string
}

// Config tunes a Loop.
type Config struct {
	Tier          skills.Tier
	EnabledSkills []string
	AutoApprove   bool
	MaxIterations int
	Persona       string
	HistoryLimit  int
}

// Loop owns one conversation-driving pipeline over a registry and a model
// client. Safe for sequential invocations; the heartbeat runner guarantees
// mutual exclusion for autonomous runs.
type Loop struct {
	registry *skills.Registry
	client   model.Client
	store    HistoryStore
	gate     PermissionGate
	events   *bus.Bus
	logger   *slog.Logger
	cfg      Config
}

func NewLoop(registry *skills.Registry, client model.Client, store HistoryStore, gate PermissionGate, events *bus.Bus, logger *slog.Logger, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Loop{
		registry: registry,
		client:   client,
		store:    store,
		gate:     gate,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes one invocation: prompt in, terminal Response out. The same
// Response is also delivered through OnComplete or wrapped via OnError.
func (l *Loop) Run(ctx context.Context, sessionID, prompt string, cb Callbacks) Response {
	resp, err := l.run(ctx, sessionID, prompt, cb)
	if err != nil {
		l.logger.Error("agent run failed", "session_id", sessionID, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return Response{Text: err.Error(), IsError: true}
	}
	if cb.OnComplete != nil {
		cb.OnComplete(resp)
	}
	return resp
}

func (l *Loop) run(ctx context.Context, sessionID, prompt string, cb Callbacks) (Response, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Response{}, fmt.Errorf("empty prompt")
	}

	composed, err := l.registry.Compose(l.cfg.Tier, l.cfg.EnabledSkills)
	if err != nil {
		return Response{}, fmt.Errorf("compose manifest: %w", err)
	}

	messages := l.loadHistory(ctx, sessionID)
	messages = append(messages, model.Message{Role: model.RoleUser, Text: prompt})
	l.persist(ctx, sessionID, "user", prompt)

	req := model.Request{
		System: l.systemContext(composed),
		Tools:  toolSpecs(composed),
	}

	onToken := func(tok string) error {
		if cb.OnToken != nil {
			cb.OnToken(tok)
		}
		return nil
	}

	lastText := ""
	for i := 0; i < l.cfg.MaxIterations; i++ {
		req.Messages = messages
		turn, err := l.client.Complete(ctx, req, onToken)
		if err != nil {
			return Response{}, fmt.Errorf("model turn %d: %w", i+1, err)
		}
		if turn.Text != "" {
			lastText = turn.Text
		}

		if len(turn.ToolCalls) == 0 {
			l.persist(ctx, sessionID, "assistant", turn.Text)
			return Response{Text: turn.Text, Steps: i + 1}, nil
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Text:      turn.Text,
			ToolCalls: turn.ToolCalls,
		})

		results := make([]model.ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			results = append(results, l.dispatch(ctx, sessionID, composed, call, cb))
		}
		messages = append(messages, model.Message{Role: model.RoleTool, ToolResults: results})
	}

	// Iteration cap reached: end conversationally with the last text rather
	// than failing the invocation.
	l.logger.Warn("iteration cap reached", "session_id", sessionID, "cap", l.cfg.MaxIterations)
	if lastText == "" {
		lastText = "I ran out of steps before finishing; the partial work above is what I have."
	}
	l.persist(ctx, sessionID, "assistant", lastText)
	return Response{Text: lastText, Steps: l.cfg.MaxIterations}, nil
}

// dispatch executes one tool call through the gates. Failures are contained
// into the returned ToolResult; the conversation always continues.
func (l *Loop) dispatch(ctx context.Context, sessionID string, composed *skills.Composed, call model.ToolCall, cb Callbacks) model.ToolResult {
	start := time.Now()
	binding, known := composed.Lookup(call.Name)
	skillID := ""
	if known {
		skillID = binding.SkillID
	}

	result := func(payload string, isErr bool) model.ToolResult {
		if cb.OnToolResult != nil {
			cb.OnToolResult(ToolOutcome{SkillID: skillID, Tool: call.Name, Payload: payload, IsError: isErr})
		}
		if l.events != nil {
			l.events.Publish(bus.TopicToolDispatched, bus.ToolDispatchedEvent{
				SessionID: sessionID,
				SkillID:   skillID,
				Tool:      call.Name,
				IsError:   isErr,
				Duration:  time.Since(start),
			})
		}
		l.logger.Info("tool dispatched",
			"session_id", sessionID, "tool", call.Name, "skill_id", skillID,
			"is_error", isErr, "duration_ms", time.Since(start).Milliseconds())
		return model.ToolResult{Ref: call.Ref, Name: call.Name, Payload: payload, IsError: isErr}
	}

	if !known {
		return result(fmt.Sprintf("Unknown tool: %s", call.Name), true)
	}

	// Approval comes first: a denied call never surfaces a permission prompt.
	if binding.Def.RequiresApproval && !l.cfg.AutoApprove {
		approved := l.requestApproval(ctx, sessionID, binding, call, cb)
		if !approved {
			return result(fmt.Sprintf("The user declined to approve %s. Do not retry it.", call.Name), true)
		}
	}

	if missing := l.missingPermissions(binding.SkillID); len(missing) > 0 {
		granted := cb.OnPermissionsNeeded != nil && cb.OnPermissionsNeeded(binding.SkillID, missing)
		if granted {
			// The collaborator claims the grant happened; trust the gate,
			// not the claim.
			missing = l.missingPermissions(binding.SkillID)
		}
		if len(missing) > 0 {
			return result(fmt.Sprintf("Tool %s unavailable: missing permissions %s",
				call.Name, strings.Join(missing, ", ")), true)
		}
	}

	res, err := l.registry.Execute(ctx, call.Name, call.Params, l.cfg.Tier)
	if err != nil {
		return result(res.Text(), true)
	}
	if res.IsApproval() {
		// The skill itself asked for approval at execution time.
		approved := l.requestApproval(ctx, sessionID, binding, call, cb)
		if !approved {
			return result(fmt.Sprintf("The user declined to approve %s. Do not retry it.", call.Name), true)
		}
		res, err = l.registry.Execute(ctx, call.Name, call.Params, l.cfg.Tier)
		if err != nil {
			return result(res.Text(), true)
		}
	}
	return result(res.Text(), res.IsError())
}

func (l *Loop) requestApproval(ctx context.Context, sessionID string, binding skills.Binding, call model.ToolCall, cb Callbacks) bool {
	desc := binding.Def.Description
	req := ApprovalRequest{
		SkillID:     binding.SkillID,
		Tool:        call.Name,
		Description: desc,
		Params:      call.Params,
	}
	if l.events != nil {
		l.events.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			SessionID: sessionID, Tool: call.Name, Description: desc,
		})
	}
	approved := false
	if cb.RequestApproval != nil {
		approved = cb.RequestApproval(ctx, req)
	}
	if l.events != nil {
		l.events.Publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
			SessionID: sessionID, Tool: call.Name, Description: desc, Approved: approved,
		})
	}
	return approved
}

func (l *Loop) missingPermissions(skillID string) []string {
	if l.gate == nil {
		return nil
	}
	for _, s := range l.registry.All() {
		if s.ID() != skillID {
			continue
		}
		pa, ok := s.(skills.PermissionAware)
		if !ok {
			return nil
		}
		return l.gate.Missing(skillID, pa.RequiredPermissions())
	}
	return nil
}

func (l *Loop) systemContext(composed *skills.Composed) string {
	var sb strings.Builder
	persona := strings.TrimSpace(l.cfg.Persona)
	if persona == "" {
		persona = "You are Vigil, an on-device assistant. Act through your tools; " +
			"prefer doing over asking. Keep replies short and concrete."
	}
	sb.WriteString(persona)
	if manifest := composed.Render(); manifest != "" {
		sb.WriteString("\n\n# Available tools\n\n")
		sb.WriteString(manifest)
	}
	return sb.String()
}

func (l *Loop) loadHistory(ctx context.Context, sessionID string) []model.Message {
	if l.store == nil {
		return nil
	}
	turns, err := l.store.RecentTurns(ctx, sessionID, l.cfg.HistoryLimit)
	if err != nil {
		l.logger.Warn("load history failed", "session_id", sessionID, "error", err)
		return nil
	}
	msgs := make([]model.Message, 0, len(turns))
	for _, tr := range turns {
		switch tr.Role {
		case "user":
			msgs = append(msgs, model.Message{Role: model.RoleUser, Text: tr.Content})
		case "assistant":
			msgs = append(msgs, model.Message{Role: model.RoleAssistant, Text: tr.Content})
		}
	}
	return msgs
}

func (l *Loop) persist(ctx context.Context, sessionID, role, content string) {
	if l.store == nil || strings.TrimSpace(content) == "" {
		return
	}
	if err := l.store.AppendTurn(ctx, sessionID, role, content); err != nil {
		l.logger.Warn("persist turn failed", "session_id", sessionID, "role", role, "error", err)
	}
}

func toolSpecs(composed *skills.Composed) []model.ToolSpec {
	bindings := composed.Tools()
	specs := make([]model.ToolSpec, 0, len(bindings))
	for _, b := range bindings {
		specs = append(specs, model.ToolSpec{
			Name:        b.Def.Name,
			Description: b.Def.Description,
			InputSchema: b.Def.InputSchema,
		})
	}
	return specs
}
