// Package model abstracts the language model behind a narrow contract: a
// message list and a tool manifest go in, a stream of text plus a set of
// tool calls comes out. The caller owns tool execution.
package model

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolSpec is the model-facing description of one callable tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// Ref correlates the call with its result across turns. Provider
	// assigned; may be empty for providers that match by name.
	Ref    string
	Name   string
	Params map[string]any
}

// ToolResult is the outcome of a dispatched tool call, fed back to the
// model on the next turn.
type ToolResult struct {
	Ref     string
	Name    string
	Payload string
	IsError bool
}

// Message is one entry of the conversation. Assistant messages may carry
// tool calls, tool messages carry results, user messages carry text.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is a single model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Turn is the model's reply to one Request. A turn with tool calls means
// the caller should execute them and re-invoke with the results appended;
// a turn without tool calls is terminal.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
}

// Client generates one model turn. onToken receives text deltas as they
// arrive and may be nil; returning an error from it aborts the turn.
type Client interface {
	Complete(ctx context.Context, req Request, onToken func(string) error) (*Turn, error)
}
