package model

import (
	"encoding/json"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestModelNameFor(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"google default", Config{Provider: "google"}, "googleai/gemini-2.5-flash"},
		{"google explicit", Config{Provider: "google", Model: "gemini-2.5-pro"}, "googleai/gemini-2.5-pro"},
		{"anthropic", Config{Provider: "anthropic", Model: "claude-sonnet-4-5"}, "anthropic/claude-sonnet-4-5"},
		{"openai", Config{Provider: "openai", Model: "gpt-4o"}, "openai/gpt-4o"},
		{"openrouter keeps full name", Config{Provider: "openrouter", Model: "meta/llama-3"}, "meta/llama-3"},
		{"compat passes through", Config{Provider: "openai_compatible", Model: "local-model"}, "local-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modelNameFor(tt.cfg); got != tt.want {
				t.Errorf("modelNameFor(%+v) = %q, want %q", tt.cfg, got, tt.want)
			}
		})
	}
}

func TestInputSchemaMap(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantErr bool
	}{
		{"empty defaults to object", "", "type", false},
		{"object schema decoded", `{"type":"object","properties":{"text":{"type":"string"}}}`, "properties", false},
		{"invalid JSON", `{"type":`, "", true},
		{"non-object document", `["not","a","schema"]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inputSchemaMap("say", json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("inputSchemaMap: %v", err)
			}
			if _, ok := got[tt.wantKey]; !ok {
				t.Errorf("schema map missing %q: %v", tt.wantKey, got)
			}
		})
	}
}

func TestToGenkitMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "check the battery"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Ref: "1", Name: "battery", Params: map[string]any{}}}},
		{Role: RoleTool, ToolResults: []ToolResult{{Ref: "1", Name: "battery", Payload: "82%"}}},
		{Role: RoleAssistant, Text: "Battery is at 82%."},
		{Role: RoleUser, Text: "   "}, // blank user turns are dropped
	}

	out := toGenkitMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if out[0].Role != ai.RoleUser {
		t.Errorf("msg[0] role = %v", out[0].Role)
	}
	if out[1].Role != ai.RoleModel || !out[1].Content[0].IsToolRequest() {
		t.Errorf("msg[1] should be a model tool request")
	}
	if out[2].Role != ai.RoleTool || !out[2].Content[0].IsToolResponse() {
		t.Errorf("msg[2] should be a tool response")
	}
	if out[3].Content[0].Text != "Battery is at 82%." {
		t.Errorf("msg[3] text = %q", out[3].Content[0].Text)
	}
}

func TestTurnFromResponse(t *testing.T) {
	resp := &ai.ModelResponse{
		Message: &ai.Message{
			Role: ai.RoleModel,
			Content: []*ai.Part{
				ai.NewTextPart("Let me check."),
				ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   "call-1",
					Name:  "say",
					Input: map[string]any{"text": "hello"},
				}),
			},
		},
	}
	turn := turnFromResponse(resp)
	if turn.Text != "Let me check." {
		t.Errorf("text = %q", turn.Text)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(turn.ToolCalls))
	}
	tc := turn.ToolCalls[0]
	if tc.Ref != "call-1" || tc.Name != "say" || tc.Params["text"] != "hello" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestTurnFromResponseNil(t *testing.T) {
	turn := turnFromResponse(nil)
	if turn.Text != "" || len(turn.ToolCalls) != 0 {
		t.Errorf("nil response should yield empty turn, got %+v", turn)
	}
}

func TestParamsFromInput(t *testing.T) {
	if got := paramsFromInput(nil); len(got) != 0 {
		t.Errorf("nil input: %v", got)
	}
	if got := paramsFromInput(map[string]any{"a": 1}); got["a"] != 1 {
		t.Errorf("map input not passed through: %v", got)
	}
	type in struct {
		Text string `json:"text"`
	}
	got := paramsFromInput(in{Text: "hi"})
	if got["text"] != "hi" {
		t.Errorf("struct input round-trip: %v", got)
	}
}
