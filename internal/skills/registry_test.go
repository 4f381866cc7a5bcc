package skills

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSkill struct {
	id        string
	name      string
	base      Manifest
	priv      *Manifest
	perms     []string
	execFn    func(ctx context.Context, tool string, params map[string]any, tier Tier) Result
	execCalls int
}

func (f *fakeSkill) ID() string                    { return f.id }
func (f *fakeSkill) Name() string                  { return f.name }
func (f *fakeSkill) BaseManifest() Manifest        { return f.base }
func (f *fakeSkill) PrivilegedManifest() *Manifest { return f.priv }

func (f *fakeSkill) Execute(ctx context.Context, tool string, params map[string]any, tier Tier) Result {
	f.execCalls++
	if f.execFn != nil {
		return f.execFn(ctx, tool, params, tier)
	}
	return Success("ok from " + f.id)
}

func echoSkill() *fakeSkill {
	return &fakeSkill{
		id:   "echo",
		name: "Echo",
		base: Manifest{
			Description: "Repeats text back.",
			Tools: []ToolDefinition{
				{Name: "say", Description: "say something", InputSchema: json.RawMessage(
					`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)},
			},
		},
		execFn: func(_ context.Context, _ string, params map[string]any, _ Tier) Result {
			text, _ := params["text"].(string)
			return Success(text)
		},
	}
}

func deviceSkill() *fakeSkill {
	return &fakeSkill{
		id:   "device",
		name: "Device",
		base: Manifest{
			Description: "Device readings.",
			Tools:       []ToolDefinition{{Name: "battery", Description: "battery level"}},
		},
		priv: &Manifest{
			Tools: []ToolDefinition{{Name: "reboot", Description: "reboot device", RequiresApproval: true}},
		},
	}
}

func TestRegisterLastWinsKeepsOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())
	r.Register(deviceSkill())

	replacement := echoSkill()
	replacement.name = "Echo v2"
	r.Register(replacement)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(all))
	}
	if all[0].ID() != "echo" || all[0].Name() != "Echo v2" {
		t.Errorf("replacement did not keep position: got %s/%s", all[0].ID(), all[0].Name())
	}
	if all[1].ID() != "device" {
		t.Errorf("expected device second, got %s", all[1].ID())
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())
	r.Unregister("echo")
	r.Unregister("echo")
	r.Unregister("never-registered")
	if got := len(r.All()); got != 0 {
		t.Fatalf("expected empty registry, got %d skills", got)
	}
}

func TestComposeTierFiltering(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())
	r.Register(deviceSkill())

	base, err := r.Compose(TierBase, nil)
	if err != nil {
		t.Fatalf("compose base: %v", err)
	}
	if _, ok := base.Lookup("reboot"); ok {
		t.Error("privileged tool visible at base tier")
	}
	if _, ok := base.Lookup("battery"); !ok {
		t.Error("base tool missing at base tier")
	}

	priv, err := r.Compose(TierPrivileged, nil)
	if err != nil {
		t.Fatalf("compose privileged: %v", err)
	}
	b, ok := priv.Lookup("reboot")
	if !ok {
		t.Fatal("privileged tool missing at privileged tier")
	}
	if !b.Privileged || !b.Def.RequiresApproval {
		t.Errorf("reboot binding = %+v, want privileged + requires approval", b)
	}
}

func TestComposeEnabledFilter(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())
	r.Register(deviceSkill())

	c, err := r.Compose(TierBase, []string{"device"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if _, ok := c.Lookup("say"); ok {
		t.Error("disabled skill's tool should not compose")
	}
	if _, ok := c.Lookup("battery"); !ok {
		t.Error("enabled skill's tool missing")
	}
}

func TestComposeCrossSkillCollision(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())
	clash := &fakeSkill{
		id:   "parrot",
		name: "Parrot",
		base: Manifest{Tools: []ToolDefinition{{Name: "say", Description: "also says"}}},
	}
	r.Register(clash)

	_, err := r.Compose(TierBase, nil)
	var ce *CollisionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if ce.Tool != "say" {
		t.Errorf("collision tool = %q, want say", ce.Tool)
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		params   map[string]any
		tier     Tier
		wantErr  error
		wantText string
	}{
		{
			name:     "success",
			tool:     "say",
			params:   map[string]any{"text": "hello"},
			tier:     TierBase,
			wantText: "hello",
		},
		{
			name:    "unknown tool",
			tool:    "fly",
			tier:    TierBase,
			wantErr: ErrUnknownTool,
		},
		{
			name:    "privileged tool at base tier",
			tool:    "reboot",
			tier:    TierBase,
			wantErr: ErrPrivilegeDenied,
		},
		{
			name:    "schema violation",
			tool:    "say",
			params:  map[string]any{"text": 42},
			tier:    TierBase,
			wantErr: ErrInvalidParams,
		},
		{
			name:    "missing required param",
			tool:    "say",
			params:  map[string]any{},
			tier:    TierBase,
			wantErr: ErrInvalidParams,
		},
		{
			name:     "privileged tool at privileged tier",
			tool:     "reboot",
			tier:     TierPrivileged,
			wantText: "ok from device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(testLogger())
			r.Register(echoSkill())
			r.Register(deviceSkill())

			res, err := r.Execute(context.Background(), tt.tool, tt.params, tt.tier)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !res.IsError() {
					t.Error("dispatch failure should also carry an error Result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Text() != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text(), tt.wantText)
			}
		})
	}
}

func TestExecutePanicContained(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(&fakeSkill{
		id:   "boom",
		name: "Boom",
		base: Manifest{Tools: []ToolDefinition{{Name: "explode", Description: "panics"}}},
		execFn: func(context.Context, string, map[string]any, Tier) Result {
			panic("kaboom")
		},
	})

	res, err := r.Execute(context.Background(), "explode", nil, TierBase)
	if err != nil {
		t.Fatalf("panic must not surface as a dispatch error: %v", err)
	}
	if !res.IsError() {
		t.Fatal("panic should produce an error Result")
	}
}

func TestExecuteReRegisteredSkillUsesNewSchema(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(echoSkill())

	loose := echoSkill()
	loose.base.Tools[0].InputSchema = json.RawMessage(`{"type":"object"}`)
	r.Register(loose)

	if _, err := r.Execute(context.Background(), "say", map[string]any{}, TierBase); err != nil {
		t.Fatalf("replacement schema not honored: %v", err)
	}
}

func TestRenderManifest(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(deviceSkill())

	c, err := r.Compose(TierPrivileged, nil)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	out := c.Render()
	for _, want := range []string{"## Device", "battery", "reboot", "(requires approval)"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered manifest missing %q:\n%s", want, out)
		}
	}
}

func TestNeedsApprovalResult(t *testing.T) {
	res := NeedsApproval("wipe all data")
	if !res.IsApproval() || res.IsError() {
		t.Fatalf("unexpected result kind: %+v", res)
	}
	if res.Text() != "wipe all data" {
		t.Errorf("text = %q", res.Text())
	}
}
