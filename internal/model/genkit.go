package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	obs "github.com/stoatlabs/vigil/internal/otel"
)

// Config selects the LLM provider backing the Genkit client.
type Config struct {
	// Provider is one of "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// openai_compatible only.
	CompatProvider string
	CompatBaseURL  string

	// Tracer records a client span per model turn when set.
	Tracer trace.Tracer
}

// GenkitClient implements Client on top of Genkit. Tool definitions are
// registered lazily from the manifests the caller passes in; the functions
// behind them are never run because every generate call asks for tool
// requests back instead of auto-execution.
type GenkitClient struct {
	g      *genkit.Genkit
	cfg    Config
	llmOn  bool
	logger *slog.Logger

	toolMu  sync.Mutex
	defined map[string]ai.Tool
}

// NewGenkitClient initializes Genkit with the configured provider. A
// missing API key degrades to a deterministic offline reply rather than
// failing startup.
func NewGenkitClient(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitClient {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatBaseURL,
			}))
			llmOn = true
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		}
	default:
		logger.Warn("unknown LLM provider, using offline fallback", "provider", provider)
	}

	if g == nil {
		g = genkit.Init(ctx)
	}
	if llmOn {
		logger.Info("genkit client initialized", "provider", provider, "model", modelNameFor(cfg))
	} else {
		logger.Warn("LLM API key missing; using offline fallback", "provider", provider)
	}

	return &GenkitClient{
		g:       g,
		cfg:     cfg,
		llmOn:   llmOn,
		logger:  logger,
		defined: make(map[string]ai.Tool),
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameFor(cfg Config) string {
	m := strings.TrimSpace(cfg.Model)
	switch cfg.Provider {
	case "anthropic":
		if m == "" {
			m = "claude-sonnet-4-5"
		}
		return "anthropic/" + m
	case "openai":
		if m == "" {
			m = "gpt-4o"
		}
		return "openai/" + m
	case "openai_compatible", "openrouter":
		return m
	default:
		if m == "" {
			m = "gemini-2.5-flash"
		}
		return "googleai/" + m
	}
}

// Complete runs one model turn. Tool calls are returned to the caller
// instead of being executed inside Genkit.
func (c *GenkitClient) Complete(ctx context.Context, req Request, onToken func(string) error) (*Turn, error) {
	if !c.llmOn {
		text := "The assistant is offline until an LLM API key is configured."
		if onToken != nil {
			if err := onToken(text); err != nil {
				return nil, err
			}
		}
		return &Turn{Text: text}, nil
	}

	if c.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = obs.StartClientSpan(ctx, c.cfg.Tracer, "llm.generate",
			obs.AttrModel.String(modelNameFor(c.cfg)))
		defer span.End()
	}

	refs, err := c.toolRefs(req.Tools)
	if err != nil {
		return nil, err
	}

	opts := []ai.GenerateOption{ai.WithModelName(modelNameFor(c.cfg))}
	if sys := strings.TrimSpace(req.System); sys != "" {
		// Escape % to keep ai.WithSystem's fmt handling from corrupting it.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(sys, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...))
		opts = append(opts, ai.WithReturnToolRequests(true))
	}

	if onToken == nil {
		resp, err := genkit.Generate(ctx, c.g, opts...)
		if err != nil {
			return nil, fmt.Errorf("genkit generate: %w", err)
		}
		return turnFromResponse(resp), nil
	}

	stream := genkit.GenerateStream(ctx, c.g, opts...)
	var text strings.Builder
	var final *ai.ModelResponse
	for streamVal, err := range stream {
		if err != nil {
			return nil, fmt.Errorf("genkit stream: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onToken(part.Text); err != nil {
						return nil, err
					}
					text.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			final = streamVal.Response
		}
	}

	turn := &Turn{Text: text.String()}
	if final != nil {
		full := turnFromResponse(final)
		turn.ToolCalls = full.ToolCalls
		if turn.Text == "" {
			turn.Text = full.Text
		}
	}
	return turn, nil
}

// toolRefs registers manifest tools with Genkit, once per name. The bound
// functions are unreachable because tool requests are returned to the
// caller; a changed schema under a reused name requires a process restart.
func (c *GenkitClient) toolRefs(specs []ToolSpec) ([]ai.ToolRef, error) {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	refs := make([]ai.ToolRef, 0, len(specs))
	for _, spec := range specs {
		if t, ok := c.defined[spec.Name]; ok {
			refs = append(refs, t)
			continue
		}
		schema, err := inputSchemaMap(spec.Name, spec.InputSchema)
		if err != nil {
			return nil, err
		}
		tool := genkit.DefineToolWithInputSchema(c.g, spec.Name, spec.Description, schema,
			func(_ *ai.ToolContext, _ any) (any, error) {
				return nil, fmt.Errorf("tool %s must be dispatched by the caller", spec.Name)
			})
		c.defined[spec.Name] = tool
		refs = append(refs, tool)
	}
	return refs, nil
}

// inputSchemaMap decodes a tool's raw JSON-Schema document into the map
// form genkit registers. An empty document becomes a bare object schema.
func inputSchemaMap(name string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}, nil
	}
	schema := map[string]any{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("tool %s: parse input schema: %w", name, err)
	}
	return schema, nil
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			out = append(out, ai.NewUserTextMessage(m.Text))
		case RoleAssistant:
			parts := []*ai.Part{}
			if m.Text != "" {
				parts = append(parts, ai.NewTextPart(m.Text))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   tc.Ref,
					Name:  tc.Name,
					Input: tc.Params,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &ai.Message{Role: ai.RoleModel, Content: parts})
		case RoleTool:
			parts := make([]*ai.Part, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    tr.Ref,
					Name:   tr.Name,
					Output: tr.Payload,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &ai.Message{Role: ai.RoleTool, Content: parts})
		}
	}
	return out
}

func turnFromResponse(resp *ai.ModelResponse) *Turn {
	turn := &Turn{}
	if resp == nil || resp.Message == nil {
		return turn
	}
	var text strings.Builder
	for _, part := range resp.Message.Content {
		switch {
		case part.IsText():
			text.WriteString(part.Text)
		case part.IsToolRequest():
			tr := part.ToolRequest
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				Ref:    tr.Ref,
				Name:   tr.Name,
				Params: paramsFromInput(tr.Input),
			})
		}
	}
	turn.Text = text.String()
	return turn
}

// paramsFromInput normalizes a provider-decoded tool input into a string
// map, round-tripping through JSON when the concrete type differs.
func paramsFromInput(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return map[string]any{}
		}
		return m
	}
}
