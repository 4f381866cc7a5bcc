package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles tool input schemas lazily and memoizes them per
// skill+tool. Entries are invalidated when a skill is re-registered, since
// a replacement may carry different schemas under the same tool names.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (sc *schemaCache) invalidate(skillID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	prefix := skillID + "/"
	for k := range sc.compiled {
		if strings.HasPrefix(k, prefix) {
			delete(sc.compiled, k)
		}
	}
}

func (sc *schemaCache) get(skillID string, def ToolDefinition) (*jsonschema.Schema, error) {
	key := skillID + "/" + def.Name
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if s, ok := sc.compiled[key]; ok {
		return s, nil
	}
	s, err := compileSchema(def.InputSchema)
	if err != nil {
		return nil, err
	}
	sc.compiled[key] = s
	return s, nil
}

// validate checks params against the tool's input schema. The params map is
// round-tripped through jsonschema.UnmarshalJSON so numbers validate as
// json.Number, which the validator requires for integer constraints.
func (sc *schemaCache) validate(skillID string, def ToolDefinition, params map[string]any) error {
	schema, err := sc.get(skillID, def)
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}

func compileSchema(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}
