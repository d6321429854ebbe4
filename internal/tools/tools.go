// Package tools holds the typed capability registry the executor dispatches to.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/gatekeep/internal/approval"
	"github.com/basket/gatekeep/internal/shared"
)

// ArgSchema is a JSON Schema document describing one action's arguments.
type ArgSchema string

// Result is what a capability returns for one step.
type Result struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}

// Capability is one tool. Capabilities maps each action to its argument schema.
type Capability interface {
	Name() string
	Capabilities() map[string]ArgSchema
	Execute(ctx context.Context, action string, args map[string]any, a approval.Approval) (Result, error)
}

// Streamer is implemented by capabilities that can emit output incrementally.
type Streamer interface {
	ExecuteStream(ctx context.Context, action string, args map[string]any, a approval.Approval, emit func(chunk string)) (Result, error)
}

type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	schemas map[string]*jsonschema.Schema // keyed by tool.action
}

func NewRegistry() *Registry {
	return &Registry{
		caps:    make(map[string]Capability),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds c and compiles its action schemas. A duplicate name or an
// invalid schema is an error and leaves the registry unchanged.
func (r *Registry) Register(c Capability) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("register capability: empty name")
	}
	compiled := make(map[string]*jsonschema.Schema)
	for action, schema := range c.Capabilities() {
		s, err := compileSchema(name+"."+action, schema)
		if err != nil {
			return fmt.Errorf("register %s.%s: %w", name, action, err)
		}
		compiled[name+"."+action] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("register capability: %s already registered", name)
	}
	r.caps[name] = c
	for k, s := range compiled {
		r.schemas[k] = s
	}
	return nil
}

func compileSchema(id string, schema ArgSchema) (*jsonschema.Schema, error) {
	if schema == "" {
		schema = `{"type":"object"}`
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := id + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func (r *Registry) Lookup(tool string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[tool]
	return c, ok
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Known reports whether tool exposes action.
func (r *Registry) Known(tool, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[tool+"."+action]
	return ok
}

// ValidateCall checks that tool and action exist and that args satisfy the
// action's schema.
func (r *Registry) ValidateCall(tool, action string, args map[string]any) error {
	const op = "tools.validate_call"
	r.mu.RLock()
	_, ok := r.caps[tool]
	schema := r.schemas[tool+"."+action]
	r.mu.RUnlock()
	if !ok {
		return shared.ValidationError(op, "unknown tool %q", tool)
	}
	if schema == nil {
		return shared.ValidationError(op, "tool %s has no action %q", tool, action)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers arrive as json.Number and typed
	// slices as []any, which is what the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return shared.ValidationError(op, "arguments for %s.%s are not serialisable", tool, action)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return shared.ValidationError(op, "arguments for %s.%s are not valid JSON", tool, action)
	}
	if err := schema.Validate(doc); err != nil {
		return shared.ValidationError(op, "arguments for %s.%s do not match schema: %s", tool, action, shared.SafeText(err.Error(), 200))
	}
	return nil
}

// Describe returns each tool's actions in sorted order.
func (r *Registry) Describe() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.caps))
	for name, c := range r.caps {
		actions := make([]string, 0)
		for action := range c.Capabilities() {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		out[name] = actions
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
