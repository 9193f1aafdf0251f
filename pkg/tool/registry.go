package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harunnryd/kirana/pkg/llm"
)

// UnknownToolError reports a resolve against a name never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ArgumentMismatchError lists why a backend-provided argument map does not
// satisfy a tool's declared schema.
type ArgumentMismatchError struct {
	Name       string
	Missing    []string
	Mismatches []string
}

func (e *ArgumentMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Mismatches) > 0 {
		parts = append(parts, strings.Join(e.Mismatches, "; "))
	}
	if len(parts) == 0 {
		parts = append(parts, "arguments do not match schema")
	}
	return fmt.Sprintf("tool %q: %s", e.Name, strings.Join(parts, "; "))
}

// Entry is one registered tool.
type Entry struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

// Registry maps tool names to schemas and handlers. Registering under an
// existing name replaces the previous entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]compiledEntry
}

type compiledEntry struct {
	entry  Entry
	schema *gojsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]compiledEntry)}
}

// Register inserts a tool, replacing any entry under the same name. The
// schema must be structurally well-formed; handler behavior is not checked.
func (r *Registry) Register(name string, schema Schema, handler Handler) error {
	return r.RegisterEntry(Entry{Name: name, Schema: schema, Handler: handler})
}

// RegisterEntry is Register with a description attached.
func (r *Registry) RegisterEntry(e Entry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return &SchemaError{Tool: e.Name, Detail: "tool name is empty"}
	}
	if e.Handler == nil {
		return &SchemaError{Tool: name, Detail: "handler is nil"}
	}
	if err := e.Schema.wellFormed(name); err != nil {
		return err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(e.Schema.JSONSchema()))
	if err != nil {
		return &SchemaError{Tool: name, Detail: err.Error()}
	}
	e.Name = name

	r.mu.Lock()
	r.entries[name] = compiledEntry{entry: e, schema: compiled}
	r.mu.Unlock()
	return nil
}

// Resolve returns the entry registered under name.
func (r *Registry) Resolve(name string) (Entry, error) {
	r.mu.RLock()
	ce, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, &UnknownToolError{Name: name}
	}
	return ce.entry, nil
}

// Validate checks a backend-provided argument map against the declared
// schema. The backend's intent is untrusted input; dispatch must call this
// before invoking a handler.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	ce, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := ce.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ArgumentMismatchError{Name: name, Mismatches: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	mismatch := &ArgumentMismatchError{Name: name}
	for _, desc := range result.Errors() {
		if desc.Type() == "required" {
			if prop, ok := desc.Details()["property"].(string); ok {
				mismatch.Missing = append(mismatch.Missing, prop)
				continue
			}
		}
		mismatch.Mismatches = append(mismatch.Mismatches, desc.String())
	}
	sort.Strings(mismatch.Missing)
	return mismatch
}

// Execute resolves, validates, and runs a tool in one step.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	entry, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(name, args); err != nil {
		return nil, err
	}
	return entry.Handler(ctx, args)
}

// Tools renders all entries as backend tool declarations, sorted by name so
// downstream context stays deterministic.
func (r *Registry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		e := r.entries[name].entry
		out = append(out, llm.Tool{
			Name:        e.Name,
			Description: e.Description,
			Schema:      e.Schema.JSONSchema(),
		})
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
