package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ParamType is the declared type tag of one tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

func (p ParamType) valid() bool {
	switch p {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Param declares one named tool parameter.
type Param struct {
	Type        ParamType
	Description string
	Required    bool
}

// Schema declares the parameters a tool accepts.
type Schema struct {
	Params map[string]Param
}

// SchemaError reports a structurally malformed schema at registration time.
type SchemaError struct {
	Tool   string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("tool %q: invalid schema: %s", e.Tool, e.Detail)
}

// wellFormed checks the structural invariant: every parameter named and
// carrying a known type tag. Handler behavior is never validated.
func (s Schema) wellFormed(tool string) error {
	for name, p := range s.Params {
		if strings.TrimSpace(name) == "" {
			return &SchemaError{Tool: tool, Detail: "parameter with empty name"}
		}
		if !p.Type.valid() {
			return &SchemaError{Tool: tool, Detail: fmt.Sprintf("parameter %q has unknown type %q", name, p.Type)}
		}
	}
	return nil
}

// JSONSchema renders the declaration as a JSON Schema object document, the
// form both backends and the argument validator consume.
func (s Schema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Params))
	var required []string
	for name, p := range s.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Handler executes a tool invocation. Arguments arrive pre-validated
// against the declared schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)
