package remote

import (
	"context"

	"github.com/harunnryd/kirana/pkg/tool"
)

// Bind lists the session's tools and registers each one locally, so the
// backend sees remote tools next to native ones. Names collide
// last-write-wins, same as local registration.
func Bind(ctx context.Context, registry *tool.Registry, session *Session) ([]string, error) {
	descriptors, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	var bound []string
	for _, desc := range descriptors {
		entry := tool.Entry{
			Name:        desc.Name,
			Description: desc.Description,
			Schema:      schemaFromJSON(desc.InputSchema),
			Handler:     invokeHandler(session, desc.Name),
		}
		if err := registry.RegisterEntry(entry); err != nil {
			return bound, err
		}
		bound = append(bound, desc.Name)
	}
	return bound, nil
}

func invokeHandler(session *Session, name string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return session.Invoke(ctx, name, args)
	}
}

// schemaFromJSON lifts a JSON Schema object document into a local tool
// schema. Nested object detail beyond the top-level parameters is dropped;
// the remote server re-validates on its side anyway.
func schemaFromJSON(doc map[string]any) tool.Schema {
	schema := tool.Schema{Params: map[string]tool.Param{}}
	props, _ := doc["properties"].(map[string]any)
	required := map[string]bool{}
	if raw, ok := doc["required"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				required[s] = true
			}
		}
	}
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		typeName, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		schema.Params[name] = tool.Param{
			Type:        mapParamType(typeName),
			Description: desc,
			Required:    required[name],
		}
	}
	return schema
}

// mapParamType narrows a remote type tag to the local set. Anything the
// local schema cannot express, like "null" or a union, degrades to object
// rather than failing registration for the whole remote.
func mapParamType(name string) tool.ParamType {
	switch t := tool.ParamType(name); t {
	case tool.TypeString, tool.TypeNumber, tool.TypeInteger, tool.TypeBoolean, tool.TypeArray, tool.TypeObject:
		return t
	default:
		return tool.TypeObject
	}
}
