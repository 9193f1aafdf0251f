package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role attributes a turn to one of the three conversation parties.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is one piece of turn content: plain text, or an opaque binary
// payload with its MIME type.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// BlobPart builds a binary content part.
func BlobPart(mimeType string, data []byte) Part {
	return Part{MIMEType: mimeType, Data: data}
}

// ToolRequest is a backend-originated request to invoke a named tool.
// Immutable once created; ID is the opaque correlation token.
type ToolRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult resolves exactly one prior ToolRequest. Either Value or Error
// is set, never both.
type ToolResult struct {
	ID    string
	Name  string
	Value any
	Error string
}

// Turn is one message in a session. Assistant turns may carry tool
// requests; tool turns carry exactly one result.
type Turn struct {
	ID        string
	Role      Role
	Parts     []Part
	Requests  []ToolRequest
	Result    *ToolResult
	CreatedAt time.Time
}

// NewUserTurn builds a user turn from content parts.
func NewUserTurn(parts ...Part) Turn {
	return Turn{ID: uuid.NewString(), Role: RoleUser, Parts: parts, CreatedAt: time.Now().UTC()}
}

// NewAssistantTurn builds an assistant turn with optional text and tool requests.
func NewAssistantTurn(text string, requests []ToolRequest) Turn {
	t := Turn{ID: uuid.NewString(), Role: RoleAssistant, Requests: requests, CreatedAt: time.Now().UTC()}
	if text != "" {
		t.Parts = []Part{TextPart(text)}
	}
	return t
}

// NewToolTurn builds a tool turn resolving one prior request.
func NewToolTurn(result ToolResult) Turn {
	return Turn{ID: uuid.NewString(), Role: RoleTool, Result: &result, CreatedAt: time.Now().UTC()}
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.MIMEType == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func cloneTurn(t Turn) Turn {
	out := t
	if len(t.Parts) > 0 {
		out.Parts = make([]Part, len(t.Parts))
		for i, p := range t.Parts {
			if len(p.Data) > 0 {
				p.Data = append([]byte(nil), p.Data...)
			}
			out.Parts[i] = p
		}
	}
	if len(t.Requests) > 0 {
		out.Requests = make([]ToolRequest, len(t.Requests))
		for i, req := range t.Requests {
			out.Requests[i] = cloneRequest(req)
		}
	}
	if t.Result != nil {
		res := *t.Result
		out.Result = &res
	}
	return out
}

func cloneRequest(req ToolRequest) ToolRequest {
	out := req
	if req.Arguments != nil {
		out.Arguments = make(map[string]any, len(req.Arguments))
		for k, v := range req.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}
