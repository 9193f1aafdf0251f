package llm

import (
	"context"

	"github.com/harunnryd/kirana/pkg/conversation"
)

// Tool describes one callable surfaced to the backend.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Options enumerates the recognized generation options.
type Options struct {
	// Temperature affects sampling randomness; nil leaves the provider default.
	Temperature *float32
	// MaxOutputTokens caps response length; zero leaves the provider default.
	MaxOutputTokens int
	// StopSequences halt generation early on match.
	StopSequences []string
}

// Context is the full input for one backend call: system prompt, turn
// history in creation order, tool declarations, and generation options.
type Context struct {
	System  string
	Turns   []conversation.Turn
	Tools   []Tool
	Options Options
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ToolCall is one tool invocation requested by the backend. ID is the
// correlation token the eventual result must carry.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response is one backend turn: either final text, or tool calls to resolve
// before re-querying.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Backend is a generation provider. Generate treats a backend turn as one
// logical unit; Stream yields the final answer incrementally for display
// and is a presentation concern only.
type Backend interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	Name() string
}
