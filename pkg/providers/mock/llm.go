// Package mock provides a scriptable backend for tests and offline runs.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/llm"
)

// Step is one scripted backend turn: either a response or an error.
type Step struct {
	Response llm.Response
	Err      error
}

// Backend replays a fixed script of responses, recording every input it
// receives. Once the script is exhausted it echoes the last user turn.
type Backend struct {
	mu     sync.Mutex
	script []Step
	calls  []llm.Context
}

func New(script ...Step) *Backend {
	return &Backend{script: script}
}

// Reply scripts a plain-text final answer.
func Reply(text string) Step {
	return Step{Response: llm.Response{Text: text, FinishReason: "stop"}}
}

// CallTools scripts a response requesting the given tool invocations.
func CallTools(calls ...llm.ToolCall) Step {
	return Step{Response: llm.Response{ToolCalls: calls, FinishReason: "tool_calls"}}
}

// Fail scripts a transport error.
func Fail(err error) Step {
	return Step{Err: err}
}

func (b *Backend) Generate(_ context.Context, input llm.Context) (llm.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, input)
	if len(b.script) > 0 {
		step := b.script[0]
		b.script = b.script[1:]
		if step.Err != nil {
			return llm.Response{}, step.Err
		}
		return step.Response, nil
	}
	return llm.Response{Text: "echo: " + lastUserText(input.Turns), FinishReason: "stop"}, nil
}

func (b *Backend) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	resp, err := b.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 8)
	go func() {
		defer close(out)
		for _, word := range strings.Fields(resp.Text) {
			select {
			case out <- word + " ":
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Backend) Name() string { return "mock" }

// Calls returns every input Generate has received, in order.
func (b *Backend) Calls() []llm.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]llm.Context, len(b.calls))
	copy(out, b.calls)
	return out
}

// Remaining reports how many scripted steps are still unplayed.
func (b *Backend) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.script)
}

func lastUserText(turns []conversation.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == conversation.RoleUser {
			return turns[i].Text()
		}
	}
	return ""
}
