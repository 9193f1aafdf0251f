package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/llm"
	"github.com/harunnryd/kirana/pkg/resilience"
)

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) MapTools(tools []llm.Tool) any {
	var out []map[string]any
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	return out
}

// mapTurns renders the conversation history as chat-completions messages.
// Assistant turns that requested tools carry tool_calls; tool turns become
// role "tool" messages bound by tool_call_id.
func mapTurns(input llm.Context) []map[string]any {
	out := make([]map[string]any, 0, len(input.Turns)+1)
	if input.System != "" {
		out = append(out, map[string]any{"role": "system", "content": input.System})
	}
	for _, turn := range input.Turns {
		switch turn.Role {
		case conversation.RoleUser:
			out = append(out, map[string]any{"role": "user", "content": userContent(turn.Parts)})
		case conversation.RoleAssistant:
			msg := map[string]any{"role": "assistant", "content": turn.Text()}
			if len(turn.Requests) > 0 {
				var calls []map[string]any
				for _, req := range turn.Requests {
					argsJSON, _ := json.Marshal(req.Arguments)
					calls = append(calls, map[string]any{
						"id":   req.ID,
						"type": "function",
						"function": map[string]any{
							"name":      req.Name,
							"arguments": string(argsJSON),
						},
					})
				}
				msg["tool_calls"] = calls
			}
			out = append(out, msg)
		case conversation.RoleTool:
			if turn.Result == nil {
				continue
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": turn.Result.ID,
				"content":      toolContent(*turn.Result),
			})
		}
	}
	return out
}

func userContent(parts []conversation.Part) any {
	hasBlob := false
	for _, p := range parts {
		if len(p.Data) > 0 {
			hasBlob = true
			break
		}
	}
	if !hasBlob {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	var items []map[string]any
	for _, p := range parts {
		if len(p.Data) > 0 {
			items = append(items, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
				},
			})
			continue
		}
		items = append(items, map[string]any{"type": "text", "text": p.Text})
	}
	return items
}

func toolContent(result conversation.ToolResult) string {
	if result.Error != "" {
		b, _ := json.Marshal(map[string]any{"error": result.Error})
		return string(b)
	}
	b, err := json.Marshal(result.Value)
	if err != nil {
		return "null"
	}
	return string(b)
}

func (a *Adapter) FromProviderFormat(raw map[string]any) (llm.Response, error) {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	resp := llm.Response{Text: content}
	if reason, _ := first["finish_reason"].(string); reason != "" {
		resp.FinishReason = reason
	}
	if tc, ok := msg["tool_calls"].([]any); ok {
		for _, item := range tc {
			call, _ := item.(map[string]any)
			fn, _ := call["function"].(map[string]any)
			argsRaw, _ := fn["arguments"].(string)
			args := map[string]any{}
			_ = json.Unmarshal([]byte(argsRaw), &args)
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        stringValue(call["id"]),
				Name:      stringValue(fn["name"]),
				Arguments: args,
			})
		}
	}
	if usage, ok := raw["usage"].(map[string]any); ok {
		resp.Usage = llm.Usage{
			PromptTokens:     intValue(usage["prompt_tokens"]),
			CompletionTokens: intValue(usage["completion_tokens"]),
			TotalTokens:      intValue(usage["total_tokens"]),
		}
	}
	return resp, nil
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input, false)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, errors.New(string(body))
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return a.FromProviderFormat(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	body, err := a.buildRequest(input, true)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(string(body))
	}
	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			choices, _ := chunk["choices"].([]any)
			if len(choices) == 0 {
				continue
			}
			first, _ := choices[0].(map[string]any)
			delta, _ := first["delta"].(map[string]any)
			if text, _ := delta["content"].(string); text != "" {
				select {
				case <-ctx.Done():
					return
				case out <- text:
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": mapTurns(input),
	}
	if len(input.Tools) > 0 {
		req["tools"] = a.MapTools(input.Tools)
		req["tool_choice"] = "auto"
	}
	if input.Options.Temperature != nil {
		req["temperature"] = *input.Options.Temperature
	}
	if input.Options.MaxOutputTokens > 0 {
		req["max_tokens"] = input.Options.MaxOutputTokens
	}
	if len(input.Options.StopSequences) > 0 {
		req["stop"] = input.Options.StopSequences
	}
	if stream {
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	f, _ := v.(float64)
	return int(f)
}
