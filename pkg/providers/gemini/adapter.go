// Package gemini adapts Google's Gemini API to the backend contract.
// Gemini does not issue correlation ids for function calls, so the adapter
// mints one per call and binds results back by function name.
package gemini

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/errorsx"
	"github.com/harunnryd/kirana/pkg/llm"
)

type Adapter struct {
	Model  string
	client *genai.Client
}

func NewAdapter(ctx context.Context, apiKey, model string) (*Adapter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonBackendGenerate)
	}
	return &Adapter{Model: model, client: client}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	model, history, last := a.prepare(input)
	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return llm.Response{}, err
	}
	return fromCandidates(resp), nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	model, history, last := a.prepare(input)
	cs := model.StartChat()
	cs.History = history
	iter := cs.SendMessageStream(ctx, last...)
	out := make(chan string, 128)
	go func() {
		defer close(out)
		if err := drainStream(ctx, iter, out); err != nil {
			// The string channel cannot carry errors, so a mid-stream
			// transport failure truncates output; at least make it visible.
			slog.Error("gemini_stream_interrupted", "model", a.Model, "error", err)
		}
	}()
	return out, nil
}

type streamIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// drainStream forwards candidate text until the iterator ends. Only
// iterator.Done is a clean end; any other error is returned.
func drainStream(ctx context.Context, iter streamIterator, out chan<- string) error {
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					select {
					case out <- string(text):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}

// prepare maps the generic context onto a configured model, chat history,
// and the parts of the newest turn. SendMessage wants the last turn split
// off from the history.
func (a *Adapter) prepare(input llm.Context) (*genai.GenerativeModel, []*genai.Content, []genai.Part) {
	model := a.client.GenerativeModel(a.Model)
	if input.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(input.System)}}
	}
	if input.Options.Temperature != nil {
		model.SetTemperature(*input.Options.Temperature)
	}
	if input.Options.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(int32(input.Options.MaxOutputTokens))
	}
	if len(input.Options.StopSequences) > 0 {
		model.StopSequences = input.Options.StopSequences
	}
	if len(input.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: mapDeclarations(input.Tools)}}
	}

	contents := mapTurns(input.Turns)
	if len(contents) == 0 {
		return model, nil, []genai.Part{genai.Text("")}
	}
	last := contents[len(contents)-1]
	return model, contents[:len(contents)-1], last.Parts
}

func mapTurns(turns []conversation.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleUser:
			content := &genai.Content{Role: "user"}
			for _, p := range turn.Parts {
				if len(p.Data) > 0 {
					content.Parts = append(content.Parts, genai.Blob{MIMEType: p.MIMEType, Data: p.Data})
					continue
				}
				content.Parts = append(content.Parts, genai.Text(p.Text))
			}
			out = append(out, content)
		case conversation.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if text := turn.Text(); text != "" {
				content.Parts = append(content.Parts, genai.Text(text))
			}
			for _, req := range turn.Requests {
				content.Parts = append(content.Parts, genai.FunctionCall{Name: req.Name, Args: req.Arguments})
			}
			out = append(out, content)
		case conversation.RoleTool:
			if turn.Result == nil {
				continue
			}
			out = append(out, &genai.Content{
				Role:  "function",
				Parts: []genai.Part{genai.FunctionResponse{Name: turn.Result.Name, Response: responsePayload(*turn.Result)}},
			})
		}
	}
	return out
}

func responsePayload(result conversation.ToolResult) map[string]any {
	if result.Error != "" {
		return map[string]any{"error": result.Error}
	}
	if m, ok := result.Value.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": result.Value}
}

func mapDeclarations(tools []llm.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		out = append(out, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  mapSchema(t.Schema),
		})
	}
	return out
}

// mapSchema converts a JSON Schema object document into the SDK's typed
// schema. Only the subset tool declarations produce is handled.
func mapSchema(doc map[string]any) *genai.Schema {
	if doc == nil {
		return nil
	}
	out := &genai.Schema{Type: mapType(stringAt(doc, "type"))}
	if desc := stringAt(doc, "description"); desc != "" {
		out.Description = desc
	}
	if props, ok := doc["properties"].(map[string]any); ok && len(props) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				out.Properties[name] = mapSchema(prop)
			}
		}
	}
	if items, ok := doc["items"].(map[string]any); ok {
		out.Items = mapSchema(items)
	}
	if req, ok := doc["required"].([]string); ok {
		out.Required = req
	} else if raw, ok := doc["required"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func mapType(name string) genai.Type {
	switch strings.ToLower(name) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func fromCandidates(resp *genai.GenerateContentResponse) llm.Response {
	out := llm.Response{}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	out.FinishReason = cand.FinishReason.String()
	if cand.Content == nil {
		return out
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        uuid.NewString(),
				Name:      p.Name,
				Arguments: p.Args,
			})
		}
	}
	out.Text = text.String()
	return out
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}
