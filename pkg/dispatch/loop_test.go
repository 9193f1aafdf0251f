package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/errorsx"
	"github.com/harunnryd/kirana/pkg/llm"
	"github.com/harunnryd/kirana/pkg/providers/mock"
	"github.com/harunnryd/kirana/pkg/resilience"
	"github.com/harunnryd/kirana/pkg/tool"
)

func newCalcRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	schema := tool.Schema{Params: map[string]tool.Param{
		"a": {Type: tool.TypeNumber, Required: true},
		"b": {Type: tool.TypeNumber, Required: true},
	}}
	err := reg.Register("add", schema, func(_ context.Context, args map[string]any) (any, error) {
		var in struct{ A, B float64 }
		if err := tool.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return in.A + in.B, nil
	})
	if err != nil {
		t.Fatalf("register add: %v", err)
	}
	return reg
}

func TestSendResolvesToolCallAndFinishes(t *testing.T) {
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "call-1", Name: "add", Arguments: map[string]any{"a": 2, "b": 3}}),
		mock.Reply("5"),
	)
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{})

	res, err := loop.Send(context.Background(), conversation.TextPart("what is 2+3?"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Content != "5" {
		t.Fatalf("content = %q, want %q", res.Content, "5")
	}
	if res.Steps != 2 {
		t.Fatalf("steps = %d, want 2", res.Steps)
	}
	if loop.State() != StateDone {
		t.Fatalf("state = %v, want %v", loop.State(), StateDone)
	}

	turns := state.Turns()
	if len(turns) != 4 {
		t.Fatalf("history has %d turns, want 4", len(turns))
	}
	wantRoles := []conversation.Role{
		conversation.RoleUser,
		conversation.RoleAssistant,
		conversation.RoleTool,
		conversation.RoleAssistant,
	}
	for i, want := range wantRoles {
		if turns[i].Role != want {
			t.Fatalf("turn %d role = %q, want %q", i, turns[i].Role, want)
		}
	}
	result := turns[2].Result
	if result == nil || result.ID != "call-1" {
		t.Fatalf("tool turn does not reference call-1: %+v", result)
	}
	if result.Error != "" {
		t.Fatalf("unexpected tool error: %s", result.Error)
	}
	if got, ok := result.Value.(float64); !ok || got != 5 {
		t.Fatalf("tool value = %v, want 5", result.Value)
	}
}

func TestSendCapturesUnknownToolAndContinues(t *testing.T) {
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "call-1", Name: "sub", Arguments: map[string]any{"a": 2, "b": 3}}),
		mock.Reply("I cannot subtract here."),
	)
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{})

	res, err := loop.Send(context.Background(), conversation.TextPart("what is 2-3?"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if loop.State() != StateDone {
		t.Fatalf("state = %v, want %v", loop.State(), StateDone)
	}
	if res.Steps != 2 {
		t.Fatalf("steps = %d, want 2", res.Steps)
	}

	turns := state.Turns()
	if len(turns) != 4 {
		t.Fatalf("history has %d turns, want 4", len(turns))
	}
	result := turns[2].Result
	if result == nil || result.Error == "" {
		t.Fatal("expected error payload on tool turn")
	}
	if !strings.Contains(result.Error, "sub") {
		t.Fatalf("error payload does not name the tool: %s", result.Error)
	}
}

func TestSendRejectsDuplicateCorrelationIDs(t *testing.T) {
	backend := mock.New(
		mock.CallTools(
			llm.ToolCall{ID: "7", Name: "add", Arguments: map[string]any{"a": 1, "b": 2}},
			llm.ToolCall{ID: "7", Name: "add", Arguments: map[string]any{"a": 3, "b": 4}},
		),
	)
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{})

	_, err := loop.Send(context.Background(), conversation.TextPart("add twice"))
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
	if len(malformed.Duplicates) != 1 || malformed.Duplicates[0] != "7" {
		t.Fatalf("duplicates = %v, want [7]", malformed.Duplicates)
	}
	if loop.State() != StateFailed {
		t.Fatalf("state = %v, want %v", loop.State(), StateFailed)
	}
	// Nothing from the malformed response lands in history.
	turns := state.Turns()
	if len(turns) != 1 || turns[0].Role != conversation.RoleUser {
		t.Fatalf("history mutated by malformed response: %d turns", len(turns))
	}
}

func TestSendFailsAfterBackendRetriesExhausted(t *testing.T) {
	transport := errors.New("connection refused")
	backend := mock.New(mock.Fail(transport), mock.Fail(transport), mock.Fail(transport))
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{
		Retry: resilience.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	})

	_, err := loop.Send(context.Background(), conversation.TextPart("hello"))
	if err == nil {
		t.Fatal("expected backend failure")
	}
	if !errorsx.HasReason(err, errorsx.ReasonBackendGenerate) {
		t.Fatalf("reason = %q, want %q", errorsx.Reason(err), errorsx.ReasonBackendGenerate)
	}
	if backend.Remaining() != 0 {
		t.Fatalf("backend called %d times short of the retry budget", backend.Remaining())
	}
	if loop.State() != StateFailed {
		t.Fatalf("state = %v, want %v", loop.State(), StateFailed)
	}
	// History keeps the user turn; no partial tool turns appear.
	turns := state.Turns()
	if len(turns) != 1 || turns[0].Role != conversation.RoleUser {
		t.Fatalf("unexpected history after backend failure: %d turns", len(turns))
	}
}

func TestSendStopsAtStepLimit(t *testing.T) {
	// A backend that always wants another tool call never converges.
	var script []mock.Step
	for i := 0; i < 8; i++ {
		script = append(script, mock.CallTools(
			llm.ToolCall{ID: fmt.Sprintf("call-%d", i), Name: "add", Arguments: map[string]any{"a": 1, "b": 1}},
		))
	}
	backend := mock.New(script...)
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{MaxSteps: 3})

	_, err := loop.Send(context.Background(), conversation.TextPart("loop forever"))
	var limit *StepLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("error = %v, want StepLimitError", err)
	}
	if limit.Limit != 3 {
		t.Fatalf("limit = %d, want 3", limit.Limit)
	}
	if loop.State() != StateFailed {
		t.Fatalf("state = %v, want %v", loop.State(), StateFailed)
	}
	// Each completed step appended its assistant and tool turns.
	turns := state.Turns()
	if len(turns) != 1+3*2 {
		t.Fatalf("history has %d turns, want %d", len(turns), 1+3*2)
	}
}

func TestSendPreservesBackendOrderUnderConcurrency(t *testing.T) {
	reg := tool.NewRegistry()
	schema := tool.Schema{Params: map[string]tool.Param{
		"ms": {Type: tool.TypeInteger, Required: true},
	}}
	err := reg.Register("sleep", schema, func(ctx context.Context, args map[string]any) (any, error) {
		var in struct{ Ms int }
		if err := tool.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(in.Ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return in.Ms, nil
	})
	if err != nil {
		t.Fatalf("register sleep: %v", err)
	}

	// The slowest call comes first; ordered append must still put it first.
	backend := mock.New(
		mock.CallTools(
			llm.ToolCall{ID: "slow", Name: "sleep", Arguments: map[string]any{"ms": 60}},
			llm.ToolCall{ID: "mid", Name: "sleep", Arguments: map[string]any{"ms": 30}},
			llm.ToolCall{ID: "fast", Name: "sleep", Arguments: map[string]any{"ms": 1}},
		),
		mock.Reply("done"),
	)
	state := conversation.NewState()
	loop := New(backend, reg, state, Options{ToolConcurrency: 3})

	if _, err := loop.Send(context.Background(), conversation.TextPart("sleep")); err != nil {
		t.Fatalf("send: %v", err)
	}
	turns := state.Turns()
	var got []string
	for _, turn := range turns {
		if turn.Role == conversation.RoleTool {
			got = append(got, turn.Result.ID)
		}
	}
	want := []string{"slow", "mid", "fast"}
	if len(got) != len(want) {
		t.Fatalf("tool turns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tool turn order = %v, want %v", got, want)
		}
	}
}

func TestSendCapturesToolTimeout(t *testing.T) {
	reg := tool.NewRegistry()
	err := reg.Register("hang", tool.Schema{}, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("register hang: %v", err)
	}
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "call-1", Name: "hang", Arguments: map[string]any{}}),
		mock.Reply("gave up"),
	)
	state := conversation.NewState()
	loop := New(backend, reg, state, Options{ToolTimeout: 20 * time.Millisecond})

	res, err := loop.Send(context.Background(), conversation.TextPart("hang"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Content != "gave up" {
		t.Fatalf("content = %q", res.Content)
	}
	turns := state.Turns()
	if turns[2].Result == nil || !strings.Contains(turns[2].Result.Error, "timed out") {
		t.Fatalf("expected timeout error payload, got %+v", turns[2].Result)
	}
}

func TestSendDiscardsPartialResultsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := tool.NewRegistry()
	err := reg.Register("slow", tool.Schema{}, func(ctx context.Context, _ map[string]any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("register slow: %v", err)
	}
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "call-1", Name: "slow", Arguments: map[string]any{}}),
	)
	state := conversation.NewState()
	loop := New(backend, reg, state, Options{})

	_, err = loop.Send(ctx, conversation.TextPart("go"))
	if !errorsx.HasReason(err, errorsx.ReasonCancelled) {
		t.Fatalf("reason = %q, want %q", errorsx.Reason(err), errorsx.ReasonCancelled)
	}
	for _, turn := range state.Turns() {
		if turn.Role == conversation.RoleTool {
			t.Fatal("partial tool turn appended after cancellation")
		}
	}
}

type countingScoped struct {
	acquires atomic.Int32
	releases atomic.Int32
	mu       sync.Mutex
	err      error
}

func (s *countingScoped) Acquire(context.Context) error {
	s.acquires.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *countingScoped) Release() { s.releases.Add(1) }

func TestSendLeasesScopedResourcesOncePerExchange(t *testing.T) {
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": 1, "b": 1}}),
		mock.CallTools(llm.ToolCall{ID: "c2", Name: "add", Arguments: map[string]any{"a": 2, "b": 2}}),
		mock.Reply("ok"),
	)
	scoped := &countingScoped{}
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{Scoped: []Scoped{scoped}})

	if _, err := loop.Send(context.Background(), conversation.TextPart("add")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := scoped.acquires.Load(); got != 1 {
		t.Fatalf("acquired %d times, want 1", got)
	}
	if got := scoped.releases.Load(); got != 1 {
		t.Fatalf("released %d times, want 1", got)
	}
}

func TestSendSkipsScopedAcquireWithoutToolCalls(t *testing.T) {
	backend := mock.New(mock.Reply("hello"))
	scoped := &countingScoped{}
	state := conversation.NewState()
	loop := New(backend, newCalcRegistry(t), state, Options{Scoped: []Scoped{scoped}})

	if _, err := loop.Send(context.Background(), conversation.TextPart("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := scoped.acquires.Load(); got != 0 {
		t.Fatalf("acquired %d times, want 0", got)
	}
}

func TestSendRejectsConcurrentExchangeOnSameSession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := tool.NewRegistry()
	err := reg.Register("wait", tool.Schema{}, func(_ context.Context, _ map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("register wait: %v", err)
	}
	backend := mock.New(
		mock.CallTools(llm.ToolCall{ID: "c1", Name: "wait", Arguments: map[string]any{}}),
		mock.Reply("done"),
	)
	state := conversation.NewState()
	loop := New(backend, reg, state, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := loop.Send(context.Background(), conversation.TextPart("first"))
		done <- err
	}()
	<-started

	if _, err := loop.Send(context.Background(), conversation.TextPart("second")); !errors.Is(err, conversation.ErrSessionBusy) {
		t.Fatalf("concurrent send error = %v, want ErrSessionBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}
