package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fableloom/loom-go-sdk/engine"
	"github.com/fableloom/loom-go-sdk/memory"
)

// fakeBackend scripts responses per call and captures every request.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []anthropic.MessageNewParams
	respond func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

func (b *fakeBackend) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	b.mu.Lock()
	call := len(b.calls)
	b.calls = append(b.calls, params)
	b.mu.Unlock()
	return b.respond(call, params)
}

type recallCall struct {
	query     string
	limit     int
	threshold float64
}

// fakeRecaller serves canned hits per query, optionally after a delay.
type fakeRecaller struct {
	mu     sync.Mutex
	calls  []recallCall
	hits   map[string][]memory.Recalled
	delays map[string]time.Duration
	err    error
}

func (r *fakeRecaller) Recall(ctx context.Context, query string, limit int, threshold float64) ([]memory.Recalled, error) {
	r.mu.Lock()
	r.calls = append(r.calls, recallCall{query: query, limit: limit, threshold: threshold})
	r.mu.Unlock()
	if d := r.delays[query]; d > 0 {
		time.Sleep(d)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.hits[query], nil
}

func newTestEngine(backend *fakeBackend, recaller *fakeRecaller) *engine.Engine {
	return engine.NewEngine(nil, recaller,
		engine.WithBackend(backend),
		engine.WithRetryBaseDelay(time.Millisecond),
	)
}

func textResponse(text string, in, out int64) *anthropic.Message {
	return &anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   anthropic.Usage{InputTokens: in, OutputTokens: out},
	}
}

func toolUseBlock(id, query string, limit int) anthropic.ContentBlockUnion {
	fields := map[string]any{"query": query}
	if limit > 0 {
		fields["limit"] = limit
	}
	input, _ := json.Marshal(fields)
	return anthropic.ContentBlockUnion{Type: "tool_use", ID: id, Name: "search_memory", Input: input}
}

func hit(content string, importance float64) memory.Recalled {
	return memory.Recalled{
		Record:     memory.Record{Content: content, Importance: importance},
		Similarity: 0.9,
	}
}

func overloadedErr() error {
	return &anthropic.Error{
		StatusCode: 529,
		Request:    &http.Request{Method: "POST", URL: &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"}},
		Response:   &http.Response{StatusCode: 529},
	}
}

func apiErr(status int) error {
	return &anthropic.Error{
		StatusCode: status,
		Request:    &http.Request{Method: "POST", URL: &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"}},
		Response:   &http.Response{StatusCode: status},
	}
}

func TestEngine_PassthroughWithoutToolUse(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return textResponse("a quiet evening at the inn", 100, 50), nil
	}}
	recaller := &fakeRecaller{}

	result, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "a quiet evening at the inn" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.RoundTrips != 1 {
		t.Errorf("RoundTrips = %d, want 1", result.RoundTrips)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(backend.calls))
	}
	if len(recaller.calls) != 0 {
		t.Errorf("recaller called %d times, want 0", len(recaller.calls))
	}

	params := backend.calls[0]
	if len(params.Tools) != 1 || params.Tools[0].OfTool == nil || params.Tools[0].OfTool.Name != "search_memory" {
		t.Errorf("first call must offer exactly the search_memory tool: %+v", params.Tools)
	}
	if len(params.System) != 1 || params.System[0].Text != "rules" {
		t.Errorf("system block not passed through: %+v", params.System)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestEngine_ResolvesLookupsThenFinalizes(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		if call == 0 {
			return &anthropic.Message{
				Role: "assistant",
				Content: []anthropic.ContentBlockUnion{
					{Type: "text", Text: "let me check what I know"},
					toolUseBlock("toolu_1", "dragons", 2),
					toolUseBlock("toolu_2", "the innkeeper", 0),
				},
				Usage: anthropic.Usage{InputTokens: 100, OutputTokens: 20},
			}, nil
		}
		return textResponse("the final narration", 200, 80), nil
	}}
	recaller := &fakeRecaller{hits: map[string][]memory.Recalled{
		"dragons":       {hit("the dragon burned the mill", 0.9)},
		"the innkeeper": {hit("the innkeeper owes you a favor", 0.4)},
	}}

	result, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.RoundTrips != 2 {
		t.Errorf("RoundTrips = %d, want 2", result.RoundTrips)
	}
	if result.Text != "the final narration" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Usage.InputTokens != 300 || result.Usage.OutputTokens != 100 {
		t.Errorf("usage not summed across round trips: %+v", result.Usage)
	}
	if len(backend.calls) != 2 {
		t.Fatalf("backend called %d times, want 2", len(backend.calls))
	}

	// The finalizing call withholds the tool, so a third round trip is
	// impossible no matter what the model wants.
	second := backend.calls[1]
	if len(second.Tools) != 0 {
		t.Errorf("finalizing call must carry no tools: %+v", second.Tools)
	}

	last := second.Messages[len(second.Messages)-1]
	if len(last.Content) != 3 {
		t.Fatalf("expected 2 tool results + 1 instruction, got %d blocks", len(last.Content))
	}
	for i, wantID := range []string{"toolu_1", "toolu_2"} {
		tr := last.Content[i].OfToolResult
		if tr == nil {
			t.Fatalf("block %d is not a tool_result", i)
		}
		if tr.ToolUseID != wantID {
			t.Errorf("block %d attributed to %q, want %q", i, tr.ToolUseID, wantID)
		}
	}
	payload := last.Content[0].OfToolResult.Content[0].OfText.Text
	if !strings.Contains(payload, "the dragon burned the mill") || !strings.Contains(payload, "0.90") {
		t.Errorf("dragons payload = %q", payload)
	}

	// Limit defaulting: the second call omitted limit.
	if recaller.calls[0].limit != 2 && recaller.calls[1].limit != 2 {
		t.Errorf("explicit limit lost: %+v", recaller.calls)
	}
	for _, call := range recaller.calls {
		if call.query == "the innkeeper" && call.limit != memory.DefaultRecallLimit {
			t.Errorf("omitted limit = %d, want default %d", call.limit, memory.DefaultRecallLimit)
		}
		if call.threshold != memory.DefaultRecallThreshold {
			t.Errorf("threshold = %v, want default %v", call.threshold, memory.DefaultRecallThreshold)
		}
	}
}

func TestEngine_ManyLookupsStillTwoRoundTrips(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		if call == 0 {
			blocks := make([]anthropic.ContentBlockUnion, 0, 5)
			for i := 0; i < 5; i++ {
				blocks = append(blocks, toolUseBlock(fmt.Sprintf("toolu_%d", i), fmt.Sprintf("topic %d", i), 1))
			}
			return &anthropic.Message{Role: "assistant", Content: blocks}, nil
		}
		return textResponse("done", 0, 0), nil
	}}
	recaller := &fakeRecaller{}

	result, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(backend.calls) != 2 || result.RoundTrips != 2 {
		t.Errorf("calls = %d, RoundTrips = %d, want 2 and 2", len(backend.calls), result.RoundTrips)
	}
	last := backend.calls[1].Messages[len(backend.calls[1].Messages)-1]
	if len(last.Content) != 6 {
		t.Errorf("expected 5 tool results + 1 instruction, got %d blocks", len(last.Content))
	}
}

func TestEngine_OutOfOrderCompletionKeepsAttribution(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		if call == 0 {
			return &anthropic.Message{
				Role: "assistant",
				Content: []anthropic.ContentBlockUnion{
					toolUseBlock("toolu_slow", "slow topic", 1),
					toolUseBlock("toolu_fast", "fast topic", 1),
				},
			}, nil
		}
		return textResponse("done", 0, 0), nil
	}}
	recaller := &fakeRecaller{
		hits: map[string][]memory.Recalled{
			"slow topic": {hit("slow answer", 0.5)},
			"fast topic": {hit("fast answer", 0.5)},
		},
		delays: map[string]time.Duration{"slow topic": 30 * time.Millisecond},
	}

	if _, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	last := backend.calls[1].Messages[len(backend.calls[1].Messages)-1]
	first := last.Content[0].OfToolResult
	second := last.Content[1].OfToolResult
	if first.ToolUseID != "toolu_slow" || second.ToolUseID != "toolu_fast" {
		t.Fatalf("request order not preserved: %q, %q", first.ToolUseID, second.ToolUseID)
	}
	if got := first.Content[0].OfText.Text; !strings.Contains(got, "slow answer") {
		t.Errorf("slow lookup got the wrong payload: %q", got)
	}
	if got := second.Content[0].OfText.Text; !strings.Contains(got, "fast answer") {
		t.Errorf("fast lookup got the wrong payload: %q", got)
	}
}

func TestEngine_FailedAndEmptyRecallsBecomeSentinel(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		if call == 0 {
			return &anthropic.Message{
				Role:    "assistant",
				Content: []anthropic.ContentBlockUnion{toolUseBlock("toolu_1", "anything", 1)},
			}, nil
		}
		return textResponse("done", 0, 0), nil
	}}
	recaller := &fakeRecaller{err: errors.New("embedding backend unavailable")}

	if _, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state"); err != nil {
		t.Fatalf("a failed recall must not fail the turn: %v", err)
	}
	last := backend.calls[1].Messages[len(backend.calls[1].Messages)-1]
	if got := last.Content[0].OfToolResult.Content[0].OfText.Text; got != "no relevant memories found" {
		t.Errorf("failed recall payload = %q", got)
	}

	// Empty hits degrade the same way.
	backend.calls = nil
	recaller.err = nil
	if _, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	last = backend.calls[1].Messages[len(backend.calls[1].Messages)-1]
	if got := last.Content[0].OfToolResult.Content[0].OfText.Text; got != "no relevant memories found" {
		t.Errorf("empty recall payload = %q", got)
	}
}

func TestEngine_IgnoresUndeclaredTools(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		input, _ := json.Marshal(map[string]any{"city": "Thornbury"})
		return &anthropic.Message{
			Role: "assistant",
			Content: []anthropic.ContentBlockUnion{
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: input},
				{Type: "text", Text: "it is probably raining"},
			},
		}, nil
	}}
	recaller := &fakeRecaller{}

	result, err := newTestEngine(backend, recaller).RunTurn(context.Background(), "rules", "state")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(backend.calls) != 1 || result.RoundTrips != 1 {
		t.Errorf("hallucinated tool must not trigger a resolution round: %d calls", len(backend.calls))
	}
	if result.Text != "it is probably raining" {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestEngine_RetriesOverloadedThreeTimes(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return nil, overloadedErr()
	}}

	_, err := newTestEngine(backend, &fakeRecaller{}).RunTurn(context.Background(), "rules", "state")
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if len(backend.calls) != 3 {
		t.Errorf("backend called %d times, want exactly 3", len(backend.calls))
	}
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) || apierr.StatusCode != 529 {
		t.Errorf("underlying error not preserved: %v", err)
	}
}

func TestEngine_OverloadedThenRecovers(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		if call == 0 {
			return nil, overloadedErr()
		}
		return textResponse("recovered", 10, 5), nil
	}}

	result, err := newTestEngine(backend, &fakeRecaller{}).RunTurn(context.Background(), "rules", "state")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "recovered" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(backend.calls) != 2 {
		t.Errorf("backend called %d times, want 2", len(backend.calls))
	}
}

func TestEngine_NonOverloadedFailsImmediately(t *testing.T) {
	backend := &fakeBackend{respond: func(call int, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return nil, apiErr(http.StatusBadRequest)
	}}

	_, err := newTestEngine(backend, &fakeRecaller{}).RunTurn(context.Background(), "rules", "state")
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(backend.calls) != 1 {
		t.Errorf("backend called %d times, want 1 (no retry on 400)", len(backend.calls))
	}
}
