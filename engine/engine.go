// Package engine drives a single logical narration turn against the model
// backend, resolving the model's memory lookups mid-generation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fableloom/loom-go-sdk/core"
	"github.com/fableloom/loom-go-sdk/memory"
	"github.com/fableloom/loom-go-sdk/tools"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096

	// noMemoriesFound is the sentinel payload for empty or failed lookups,
	// so the model always gets a clear signal instead of an empty block.
	noMemoriesFound = "no relevant memories found"

	// finalAnswerInstruction closes the turn after tool resolution.
	finalAnswerInstruction = "Using the memory search results above, now produce your final structured answer."
)

// Backend is the slice of the Anthropic client the engine needs. The
// client's Messages service satisfies it; tests substitute a scripted fake.
type Backend interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// MemoryRecaller is the slice of the memory service the engine needs to
// resolve search_memory tool calls.
type MemoryRecaller interface {
	Recall(ctx context.Context, query string, limit int, threshold float64) ([]memory.Recalled, error)
}

// TurnResult is the outcome of one logical turn.
type TurnResult struct {
	// Text is the model's final answer, concatenated from its text blocks.
	Text string

	// Usage sums token accounting across every round trip of the turn.
	Usage core.TokenUsage

	// RoundTrips counts backend calls made for this turn (1 or 2).
	RoundTrips int
}

// Engine runs the one-level-deep tool-use conversation: an initial call that
// offers the search_memory tool, an optional resolution round, and a
// finalizing call that withholds the tool so the turn terminates after at
// most two round trips by construction.
type Engine struct {
	backend   Backend
	memories  MemoryRecaller
	model     anthropic.Model
	maxTokens int64

	// requestTimeout bounds each backend call; orthogonal to overload retry.
	requestTimeout time.Duration
	retryBaseDelay time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithModel overrides the model identifier.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = anthropic.Model(model) }
}

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(maxTokens int64) Option {
	return func(e *Engine) { e.maxTokens = maxTokens }
}

// WithRequestTimeout bounds each individual backend call.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithBackend substitutes the model backend (used by tests).
func WithBackend(b Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithRetryBaseDelay overrides the first overload-retry delay.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryBaseDelay = d }
}

// NewEngine creates an engine over the given Anthropic client and memory
// service. client may be nil when WithBackend is supplied.
func NewEngine(client *anthropic.Client, memories MemoryRecaller, opts ...Option) *Engine {
	e := &Engine{
		memories:       memories,
		model:          defaultModel,
		maxTokens:      defaultMaxTokens,
		requestTimeout: 2 * time.Minute,
		retryBaseDelay: time.Second,
	}
	if client != nil {
		e.backend = &client.Messages
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTurn executes one turn. staticContext is the large cacheable rules
// block, dynamicContext the small per-turn state block; both are passed
// verbatim on every round trip of the turn.
func (e *Engine) RunTurn(ctx context.Context, staticContext, dynamicContext string) (*TurnResult, error) {
	system := []anthropic.TextBlockParam{{
		Text:         staticContext,
		CacheControl: anthropic.NewCacheControlEphemeralParam(),
	}}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(dynamicContext)),
	}

	resp, err := e.createMessage(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     []anthropic.ToolUnionParam{searchMemoryTool()},
	})
	if err != nil {
		return nil, err
	}

	result := &TurnResult{RoundTrips: 1}
	result.Usage.Add(usageOf(resp))

	requests := searchRequests(resp)
	if len(requests) == 0 {
		// No memory lookups requested (tool calls naming unknown tools are
		// ignored); the response passes through as the final answer.
		result.Text = textOf(resp)
		return result, nil
	}

	log.Printf("[ENGINE] Resolving %d memory lookup(s)", len(requests))
	payloads := e.resolve(ctx, requests)

	// One tool_result per request, keyed to its originating block ID, in the
	// order the requests arrived, then the instruction to finish.
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(requests)+1)
	for i, req := range requests {
		blocks = append(blocks, anthropic.NewToolResultBlock(req.id, payloads[i], false))
	}
	blocks = append(blocks, anthropic.NewTextBlock(finalAnswerInstruction))

	messages = append(messages, resp.ToParam(), anthropic.NewUserMessage(blocks...))

	// No tools this time: the recursion is starved, the model must answer.
	final, err := e.createMessage(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}

	result.RoundTrips = 2
	result.Usage.Add(usageOf(final))
	// A non-compliant model could still emit dangling tool_use blocks here;
	// they are dropped and only the text is kept.
	result.Text = textOf(final)
	return result, nil
}

// searchRequest is one search_memory invocation extracted from a response.
type searchRequest struct {
	id    string
	query string
	limit int
}

// searchRequests extracts search_memory tool calls in arrival order. Calls
// naming any other tool are ignored.
func searchRequests(resp *anthropic.Message) []searchRequest {
	var requests []searchRequest
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		if block.Name != tools.SearchMemoryToolName {
			log.Printf("[ENGINE] Ignoring call to undeclared tool %q", block.Name)
			continue
		}
		var input struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(block.Input, &input); err != nil {
			log.Printf("[ENGINE] Malformed search_memory input on %s: %v", block.ID, err)
			input.Query = ""
		}
		if input.Limit <= 0 {
			input.Limit = memory.DefaultRecallLimit
		}
		requests = append(requests, searchRequest{id: block.ID, query: input.Query, limit: input.Limit})
	}
	return requests
}

// resolve runs the recalls concurrently (they are independent reads) and
// returns formatted payloads indexed to match the request order. A failed
// recall degrades to the sentinel so the turn can still complete.
func (e *Engine) resolve(ctx context.Context, requests []searchRequest) []string {
	payloads := make([]string, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req searchRequest) {
			defer wg.Done()
			recalled, err := e.memories.Recall(ctx, req.query, req.limit, memory.DefaultRecallThreshold)
			if err != nil {
				log.Printf("[ENGINE] Memory recall failed for %q: %v", req.query, err)
				payloads[i] = noMemoriesFound
				return
			}
			payloads[i] = formatRecalled(recalled)
		}(i, req)
	}
	wg.Wait()
	return payloads
}

// formatRecalled renders recall hits one per line, or the sentinel.
func formatRecalled(recalled []memory.Recalled) string {
	if len(recalled) == 0 {
		return noMemoriesFound
	}
	lines := make([]string, len(recalled))
	for i, r := range recalled {
		lines[i] = fmt.Sprintf("%s (importance: %.2f)", r.Record.Content, r.Record.Importance)
	}
	return strings.Join(lines, "\n")
}

// searchMemoryTool converts the tool definition to the API declaration.
func searchMemoryTool() anthropic.ToolUnionParam {
	def := tools.SearchMemory()
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: def.Properties,
				Required:   def.Required,
			},
		},
	}
}

// textOf concatenates the response's text blocks.
func textOf(resp *anthropic.Message) string {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String()
}

// usageOf converts API usage to the turn's accounting type.
func usageOf(resp *anthropic.Message) core.TokenUsage {
	return core.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
}
