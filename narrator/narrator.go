// Package narrator is the turn controller: it builds the two-part prompt,
// runs the engine turn, parses the model's structured answer, and decides
// whether the turn's event earns a place in long-term memory.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fableloom/loom-go-sdk/core"
	"github.com/fableloom/loom-go-sdk/engine"
	"github.com/fableloom/loom-go-sdk/memory"
)

// ErrMalformedOutput marks a final answer that could not be parsed into the
// expected structure. It is deliberately distinct from a parsed answer with
// no (or unimportant) memory candidate: a parse failure must never read as
// "nothing important happened".
var ErrMalformedOutput = errors.New("malformed model output")

// MemoryCandidate is the event the model proposes to persist.
type MemoryCandidate struct {
	Content    string   `json:"content"`
	Theme      string   `json:"theme"`
	Importance float64  `json:"importance"`
	Emotions   []string `json:"emotions"`
}

// TurnOutcome is the parsed result of one narration turn.
type TurnOutcome struct {
	// Narration is the next story beat shown to the player.
	Narration string `json:"narration"`

	// State is the updated game state, when the model returned one.
	State *core.GameState `json:"state,omitempty"`

	// Memory is the model's persistence proposal; nil when the model judged
	// the turn unremarkable.
	Memory *MemoryCandidate `json:"memory,omitempty"`

	// Usage sums the turn's token accounting.
	Usage core.TokenUsage `json:"-"`
}

// PromptSource supplies the two-part prompt: a large cacheable rules block
// and a small per-turn state block. The controller passes both verbatim to
// the engine; their content is the caller's business.
type PromptSource interface {
	StaticContext() string
	DynamicContext(state *core.GameState, playerInput string) string
}

// TurnRunner is the engine surface the controller needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, staticContext, dynamicContext string) (*engine.TurnResult, error)
}

// MemoryKeeper is the memory service surface the controller needs.
type MemoryKeeper interface {
	Remember(ctx context.Context, in memory.RememberInput) error
	ForgetAll(ctx context.Context) error
}

// Controller drives turns end to end.
type Controller struct {
	runner   TurnRunner
	memories MemoryKeeper
	prompts  PromptSource
}

// NewController wires a turn controller.
func NewController(runner TurnRunner, memories MemoryKeeper, prompts PromptSource) *Controller {
	return &Controller{
		runner:   runner,
		memories: memories,
		prompts:  prompts,
	}
}

// PlayTurn runs one narration turn for the player's free-text intention.
// Memory persistence is best-effort: the turn result is already final when it
// happens, so a failed write is logged and the outcome returned regardless.
func (c *Controller) PlayTurn(ctx context.Context, state *core.GameState, playerInput string) (*TurnOutcome, error) {
	result, err := c.runner.RunTurn(ctx, c.prompts.StaticContext(), c.prompts.DynamicContext(state, playerInput))
	if err != nil {
		return nil, fmt.Errorf("run turn: %w", err)
	}

	outcome, err := parseOutcome(result.Text)
	if err != nil {
		return nil, err
	}
	outcome.Usage = result.Usage

	c.persistCandidate(ctx, state, outcome.Memory)
	return outcome, nil
}

// persistCandidate applies the importance gate and stores the event with its
// time/location prefix. Gating lives here, not in the service, so forced
// writes elsewhere (save import) bypass it.
func (c *Controller) persistCandidate(ctx context.Context, state *core.GameState, candidate *MemoryCandidate) {
	if candidate == nil {
		return
	}
	if candidate.Importance < memory.PersistenceThreshold {
		log.Printf("[NARRATOR] Skipping memory below importance threshold (%.2f): %s",
			candidate.Importance, candidate.Content)
		return
	}

	timeTag := state.TimeTag()
	locationTag := state.LocationTag()
	err := c.memories.Remember(ctx, memory.RememberInput{
		Content:    fmt.Sprintf("%s, %s: %s", timeTag, locationTag, candidate.Content),
		Time:       timeTag,
		Location:   locationTag,
		Theme:      candidate.Theme,
		Importance: candidate.Importance,
		Emotions:   candidate.Emotions,
	})
	if err != nil {
		// Losing one memory is non-fatal; the turn result is already final.
		log.Printf("[NARRATOR] Failed to persist memory: %v", err)
	}
}

// NewGame wipes long-term memory at a new-game boundary.
func (c *Controller) NewGame(ctx context.Context) error {
	return c.memories.ForgetAll(ctx)
}

// parseOutcome extracts the structured answer from the model's final text,
// tolerating a markdown code fence around the JSON.
func parseOutcome(text string) (*TurnOutcome, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var outcome TurnOutcome
	if err := json.Unmarshal([]byte(trimmed), &outcome); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if outcome.Narration == "" {
		return nil, fmt.Errorf("%w: missing narration", ErrMalformedOutput)
	}
	return &outcome, nil
}
