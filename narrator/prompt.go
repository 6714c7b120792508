package narrator

import (
	"encoding/json"
	"fmt"

	"github.com/fableloom/loom-go-sdk/core"
)

// DefaultPrompts is the stock PromptSource: a fixed rules block and a
// per-turn block carrying the state snapshot and the player's intention.
// The rules block is deliberately static so the backend's prompt cache
// applies across turns.
type DefaultPrompts struct{}

// StaticContext returns the cacheable rules block.
func (DefaultPrompts) StaticContext() string {
	return staticRules
}

// DynamicContext returns the per-turn state block.
func (DefaultPrompts) DynamicContext(state *core.GameState, playerInput string) string {
	snapshot, _ := json.MarshalIndent(state, "", "  ")
	return fmt.Sprintf("CURRENT STATE:\n%s\n\nPLAYER INTENTION:\n%s", snapshot, playerInput)
}

const staticRules = `You are the narrator of a text adventure. Each turn you receive the
current game state and the player's free-text intention, and you produce the
next story beat.

MEMORY:
Before narrating, you may use the search_memory tool to look up past events
relevant to the player's intention. Call it once per topic you want to check.
Weave any returned memories into the narration naturally.

ANSWER FORMAT:
Respond with a single JSON object, no surrounding prose:
{
  "narration": "the next story beat, second person, 2-4 paragraphs",
  "state": { the updated game state, same shape as the input },
  "memory": {
    "content": "one-sentence summary of what just happened",
    "theme": "short tag, e.g. combat, trade, friendship",
    "importance": 0.0 to 1.0,
    "emotions": ["current emotional tags"]
  }
}

Set "memory" importance near 0 for mundane turns and high for events the
protagonist would remember for years. Omit "memory" entirely only when truly
nothing happened.`
