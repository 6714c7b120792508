package tools

// Definition describes a tool capability declared to the model.
type Definition struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

// SearchMemoryToolName is the memory lookup tool the engine declares on the
// first round trip of each turn.
const SearchMemoryToolName = "search_memory"

// SearchMemory returns the declaration of the memory search tool. The model
// may call it several times in one response, once per topic it wants to
// check, before producing its narration.
func SearchMemory() Definition {
	return Definition{
		Name: SearchMemoryToolName,
		Description: "Search the protagonist's long-term memory for past events related to a topic. " +
			"Call this before narrating when earlier events might matter. " +
			"You may call it multiple times in one response to check different topics.",
		Properties: map[string]interface{}{
			"query": StringProperty("What to search for, phrased as a short description of the event or topic"),
			"limit": IntegerProperty("Maximum number of memories to return (default: 3)"),
		},
		Required: []string{"query"},
	}
}
