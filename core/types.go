package core

import "fmt"

// TokenUsage tracks model API token consumption across the round trips of a
// single turn. Cache counts are reported separately because the static
// context block is served from the prompt cache on the second round trip.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// GameState is the structured snapshot the narrator works from. The memory
// core only depends on the time/location tags and the emotion snapshot; the
// rest is carried for prompt building.
type GameState struct {
	// In-game calendar.
	Day   int    `json:"day"`
	Month string `json:"month"`
	Year  int    `json:"year"`

	// In-game place.
	Region     string `json:"region"`
	Settlement string `json:"settlement"`

	Health   int      `json:"health"`
	Emotions []string `json:"emotions"`

	// Notes holds free-form state the prompt templates may want.
	Notes string `json:"notes,omitempty"`
}

// TimeTag renders the in-game time as a memory content prefix,
// e.g. "day 12 Rainmoon 847".
func (s *GameState) TimeTag() string {
	return fmt.Sprintf("day %d %s %d", s.Day, s.Month, s.Year)
}

// LocationTag renders the in-game place as a memory content prefix,
// e.g. "Western Marches, Thornbury".
func (s *GameState) LocationTag() string {
	return fmt.Sprintf("%s, %s", s.Region, s.Settlement)
}
