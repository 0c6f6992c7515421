package models

// Model describes an entry of the model catalog
type Model struct {
	ID        string `json:"id"`
	MaxTokens int    `json:"max_tokens"`
	Thinking  bool   `json:"thinking"`
	Vision    bool   `json:"vision"`
	LatencyMs int    `json:"latency_ms"`
}

// DefaultModel is used when a chat request names no model
const DefaultModel = "claude-3.5-sonnet"

// Catalog lists the models the server answers for, in display order
var Catalog = []Model{
	{ID: "claude-3.5-sonnet", MaxTokens: 200000, Thinking: true, Vision: true, LatencyMs: 45},
	{ID: "claude-3-opus", MaxTokens: 200000, Thinking: true, Vision: true, LatencyMs: 50},
	{ID: "gpt-4-turbo", MaxTokens: 128000, Thinking: false, Vision: true, LatencyMs: 60},
	{ID: "gemini-pro", MaxTokens: 32000, Thinking: false, Vision: true, LatencyMs: 55},
}

// ModelIDs returns the catalog ids
func ModelIDs() []string {
	ids := make([]string, 0, len(Catalog))
	for _, m := range Catalog {
		ids = append(ids, m.ID)
	}
	return ids
}
