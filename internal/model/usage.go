package model

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}

// Total returns input plus output tokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}

// Since returns the usage accumulated after an earlier reading of the same
// running total.
func (t TokenUsage) Since(earlier TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:         t.InputTokens - earlier.InputTokens,
		OutputTokens:        t.OutputTokens - earlier.OutputTokens,
		CacheCreationTokens: t.CacheCreationTokens - earlier.CacheCreationTokens,
		CacheReadTokens:     t.CacheReadTokens - earlier.CacheReadTokens,
		Cost:                t.Cost - earlier.Cost,
	}
}
