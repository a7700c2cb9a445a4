package anthropic

// BuildCachedSystemBlocks returns a single system block with a cache
// breakpoint. The rubric is identical across every call in a run, so later
// calls read it from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
