package oracle

import (
	"sync"

	"github.com/sells-group/newshound/internal/model"
)

// UsageTracker accumulates oracle calls and token usage across concurrent
// callers.
type UsageTracker struct {
	mu      sync.Mutex
	calls   int
	byStage map[string]int
	usage   model.TokenUsage
	staged  map[string]model.TokenUsage
}

// NewUsageTracker returns an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		byStage: make(map[string]int),
		staged:  make(map[string]model.TokenUsage),
	}
}

// Record adds one call for stage.
func (u *UsageTracker) Record(stage string, usage model.TokenUsage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.byStage[stage]++
	u.usage.Add(usage)
	s := u.staged[stage]
	s.Add(usage)
	u.staged[stage] = s
}

// Calls returns the total number of oracle calls.
func (u *UsageTracker) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// CallsByStage returns a copy of the per-stage call counts.
func (u *UsageTracker) CallsByStage() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.byStage))
	for k, v := range u.byStage {
		out[k] = v
	}
	return out
}

// Total returns the accumulated usage across all stages.
func (u *UsageTracker) Total() model.TokenUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage
}

// Stage returns the accumulated usage for one stage.
func (u *UsageTracker) Stage(stage string) model.TokenUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.staged[stage]
}
