package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/oracle"
	"github.com/sells-group/newshound/internal/resilience"
	"github.com/sells-group/newshound/internal/store"
)

var testNow = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// fakeOracle is a scripted oracle. Each stage defaults to a well-formed
// answer and can be replaced per test.
type fakeOracle struct {
	mu    sync.Mutex
	calls map[string]int

	score      func(ctx context.Context, in oracle.ScoreInput, strict bool) (oracle.ScoreProposal, error)
	synthesize func(items []oracle.SynthesisInput, strict bool) (oracle.SynthesisProposal, error)
	review     func(in oracle.ReviewInput, strict bool) (oracle.ReviewProposal, error)
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		calls: make(map[string]int),
		score: func(_ context.Context, _ oracle.ScoreInput, _ bool) (oracle.ScoreProposal, error) {
			return oracle.ScoreProposal{Score: 5, Category: "methods", Rationale: "incremental"}, nil
		},
		synthesize: groupByCategoryProposal,
		review: func(_ oracle.ReviewInput, _ bool) (oracle.ReviewProposal, error) {
			return oracle.ReviewProposal{Assessment: "APPROVE", QualityScore: 8}, nil
		},
	}
}

func (f *fakeOracle) count(stage string) {
	f.mu.Lock()
	f.calls[stage]++
	f.mu.Unlock()
}

func (f *fakeOracle) Calls(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeOracle) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeOracle) Score(ctx context.Context, in oracle.ScoreInput, strict bool) (oracle.ScoreProposal, error) {
	f.count(oracle.StageScore)
	return f.score(ctx, in, strict)
}

func (f *fakeOracle) Synthesize(_ context.Context, items []oracle.SynthesisInput, strict bool) (oracle.SynthesisProposal, error) {
	f.count(oracle.StageSynthesize)
	return f.synthesize(items, strict)
}

func (f *fakeOracle) Review(_ context.Context, in oracle.ReviewInput, strict bool) (oracle.ReviewProposal, error) {
	f.count(oracle.StageReview)
	return f.review(in, strict)
}

// scoresByTitle scores each item from a title lookup, defaulting to 5.
func scoresByTitle(scores map[string]int) func(context.Context, oracle.ScoreInput, bool) (oracle.ScoreProposal, error) {
	return func(_ context.Context, in oracle.ScoreInput, _ bool) (oracle.ScoreProposal, error) {
		s, ok := scores[in.Title]
		if !ok {
			s = 5
		}
		return oracle.ScoreProposal{Score: s, Category: "implantable_bci", Rationale: fmt.Sprintf("scored %d", s)}, nil
	}
}

func groupByCategoryProposal(items []oracle.SynthesisInput, _ bool) (oracle.SynthesisProposal, error) {
	var order []string
	groups := make(map[string][]string)
	for _, it := range items {
		c := string(it.Category)
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], it.Ref)
	}
	prop := oracle.SynthesisProposal{TLDR: "A week of implant news.", Summary: "Several updates."}
	for _, c := range order {
		prop.Themes = append(prop.Themes, oracle.ThemeProposal{Name: c, ItemRefs: groups[c], Narrative: "About " + c + "."})
	}
	return prop, nil
}

// refsByTitle maps titles to refs from the synthesis input.
func refsByTitle(items []oracle.SynthesisInput) map[string]string {
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.Title] = it.Ref
	}
	return out
}

func bciItem(source, title string) model.RawItem {
	return model.NewRawItem(source, model.SourceCategoryJournal, "", title,
		"Intracortical recordings from a brain-computer interface.",
		"https://example.org/"+slug(title), nil)
}

func slug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+'a'-'A')
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Prefilter: config.DefaultPrefilter(),
		Sources: []config.SourceConfig{
			{ID: "journal_a", Name: "Journal A", Category: "journal", Type: "rss", URL: "https://a.example.org/rss"},
			{ID: "journal_b", Name: "Journal B", Category: "journal", Type: "rss", URL: "https://b.example.org/rss"},
		},
		Pipeline: config.PipelineConfig{
			ScoreThreshold:     7,
			AlertThreshold:     9,
			ThemeMin:           2,
			ThemeMax:           5,
			LowSignalCeiling:   5,
			MaxAdjustmentDelta: 3,
			ColdDays:           30,
			MaxSources:         40,
			Concurrency:        3,
			SynthesisMaxItems:  30,
			LockPath:           filepath.Join(t.TempDir(), "run.lock"),
		},
	}
}

type harness struct {
	pipeline *Pipeline
	store    *store.FileStore
	oracle   *fakeOracle
	cfg      *config.Config
}

func newHarness(t *testing.T, items []model.RawItem, opts ...Option) *harness {
	t.Helper()
	zap.ReplaceGlobals(zap.NewNop())

	st := store.NewFile(t.TempDir())
	require.NoError(t, st.Migrate(context.Background()))

	cfg := testConfig(t)
	orc := newFakeOracle()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithGuard(resilience.Guard{
			Retry:   resilience.RetryConfig{MaxAttempts: 1},
			Timeout: time.Second,
		}),
	}
	p, err := New(cfg, st, orc, StaticFetcher{Items: items}, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{pipeline: p, store: st, oracle: orc, cfg: cfg}
}

func findScored(t *testing.T, res *model.RunResult, title string) model.ScoredItem {
	t.Helper()
	for _, it := range res.ScoredItems {
		if it.Title == title {
			return it
		}
	}
	require.Failf(t, "item not scored", "title %q", title)
	return model.ScoredItem{}
}
