package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/oracle"
	"github.com/sells-group/newshound/internal/resilience"
	"github.com/sells-group/newshound/internal/store"
)

func phaseStatus(res *model.RunResult, name string) model.PhaseStatus {
	for _, p := range res.Phases {
		if p.Name == name {
			return p.Status
		}
	}
	return ""
}

func TestRun_QuietWeekMakesNoOracleCalls(t *testing.T) {
	items := []model.RawItem{
		model.NewRawItem("journal_a", model.SourceCategoryJournal, "", "New battery chemistry doubles range", "", "https://example.org/battery", nil),
		model.NewRawItem("journal_b", model.SourceCategoryJournal, "", "EEG headset for meditation", "", "https://example.org/eeg", nil),
	}
	h := newHarness(t, items)

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusQuietWeek, res.Status)
	assert.Equal(t, 0, h.oracle.Total())
	assert.Equal(t, 0, res.Metrics.OracleCalls)
	assert.Equal(t, 2, res.Metrics.Fetched)
	assert.Equal(t, 0, res.Metrics.InScope)
	assert.Empty(t, res.ScoredItems)
	assert.Empty(t, res.Themes)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, model.PhaseStatusSkipped, phaseStatus(res, StageScore))
	assert.Equal(t, model.PhaseStatusSkipped, phaseStatus(res, StageSynthesize))
	assert.Equal(t, model.PhaseStatusSkipped, phaseStatus(res, StageReflect))
	assert.Equal(t, model.PhaseStatusComplete, phaseStatus(res, StagePersist))

	sources, err := h.store.LoadSources(context.Background())
	require.NoError(t, err)
	require.Contains(t, sources, "journal_a")
	assert.Equal(t, 1, sources["journal_a"].Stats.ItemsFetchedTotal)
	assert.Equal(t, 0, sources["journal_a"].Stats.ItemsInScopeTotal)

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQuietWeek, run.Status)
}

func TestRun_AllSkippedByDedupIsQuiet(t *testing.T) {
	item := bciItem("journal_a", "Speech BCI update")
	h := newHarness(t, []model.RawItem{item})

	low := 3
	require.NoError(t, h.store.SaveHistory(context.Background(), map[string]model.DedupRecord{
		item.Fingerprint(): {Title: item.Title, LastScore: &low, TimesSeen: 1},
	}))

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQuietWeek, res.Status)
	assert.Equal(t, 1, res.Metrics.SkippedByDedup)
	assert.Equal(t, 0, h.oracle.Total())

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, hist[item.Fingerprint()].TimesSeen)
	require.NotNil(t, hist[item.Fingerprint()].LastScore)
	assert.Equal(t, 3, *hist[item.Fingerprint()].LastScore)
}

func TestRun_LowSignalWeekYieldsSingleTheme(t *testing.T) {
	var items []model.RawItem
	scores := make(map[string]int)
	for i := 1; i <= 6; i++ {
		title := fmt.Sprintf("Intracortical array study %d", i)
		items = append(items, bciItem("journal_a", title))
		scores[title] = 2 + i%3
	}
	h := newHarness(t, items)
	h.oracle.score = scoresByTitle(scores)
	h.oracle.synthesize = func(in []oracle.SynthesisInput, _ bool) (oracle.SynthesisProposal, error) {
		prop := oracle.SynthesisProposal{TLDR: "Quiet.", OverallAssessment: "quiet_week"}
		for i := 0; i < len(in); i += 2 {
			prop.Themes = append(prop.Themes, oracle.ThemeProposal{
				Name:     fmt.Sprintf("Group %d", i/2+1),
				ItemRefs: []string{in[i].Ref, in[i+1].Ref},
			})
		}
		return prop, nil
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Equal(t, model.ReviewStateFinalized, res.ReviewState)
	require.Len(t, res.Themes, 1)
	assert.Len(t, res.Themes[0].ItemRefs, 6)
	assert.Equal(t, model.SignificanceRoutine, res.Themes[0].Significance)
	assert.Empty(t, res.Alerts)
	require.NotNil(t, res.Brief)
	assert.Equal(t, model.AssessmentQuietWeek, res.Brief.OverallAssessment)
	assert.Equal(t, 6, h.oracle.Calls(oracle.StageScore))
	assert.Equal(t, 1, h.oracle.Calls(oracle.StageSynthesize))
	assert.Equal(t, 1, h.oracle.Calls(oracle.StageReview))
	assert.Equal(t, 8, res.Metrics.OracleCalls)
	assert.Equal(t, 6, res.Metrics.Themed)
}

func TestRun_ClampsOutOfRangeScore(t *testing.T) {
	title := "First-in-human BCI implant"
	h := newHarness(t, []model.RawItem{bciItem("journal_a", title)})
	h.oracle.score = scoresByTitle(map[string]int{title: 15})

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	it := findScored(t, res, title)
	assert.Equal(t, 10, it.Score)
	assert.True(t, it.Clamped)
	assert.Equal(t, 1, res.Metrics.Clamped)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, title, res.Alerts[0].Title)
	assert.Equal(t, 1, h.oracle.Calls(oracle.StageScore))
}

func TestRun_RescoresHighScoredRepeat(t *testing.T) {
	high := bciItem("journal_a", "Neuroprosthetic hand control follow-up")
	low := bciItem("journal_b", "BCI cursor control replication")
	h := newHarness(t, []model.RawItem{high, low})
	h.oracle.score = scoresByTitle(map[string]int{high.Title: 6})

	eight, three := 8, 3
	require.NoError(t, h.store.SaveHistory(context.Background(), map[string]model.DedupRecord{
		high.Fingerprint(): {Title: high.Title, LastScore: &eight, TimesSeen: 1},
		low.Fingerprint():  {Title: low.Title, LastScore: &three, TimesSeen: 1},
	}))

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.oracle.Calls(oracle.StageScore))
	assert.Equal(t, 1, res.Metrics.SkippedByDedup)
	require.Len(t, res.ScoredItems, 1)
	assert.Equal(t, high.Title, res.ScoredItems[0].Title)

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hist[high.Fingerprint()].LastScore)
	assert.Equal(t, 6, *hist[high.Fingerprint()].LastScore)
	assert.Equal(t, 2, hist[high.Fingerprint()].TimesSeen)
	assert.Equal(t, 2, hist[low.Fingerprint()].TimesSeen)
}

func TestRun_ThresholdScoreIsRescored(t *testing.T) {
	at := bciItem("journal_a", "Speech neuroprosthesis cohort update")
	below := bciItem("journal_b", "Motor cortex decoding reanalysis")
	h := newHarness(t, []model.RawItem{at, below})

	seven, six := 7, 6
	require.NoError(t, h.store.SaveHistory(context.Background(), map[string]model.DedupRecord{
		at.Fingerprint():    {Title: at.Title, LastScore: &seven, TimesSeen: 1},
		below.Fingerprint(): {Title: below.Title, LastScore: &six, TimesSeen: 1},
	}))

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.oracle.Calls(oracle.StageScore))
	assert.Equal(t, 1, res.Metrics.SkippedByDedup)
	require.Len(t, res.ScoredItems, 1)
	assert.Equal(t, at.Title, res.ScoredItems[0].Title)
}

func TestRun_MalformedScoreUsesStrictRetryThenSentinel(t *testing.T) {
	bad := bciItem("journal_a", "Garbled BCI press item")
	recovered := bciItem("journal_a", "ECoG speech decoding result")
	h := newHarness(t, []model.RawItem{bad, recovered})

	prior := 8
	require.NoError(t, h.store.SaveHistory(context.Background(), map[string]model.DedupRecord{
		bad.Fingerprint(): {Title: bad.Title, LastScore: &prior, TimesSeen: 1},
	}))

	h.oracle.score = func(_ context.Context, in oracle.ScoreInput, strict bool) (oracle.ScoreProposal, error) {
		switch {
		case in.Title == bad.Title:
			return oracle.ScoreProposal{}, eris.Wrap(oracle.ErrMalformed, "no json")
		case !strict:
			return oracle.ScoreProposal{Score: 8, Category: "not_a_category"}, nil
		}
		return oracle.ScoreProposal{Score: 8, Category: "ecog_seeg", Rationale: "solid"}, nil
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, h.oracle.Calls(oracle.StageScore))

	s := findScored(t, res, bad.Title)
	assert.True(t, s.ParseFailure)
	assert.Equal(t, model.SentinelScore, s.Score)
	assert.Equal(t, model.CategoryOutOfScope, s.Category)

	ok := findScored(t, res, recovered.Title)
	assert.False(t, ok.ParseFailure)
	assert.Equal(t, 8, ok.Score)
	assert.Equal(t, model.CategoryECoGSEEG, ok.Category)
	assert.Equal(t, 1, res.Metrics.ParseFailures)

	for _, th := range res.Themes {
		assert.NotContains(t, th.ItemRefs, s.Ref, "sentinel items are not themed")
	}

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hist[bad.Fingerprint()].LastScore)
	assert.Equal(t, 8, *hist[bad.Fingerprint()].LastScore, "sentinel must not overwrite a real score")
}

func TestRun_ScoringTimeoutFallsBackToSentinel(t *testing.T) {
	title := "Stalled BCI item"
	h := newHarness(t, []model.RawItem{bciItem("journal_a", title)}, WithGuard(resilience.Guard{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Timeout: 20 * time.Millisecond,
	}))
	h.oracle.score = func(ctx context.Context, _ oracle.ScoreInput, _ bool) (oracle.ScoreProposal, error) {
		<-ctx.Done()
		return oracle.ScoreProposal{}, ctx.Err()
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	s := findScored(t, res, title)
	assert.True(t, s.TimedOut)
	assert.True(t, s.ParseFailure)
	assert.Equal(t, 2, h.oracle.Calls(oracle.StageScore), "exactly one retry after a timeout")
}

func TestRun_OracleUnavailableFailsWithoutBrief(t *testing.T) {
	items := []model.RawItem{
		bciItem("journal_a", "BCI item one"),
		bciItem("journal_a", "BCI item two"),
		bciItem("journal_b", "BCI item three"),
	}
	h := newHarness(t, items)
	h.oracle.score = func(_ context.Context, _ oracle.ScoreInput, _ bool) (oracle.ScoreProposal, error) {
		return oracle.ScoreProposal{}, eris.Wrap(oracle.ErrUnavailable, "status 401")
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageScore, se.Stage)
	assert.Equal(t, 3, se.InFlight)
	assert.True(t, errors.Is(err, oracle.ErrUnavailable))

	require.NotNil(t, res)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Nil(t, res.Brief)
	assert.Empty(t, res.Themes)
	assert.Empty(t, res.Alerts)
	require.NotNil(t, res.Failure)
	assert.Equal(t, StageScore, res.Failure.Stage)
	assert.Equal(t, 3, res.Failure.InFlight)

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hist, "history is only written at the final checkpoint")

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestRun_ReviewUnavailableFailsRun(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("journal_a", "BCI item")})
	h.oracle.review = func(oracle.ReviewInput, bool) (oracle.ReviewProposal, error) {
		return oracle.ReviewProposal{}, eris.Wrap(oracle.ErrUnavailable, "overloaded")
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageReflect, se.Stage)
	assert.Nil(t, res.Brief)
	assert.Empty(t, res.Themes)
	assert.Empty(t, res.ReviewState)
}

func TestRun_FetchErrorAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.pipeline.fetcher = failingFetcher{err: eris.New("dns down")}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageFetch, se.Stage)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Equal(t, 0, h.oracle.Total())
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, []model.Source) (model.FetchBatch, error) {
	return model.FetchBatch{}, f.err
}

type partialFetcher struct{ batch model.FetchBatch }

func (f partialFetcher) Fetch(context.Context, []model.Source) (model.FetchBatch, error) {
	return f.batch, nil
}

func TestRun_FailedSourceRecordsZeroYield(t *testing.T) {
	h := newHarness(t, nil)
	h.pipeline.fetcher = partialFetcher{batch: model.FetchBatch{
		Items:     []model.RawItem{bciItem("journal_a", "BCI paper")},
		Attempted: []string{"journal_a", "journal_b"},
		Failed:    map[string]string{"journal_b": "status 503"},
	}}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics.FetchFailures)

	sources, err := h.store.LoadSources(context.Background())
	require.NoError(t, err)
	b := sources["journal_b"]
	assert.Equal(t, 1, b.Stats.Runs)
	assert.Equal(t, 0, b.Stats.ItemsFetchedTotal)
	assert.Nil(t, b.Stats.LastHitDate)
	assert.Equal(t, 1, sources["journal_a"].Stats.ItemsInScopeTotal)
}

func TestRun_ReplayedItemsDoNotRegisterSources(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("file", "Replayed BCI paper")})

	_, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sources, err := h.store.LoadSources(context.Background())
	require.NoError(t, err)
	_, ok := sources["file"]
	assert.False(t, ok)
	for id, src := range sources {
		assert.NotEmpty(t, src.Type, id)
	}
}

func TestRun_KeepsColdDiscoveredSourceUnderCap(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("journal_a", "BCI paper")})

	lastHit := testNow.AddDate(0, 0, -45)
	found := testNow.AddDate(0, 0, -90)
	require.NoError(t, h.store.SaveSources(context.Background(), map[string]model.Source{
		"search_neuroblog": {
			ID: "search_neuroblog", Name: "neuroblog.example.com", Category: model.SourceCategoryPress,
			Type: model.SourceTypeSearch, URL: "neuroblog.example.com", Enabled: true,
			DiscoveredDate: &found,
			Stats:          model.SourceStats{Runs: 6, ItemsFetchedTotal: 12, ItemsInScopeTotal: 2, LastHitDate: &lastHit},
		},
	}))

	_, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sources, err := h.store.LoadSources(context.Background())
	require.NoError(t, err)
	src, ok := sources["search_neuroblog"]
	require.True(t, ok)
	assert.True(t, src.Enabled)
	assert.Equal(t, model.SourceStatusCold, src.Stats.Status)
}

func TestRun_ReflectionAdjustmentIsBounded(t *testing.T) {
	title := "Utah array longevity report"
	h := newHarness(t, []model.RawItem{bciItem("journal_a", title), bciItem("journal_a", "Minor BCI note")})
	h.oracle.score = scoresByTitle(map[string]int{title: 9, "Minor BCI note": 4})
	h.oracle.review = func(in oracle.ReviewInput, _ bool) (oracle.ReviewProposal, error) {
		ref := refsByTitle(in.Items)[title]
		return oracle.ReviewProposal{
			Assessment:    "needs_revision",
			QualityScore:  14,
			Adjustments:   []oracle.ScoreAdjustmentProposal{{Ref: ref, AdjustedScore: 2, Reason: "animal data only"}},
			VaporwareRefs: []string{ref, "i99"},
			SignificanceFlags: []oracle.SignificanceProposal{
				{Theme: "IMPLANTABLE_BCI", Significance: "routine", Reason: "overhyped"},
			},
		}, nil
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	it := findScored(t, res, title)
	assert.Equal(t, 6, it.Score)
	require.NotNil(t, it.Adjustment)
	assert.Equal(t, 9, it.Adjustment.OriginalScore)
	assert.Equal(t, "scored 9", it.Adjustment.OriginalRationale)
	assert.Equal(t, 2, it.Adjustment.ProposedScore)
	assert.Equal(t, 6, it.Adjustment.AdjustedScore)
	assert.True(t, it.Adjustment.Bounded)
	assert.Equal(t, "animal data only", it.Rationale)
	assert.True(t, it.Vaporware)
	assert.Equal(t, 1, res.Metrics.Adjustments)
	assert.Empty(t, res.Alerts, "alerts use the post-reflection score")

	require.NotNil(t, res.Review)
	assert.Equal(t, "NEEDS_REVISION", res.Review.Assessment)
	assert.Equal(t, 10, res.Review.QualityScore)
	assert.Equal(t, []string{it.Ref}, res.Review.VaporwareRefs)
	require.Len(t, res.Review.SignificanceFlags, 1)
	assert.Equal(t, model.SignificanceRoutine, res.Review.SignificanceFlags[0].Proposed)
	assert.Equal(t, model.SignificanceRoutine, res.Review.SignificanceFlags[0].Applied)

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hist[it.Fingerprint].LastScore)
	assert.Equal(t, 6, *hist[it.Fingerprint].LastScore, "history stores the post-reflection score")
}

func TestRun_MalformedReviewDegrades(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("journal_a", "BCI item")})
	h.oracle.review = func(oracle.ReviewInput, bool) (oracle.ReviewProposal, error) {
		return oracle.ReviewProposal{}, oracle.ErrMalformed
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.oracle.Calls(oracle.StageReview))
	require.NotNil(t, res.Review)
	assert.True(t, res.Review.Degraded)
	assert.Equal(t, model.ReviewStateFinalized, res.ReviewState)
	assert.Equal(t, model.RunStatusComplete, res.Status)
}

func TestRun_MalformedSynthesisFallsBackToCategories(t *testing.T) {
	h := newHarness(t, []model.RawItem{
		bciItem("journal_a", "Implant A"),
		bciItem("journal_a", "Implant B"),
	})
	h.oracle.score = scoresByTitle(map[string]int{"Implant A": 8, "Implant B": 7})
	h.oracle.synthesize = func([]oracle.SynthesisInput, bool) (oracle.SynthesisProposal, error) {
		return oracle.SynthesisProposal{}, oracle.ErrMalformed
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.oracle.Calls(oracle.StageSynthesize))
	require.NotNil(t, res.Brief)
	assert.True(t, res.Brief.Degraded)
	require.Len(t, res.Themes, 1)
	assert.Equal(t, "Implantable BCI", res.Themes[0].Name)
	assert.Equal(t, model.SignificanceNotable, res.Themes[0].Significance)
	assert.Equal(t, model.AssessmentActiveWeek, res.Brief.OverallAssessment)
}

func TestRun_RemovesFabricatedLinks(t *testing.T) {
	item := bciItem("journal_a", "Speech neuroprosthesis")
	h := newHarness(t, []model.RawItem{item})
	h.oracle.synthesize = func(in []oracle.SynthesisInput, _ bool) (oracle.SynthesisProposal, error) {
		return oracle.SynthesisProposal{
			Themes: []oracle.ThemeProposal{{
				Name:      "Speech",
				ItemRefs:  []string{in[0].Ref},
				Narrative: "See https://made-up.example.com/story for more.",
			}},
			TLDR:    "Read " + item.URL + " and https://fake.example.net/x.",
			Summary: "Nothing else.",
		}, nil
	}

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Metrics.FabricatedLinksRemoved)
	assert.Contains(t, res.Brief.TLDR, item.URL)
	assert.NotContains(t, res.Brief.TLDR, "fake.example.net")
	assert.NotContains(t, res.Themes[0].Narrative, "made-up.example.com")
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("journal_a", "BCI item")})

	res, err := h.pipeline.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDryRun, res.Status)
	assert.Equal(t, 0, h.oracle.Total())
	assert.Equal(t, 1, res.Metrics.InScope)
	assert.Empty(t, res.RunID)

	hist, err := h.store.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hist)
	sources, err := h.store.LoadSources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_LockContention(t *testing.T) {
	h := newHarness(t, []model.RawItem{bciItem("journal_a", "BCI item")})

	held, err := AcquireLock(h.pipeline.settings.LockPath)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Nil(t, res)
	assert.Equal(t, 0, h.oracle.Total())
}

func TestRun_LogsClampWarning(t *testing.T) {
	title := "BCI item with wild score"
	h := newHarness(t, []model.RawItem{bciItem("journal_a", title)})
	h.oracle.score = scoresByTitle(map[string]int{title: -3})

	core, logs := observer.New(zapcore.WarnLevel)
	zap.ReplaceGlobals(zap.New(core))
	defer zap.ReplaceGlobals(zap.NewNop())

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, findScored(t, res, title).Score)

	clamped := logs.FilterMessage("pipeline: score out of range, clamped").All()
	require.Len(t, clamped, 1)
	assert.Equal(t, int64(-3), clamped[0].ContextMap()["proposed"])
}

func TestRun_DiscoversRepeatedSearchDomain(t *testing.T) {
	var items []model.RawItem
	scores := make(map[string]int)
	for i := 1; i <= 2; i++ {
		title := fmt.Sprintf("Neurotech startup BCI milestone %d", i)
		it := model.NewRawItem("tavily", model.SourceCategorySearch, "", title,
			"Implantable brain-computer interface trial.", fmt.Sprintf("https://neuroblog.example.com/post-%d", i), nil)
		it.Domain = "neuroblog.example.com"
		items = append(items, it)
		scores[title] = 8
	}
	h := newHarness(t, items)
	h.oracle.score = scoresByTitle(scores)

	res, err := h.pipeline.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics.Discovered)

	var found bool
	for _, src := range res.Sources {
		if !src.Curated && src.DiscoveredDate != nil {
			found = true
		}
	}
	assert.True(t, found)
}
