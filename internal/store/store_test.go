package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/newshound/internal/model"
)

func intPtr(v int) *int { return &v }

func sampleHistory() map[string]model.DedupRecord {
	seen := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	return map[string]model.DedupRecord{
		"aaaaaaaaaaaaaaaa": {
			Title:         "Neuralink implant trial",
			LastScore:     intPtr(8),
			LastCategory:  model.CategoryImplantableBCI,
			FirstSeenDate: seen.AddDate(0, 0, -7),
			LastSeenDate:  seen,
			TimesSeen:     2,
		},
		"bbbbbbbbbbbbbbbb": {
			Title:         "Never scored",
			FirstSeenDate: seen,
			LastSeenDate:  seen,
			TimesSeen:     1,
		},
	}
}

func sampleSources() map[string]model.Source {
	hit := time.Date(2026, 2, 23, 7, 0, 0, 0, time.UTC)
	return map[string]model.Source{
		"biorxiv_neuro": {
			ID: "biorxiv_neuro", Name: "bioRxiv Neuroscience",
			Category: model.SourceCategoryPreprint, Type: model.SourceTypeRSS,
			URL: "https://connect.biorxiv.org/biorxiv_xml/neuroscience", Curated: true, Enabled: true,
			Stats: model.SourceStats{ItemsFetchedTotal: 40, ItemsInScopeTotal: 6, Runs: 3, LastHitDate: &hit, Status: model.SourceStatusActive},
		},
	}
}

// exerciseStore runs the shared behavior checks against any Store.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty state", func(t *testing.T) {
		h, err := st.LoadHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, h)
		s, err := st.LoadSources(ctx)
		require.NoError(t, err)
		assert.Empty(t, s)
	})

	t.Run("history round trip", func(t *testing.T) {
		want := sampleHistory()
		require.NoError(t, st.SaveHistory(ctx, want))

		got, err := st.LoadHistory(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)

		a := got["aaaaaaaaaaaaaaaa"]
		require.NotNil(t, a.LastScore)
		assert.Equal(t, 8, *a.LastScore)
		assert.Equal(t, model.CategoryImplantableBCI, a.LastCategory)
		assert.Equal(t, 2, a.TimesSeen)
		assert.True(t, want["aaaaaaaaaaaaaaaa"].LastSeenDate.Equal(a.LastSeenDate))
		assert.Nil(t, got["bbbbbbbbbbbbbbbb"].LastScore)
	})

	t.Run("save replaces", func(t *testing.T) {
		h := sampleHistory()
		delete(h, "bbbbbbbbbbbbbbbb")
		require.NoError(t, st.SaveHistory(ctx, h))

		got, err := st.LoadHistory(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("lookup", func(t *testing.T) {
		rec, err := st.LookupRecord(ctx, "aaaaaaaaaaaaaaaa")
		require.NoError(t, err)
		assert.Equal(t, "Neuralink implant trial", rec.Title)

		_, err = st.LookupRecord(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("sources round trip", func(t *testing.T) {
		require.NoError(t, st.SaveSources(ctx, sampleSources()))
		got, err := st.LoadSources(ctx)
		require.NoError(t, err)
		require.Contains(t, got, "biorxiv_neuro")
		src := got["biorxiv_neuro"]
		assert.True(t, src.Curated)
		assert.Equal(t, 6, src.Stats.ItemsInScopeTotal)
		require.NotNil(t, src.Stats.LastHitDate)
	})

	t.Run("run lifecycle", func(t *testing.T) {
		run, err := st.CreateRun(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, run.Status)

		phase, err := st.CreatePhase(ctx, run.ID, "score")
		require.NoError(t, err)
		require.NoError(t, st.CompletePhase(ctx, phase.ID, &model.PhaseResult{
			Name: "score", Status: model.PhaseStatusComplete, Duration: 1200,
		}))

		result := &model.RunResult{
			RunID:   run.ID,
			Status:  model.RunStatusQuietWeek,
			History: sampleHistory(),
			Sources: sampleSources(),
			Metrics: model.RunMetrics{Fetched: 12, InScope: 0},
		}
		require.NoError(t, st.FinishRun(ctx, run.ID, result))

		got, err := st.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusQuietWeek, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, 12, got.Result.Metrics.Fetched)
		assert.Nil(t, got.Result.History)
		assert.Nil(t, got.Result.Sources)

		// The caller's result keeps its snapshots.
		assert.Len(t, result.History, 2)
	})

	t.Run("list runs", func(t *testing.T) {
		second, err := st.CreateRun(ctx)
		require.NoError(t, err)

		all, err := st.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		running, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, second.ID, running[0].ID)

		limited, err := st.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := st.GetRun(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))

		err = st.FinishRun(ctx, "nope", &model.RunResult{Status: model.RunStatusFailed})
		assert.True(t, errors.Is(err, ErrNotFound))

		err = st.CompletePhase(ctx, "nope", &model.PhaseResult{Status: model.PhaseStatusFailed})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}
