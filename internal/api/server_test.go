package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/newshound/internal/dedup"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/store"
)

var apiNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.FileStore
	dir   string
	runID string
	fp    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st := store.NewFile(dir)
	require.NoError(t, st.Migrate(ctx))

	recent := apiNow.AddDate(0, 0, -3)
	stale := apiNow.AddDate(0, 0, -60)
	require.NoError(t, st.SaveSources(ctx, map[string]model.Source{
		"journal_a": {ID: "journal_a", Name: "Journal A", Type: model.SourceTypeRSS, Enabled: true, Curated: true,
			Stats: model.SourceStats{Runs: 8, LastHitDate: &recent}},
		"journal_b": {ID: "journal_b", Name: "Journal B", Type: model.SourceTypeRSS, Enabled: true,
			Stats: model.SourceStats{Runs: 8, LastHitDate: &stale}},
		"fresh": {ID: "fresh", Name: "Never fetched", Type: model.SourceTypeRSS, Enabled: true},
	}))

	fp := model.Fingerprint("Speech BCI trial", "https://example.org/speech")
	score := 9
	require.NoError(t, st.SaveHistory(ctx, map[string]model.DedupRecord{
		fp: {Title: "Speech BCI trial", LastScore: &score, LastCategory: model.CategoryImplantableBCI,
			FirstSeenDate: recent, LastSeenDate: recent, TimesSeen: 2},
	}))

	run, err := st.CreateRun(ctx)
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, run.ID, &model.RunResult{
		RunID:  run.ID,
		Status: model.RunStatusComplete,
		Themes: []model.Theme{{Name: "Speech"}},
		Alerts: []model.ScoredItem{{Ref: "i1", Score: 9}},
		Brief:  &model.ExecutiveBrief{TLDR: "Big week.", OverallAssessment: model.AssessmentActiveWeek},
		Metrics: model.RunMetrics{
			Scored: 5,
			Usage:  model.TokenUsage{Cost: 0.3},
		},
	}))
	failed, err := st.CreateRun(ctx)
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, failed.ID, &model.RunResult{
		RunID:   failed.ID,
		Status:  model.RunStatusFailed,
		Failure: &model.RunFailure{Stage: "score", InFlight: 2, Message: "oracle unavailable"},
	}))

	return &fixture{store: st, dir: dir, runID: run.ID, fp: fp}
}

type stubChecker struct {
	health monitoring.Health
	err    error
}

func (s stubChecker) Check(context.Context) (monitoring.Health, error) { return s.health, s.err }

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func newServer(f *fixture, opts ...Option) *Server {
	opts = append([]Option{WithClock(func() time.Time { return apiNow })}, opts...)
	return New(f.store, opts...)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := serve(t, newServer(f), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)

	degraded := stubChecker{health: monitoring.Health{
		Snapshot: &monitoring.Snapshot{Failed: 2},
		Alerts:   []monitoring.Alert{{Type: monitoring.AlertConsecutiveFailures, Message: "last 2 runs failed"}},
	}}
	rec = serve(t, newServer(f, WithChecker(degraded)), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	got := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", got.Status)
	require.NotNil(t, got.Health)
	require.Len(t, got.Health.Alerts, 1)

	rec = serve(t, newServer(f, WithChecker(stubChecker{err: errors.New("disk")})), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	srv := newServer(f)

	rec := serve(t, srv, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]runSummary](t, rec)
	require.Len(t, runs, 2)

	rec = serve(t, srv, "/runs?status=complete")
	runs = decode[[]runSummary](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, f.runID, runs[0].ID)
	assert.Equal(t, "active_week", runs[0].Assessment)
	assert.Equal(t, 5, runs[0].Scored)
	assert.Equal(t, 1, runs[0].Themes)
	assert.Equal(t, 1, runs[0].Alerts)

	rec = serve(t, srv, "/runs?status=failed")
	runs = decode[[]runSummary](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "score", runs[0].FailedAt)

	assert.Equal(t, http.StatusBadRequest, serve(t, srv, "/runs?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, srv, "/runs?offset=-1").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, srv, "/runs?limit=abc").Code)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	srv := newServer(f)

	rec := serve(t, srv, "/runs/"+f.runID)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[model.Run](t, rec)
	require.NotNil(t, run.Result)
	require.NotNil(t, run.Result.Brief)
	assert.Equal(t, "Big week.", run.Result.Brief.TLDR)

	rec = serve(t, srv, "/runs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run not found", decode[map[string]string](t, rec)["error"])
}

func TestSources(t *testing.T) {
	f := newFixture(t)
	srv := newServer(f, WithThresholds(30, 7))

	rec := serve(t, srv, "/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	sources := decode[[]model.Source](t, rec)
	require.Len(t, sources, 3)
	assert.Equal(t, "fresh", sources[0].ID)

	rec = serve(t, srv, "/sources/cold")
	require.Equal(t, http.StatusOK, rec.Code)
	cold := decode[[]model.Source](t, rec)
	require.Len(t, cold, 1)
	assert.Equal(t, "journal_b", cold[0].ID)

	rec = serve(t, srv, "/sources/cold?days=90")
	assert.Empty(t, decode[[]model.Source](t, rec))

	assert.Equal(t, http.StatusBadRequest, serve(t, srv, "/sources/cold?days=0").Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	srv := newServer(f)

	rec := serve(t, srv, "/history/"+f.fp)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.DedupRecord](t, rec)
	assert.Equal(t, "Speech BCI trial", got.Title)
	require.NotNil(t, got.LastScore)
	assert.Equal(t, 9, *got.LastScore)

	assert.Equal(t, http.StatusNotFound, serve(t, srv, "/history/0000000000000000").Code)

	rec = serve(t, srv, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[dedup.Stats](t, rec)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Repeats)
}

func TestCorruptState(t *testing.T) {
	f := newFixture(t)
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			require.NoError(t, os.WriteFile(filepath.Join(f.dir, e.Name()), []byte("{not json"), 0o644))
		}
	}

	rec := serve(t, newServer(f), "/sources")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "corrupt")
}

func TestMetricsAndCORS(t *testing.T) {
	f := newFixture(t)
	m := monitoring.NewMetrics()
	m.AddItems("fetched", 3)
	srv := newServer(f, WithMetrics(m.Handler()), WithAllowedOrigins([]string{"https://dash.example.org"}))

	rec := serve(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "newshound_items_total")

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Origin", "https://dash.example.org")
	out := httptest.NewRecorder()
	srv.Routes().ServeHTTP(out, req)
	assert.Equal(t, "https://dash.example.org", out.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, http.StatusNotFound, serve(t, newServer(f), "/metrics").Code)
}
