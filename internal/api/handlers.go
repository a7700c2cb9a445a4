package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/dedup"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/registry"
	"github.com/sells-group/newshound/internal/store"
)

type healthResponse struct {
	Status string             `json:"status"`
	Health *monitoring.Health `json:"health,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	h, err := s.checker.Check(r.Context())
	if err != nil {
		s.log.Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	status := "ok"
	if !h.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Health: &h})
}

// runSummary is a list entry; the full result is served by /runs/{id}.
type runSummary struct {
	ID         string          `json:"id"`
	Status     model.RunStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Assessment string          `json:"assessment,omitempty"`
	Scored     int             `json:"scored"`
	Themes     int             `json:"themes"`
	Alerts     int             `json:"alerts"`
	CostUSD    float64         `json:"cost_usd"`
	FailedAt   string          `json:"failed_stage,omitempty"`
}

func summarize(run model.Run) runSummary {
	s := runSummary{
		ID:        run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if res := run.Result; res != nil {
		s.Scored = res.Metrics.Scored
		s.Themes = len(res.Themes)
		s.Alerts = len(res.Alerts)
		s.CostUSD = res.Metrics.Usage.Cost
		if res.Brief != nil {
			s.Assessment = string(res.Brief.OverallAssessment)
		}
		if res.Failure != nil {
			s.FailedAt = res.Failure.Stage
		}
	}
	return s
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 20)
	if err != nil || limit < 1 || limit > 500 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeStoreError(w, err, "runs")
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) loadRegistry(w http.ResponseWriter, r *http.Request) (*registry.Registry, bool) {
	sources, err := s.store.LoadSources(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "sources")
		return nil, false
	}
	return registry.New(sources, 0), true
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.loadRegistry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reg.List())
}

func (s *Server) handleColdSources(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r.URL.Query().Get("days"), s.coldDays)
	if err != nil || days < 1 {
		writeError(w, http.StatusBadRequest, "days must be >= 1")
		return
	}
	reg, ok := s.loadRegistry(w, r)
	if !ok {
		return
	}
	cold := reg.ListCold(s.now().UTC(), days)
	if cold == nil {
		cold = []model.Source{}
	}
	writeJSON(w, http.StatusOK, cold)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.LoadHistory(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "history")
		return
	}
	writeJSON(w, http.StatusOK, dedup.New(records, s.threshold).Stats())
}

func (s *Server) handleLookupRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.LookupRecord(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.writeStoreError(w, err, "fingerprint")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
