package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
)

const (
	historyFile = "history.json"
	sourcesFile = "sources.json"
	runsFile    = "runs.json"
)

// FileStore keeps state as JSON documents in a directory. Every write goes
// to a temp file that is renamed over the target, so readers never observe
// a half-written document.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

type runLog struct {
	Runs   []model.Run      `json:"runs"`
	Phases []model.RunPhase `json:"phases"`
}

// NewFile returns a FileStore rooted at dir.
func NewFile(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Migrate creates the state directory.
func (s *FileStore) Migrate(_ context.Context) error {
	return eris.Wrap(os.MkdirAll(s.dir, 0o755), "file: create state dir")
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// LoadHistory reads the dedup history. A missing file yields an empty map.
func (s *FileStore) LoadHistory(_ context.Context) (map[string]model.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]model.DedupRecord)
	if err := s.readJSON(historyFile, &records); err != nil {
		return make(map[string]model.DedupRecord), err
	}
	return records, nil
}

// SaveHistory writes the dedup history.
func (s *FileStore) SaveHistory(_ context.Context, records map[string]model.DedupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(historyFile, records)
}

// LookupRecord returns one dedup record.
func (s *FileStore) LookupRecord(ctx context.Context, fingerprint string) (*model.DedupRecord, error) {
	records, err := s.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := records[fingerprint]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "fingerprint %s", fingerprint)
	}
	return &rec, nil
}

// LoadSources reads the source registry. A missing file yields an empty map.
func (s *FileStore) LoadSources(_ context.Context) (map[string]model.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources := make(map[string]model.Source)
	if err := s.readJSON(sourcesFile, &sources); err != nil {
		return make(map[string]model.Source), err
	}
	return sources, nil
}

// SaveSources writes the source registry.
func (s *FileStore) SaveSources(_ context.Context, sources map[string]model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(sourcesFile, sources)
}

// CreateRun appends a running run to the log. An undecodable log is moved
// aside and a fresh one started.
func (s *FileStore) CreateRun(_ context.Context) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if errors.Is(err, ErrCorrupt) {
		log, err = s.resetRunLog(err)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log.Runs = append(log.Runs, run)
	if err := s.writeJSON(runsFile, log); err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishRun stores the result and its status.
func (s *FileStore) FinishRun(_ context.Context, runID string, result *model.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if err != nil {
		return err
	}
	for i := range log.Runs {
		if log.Runs[i].ID != runID {
			continue
		}
		stored := result.WithoutSnapshots()
		log.Runs[i].Status = result.Status
		log.Runs[i].Result = &stored
		log.Runs[i].UpdatedAt = time.Now().UTC()
		return s.writeJSON(runsFile, log)
	}
	return eris.Wrapf(ErrNotFound, "run %s", runID)
}

// GetRun returns one run.
func (s *FileStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if err != nil {
		return nil, err
	}
	for _, r := range log.Runs {
		if r.ID == runID {
			return &r, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
}

// ListRuns returns runs newest first.
func (s *FileStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if err != nil {
		return nil, err
	}
	runs := make([]model.Run, 0, len(log.Runs))
	for _, r := range log.Runs {
		if filter.Status == "" || r.Status == filter.Status {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if filter.Offset >= len(runs) {
		return nil, nil
	}
	runs = runs[filter.Offset:]
	if limit := defaultLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CreatePhase records the start of a phase.
func (s *FileStore) CreatePhase(_ context.Context, runID string, name string) (*model.RunPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if err != nil {
		return nil, err
	}
	phase := model.RunPhase{
		ID:        uuid.New().String(),
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	log.Phases = append(log.Phases, phase)
	if err := s.writeJSON(runsFile, log); err != nil {
		return nil, err
	}
	return &phase, nil
}

// CompletePhase stores the phase outcome.
func (s *FileStore) CompletePhase(_ context.Context, phaseID string, result *model.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.loadRunLog()
	if err != nil {
		return err
	}
	for i := range log.Phases {
		if log.Phases[i].ID == phaseID {
			log.Phases[i].Status = result.Status
			log.Phases[i].Result = result
			return s.writeJSON(runsFile, log)
		}
	}
	return eris.Wrapf(ErrNotFound, "phase %s", phaseID)
}

func (s *FileStore) loadRunLog() (*runLog, error) {
	var log runLog
	if err := s.readJSON(runsFile, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *FileStore) resetRunLog(cause error) (*runLog, error) {
	src := filepath.Join(s.dir, runsFile)
	dst := fmt.Sprintf("%s.corrupt-%d", src, time.Now().UTC().Unix())
	if err := os.Rename(src, dst); err != nil {
		return nil, eris.Wrap(err, "file: move aside corrupt run log")
	}
	zap.L().Warn("file: run log unreadable, starting a new one",
		zap.Error(cause),
		zap.String("moved_to", dst),
	)
	return &runLog{}, nil
}

// readJSON decodes name into v. Missing files leave v untouched; undecodable
// files return ErrCorrupt.
func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "file: read %s", name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(ErrCorrupt, "file: decode %s: %v", name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return eris.Wrap(err, "file: create state dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "file: encode %s", name)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "file: create temp for %s", name)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "file: write %s", name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "file: sync %s", name)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "file: close %s", name)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), filepath.Join(s.dir, name)), "file: replace %s", name)
}
