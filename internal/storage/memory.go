package storage

import (
	"context"
	"errors"
	"sync"

	"nnetcore/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type phaseKey struct {
	output string
	phase  int
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	reports     map[string]map[phaseKey]model.PhaseReport
	totals      map[string][]model.ObjectiveTotals
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.reports = make(map[string]map[phaseKey]model.PhaseReport)
	s.totals = make(map[string][]model.ObjectiveTotals)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// SavePhaseReport replaces any earlier report for the same output and phase.
func (s *MemoryStore) SavePhaseReport(_ context.Context, runID string, report model.PhaseReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	byPhase, ok := s.reports[runID]
	if !ok {
		byPhase = make(map[phaseKey]model.PhaseReport)
		s.reports[runID] = byPhase
	}
	byPhase[phaseKey{output: report.Output, phase: report.Phase}] = report
	return nil
}

func (s *MemoryStore) ListPhaseReports(_ context.Context, runID string) ([]model.PhaseReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPhase, ok := s.reports[runID]
	if !ok {
		return nil, false, nil
	}
	reports := make([]model.PhaseReport, 0, len(byPhase))
	for _, report := range byPhase {
		reports = append(reports, report)
	}
	sortPhaseReports(reports)
	return reports, true, nil
}

func (s *MemoryStore) SaveTotals(_ context.Context, runID string, totals []model.ObjectiveTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	copied := make([]model.ObjectiveTotals, len(totals))
	copy(copied, totals)
	s.totals[runID] = copied
	return nil
}

func (s *MemoryStore) GetTotals(_ context.Context, runID string) ([]model.ObjectiveTotals, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals, ok := s.totals[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.ObjectiveTotals, len(totals))
	copy(copied, totals)
	return copied, true, nil
}
