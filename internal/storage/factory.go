package storage

import (
	"fmt"
	"sort"

	"nnetcore/internal/model"
)

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

// sortRuns orders runs oldest first; ids break ties.
func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}

func sortPhaseReports(reports []model.PhaseReport) {
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Phase != reports[j].Phase {
			return reports[i].Phase < reports[j].Phase
		}
		return reports[i].Output < reports[j].Output
	})
}
