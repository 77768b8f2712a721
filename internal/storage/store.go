package storage

import (
	"context"

	"nnetcore/internal/model"
)

// Store persists training runs together with their phase reports and final
// objective totals.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SavePhaseReport(ctx context.Context, runID string, report model.PhaseReport) error
	ListPhaseReports(ctx context.Context, runID string) ([]model.PhaseReport, bool, error)
	SaveTotals(ctx context.Context, runID string, totals []model.ObjectiveTotals) error
	GetTotals(ctx context.Context, runID string) ([]model.ObjectiveTotals, bool, error)
}
