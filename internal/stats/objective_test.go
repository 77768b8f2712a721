package stats

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"nnetcore/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestObjectiveInfoReportsEachPhase(t *testing.T) {
	const perPhase = 3
	var reports []model.PhaseReport
	info := NewObjectiveInfo("output", perPhase, discardLogger(), func(r model.PhaseReport) {
		reports = append(reports, r)
	})

	for i := 0; i < 2*perPhase; i++ {
		info.Update(4, -2)
	}

	if len(reports) != 2 {
		t.Fatalf("unexpected report count: got=%d want=2", len(reports))
	}
	for i, r := range reports {
		if r.Phase != i {
			t.Fatalf("report %d: got phase=%d want=%d", i, r.Phase, i)
		}
		if math.Abs(r.AvgObjective-(-0.5)) > 1e-12 {
			t.Fatalf("report %d: got avg=%f want=-0.5", i, r.AvgObjective)
		}
		if r.Weight != 4*perPhase {
			t.Fatalf("report %d: got weight=%f want=%d", i, r.Weight, 4*perPhase)
		}
	}
	if reports[1].StartMinibatch != 3 || reports[1].EndMinibatch != 5 {
		t.Fatalf("unexpected minibatch range: %+v", reports[1])
	}

	avg, ok := info.FinalReport()
	if !ok || math.Abs(avg-(-0.5)) > 1e-12 {
		t.Fatalf("unexpected final report: avg=%f ok=%t", avg, ok)
	}
}

func TestObjectiveInfoNoWeight(t *testing.T) {
	info := NewObjectiveInfo("output", 10, discardLogger(), nil)
	if _, ok := info.FinalReport(); ok {
		t.Fatal("expected no weight")
	}
	info.Update(0, 0)
	if info.PrintTotalStats() {
		t.Fatal("expected PrintTotalStats to report no weight")
	}
}

func TestObjectiveInfoPhaseSkipPanics(t *testing.T) {
	info := NewObjectiveInfo("output", 1, discardLogger(), nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on phase skip")
		}
	}()
	info.advance(2)
}

func TestObjectiveSetPrintTotalStats(t *testing.T) {
	var buf bytes.Buffer
	set := NewObjectiveSet(100, slog.New(slog.NewTextHandler(&buf, nil)), nil)
	set.Update("output-b", 0, 0)
	set.Update("output-a", 2, -1)

	if !set.PrintTotalStats() {
		t.Fatal("expected nonzero weight")
	}
	logged := buf.String()
	if !strings.Contains(logged, "log-prob-per-frame=-0.5") {
		t.Fatalf("missing parsable line in log: %s", logged)
	}
	if !strings.Contains(logged, "output=output-b") {
		t.Fatalf("expected every output to be printed: %s", logged)
	}

	totals := set.Totals()
	if len(totals) != 2 || totals[0].Output != "output-a" || totals[0].AvgObjf != -0.5 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}
