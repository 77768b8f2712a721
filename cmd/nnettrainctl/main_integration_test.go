//go:build sqlite

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTrainCommandSQLitePersistsPhasesAndTotals(t *testing.T) {
	workdir := chdirTemp(t)
	dbPath := filepath.Join(workdir, "nnettrain.db")

	args := trainArgs("--run-id", "sqlite-run")
	args[2] = "sqlite"
	args = append(args, "--db-path", dbPath, "--momentum", "0.5")
	if _, err := captureStdout(func() error {
		return run(context.Background(), args)
	}); err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	// remove the artifact copy so reads must come from the database
	if err := os.Remove(filepath.Join(runsDir, "sqlite-run", "phase_reports.csv")); err != nil {
		t.Fatalf("remove csv: %v", err)
	}

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"phases", "--store", "sqlite", "--db-path", dbPath, "--run-id", "sqlite-run"})
	})
	if err != nil {
		t.Fatalf("phases: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(out), "\n")); got != 2 {
		t.Fatalf("expected 2 phase rows, got %d: %q", got, out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"totals", "--store", "sqlite", "--db-path", dbPath, "--latest"})
	})
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !strings.Contains(out, "output=output minibatches=20") {
		t.Fatalf("unexpected totals output: %q", out)
	}
}

func TestInitCommandSQLite(t *testing.T) {
	workdir := chdirTemp(t)
	dbPath := filepath.Join(workdir, "init.db")
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"init", "--store", "sqlite", "--db-path", dbPath})
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if strings.TrimSpace(out) != "initialized store=sqlite" {
		t.Fatalf("unexpected output: %q", out)
	}
}
