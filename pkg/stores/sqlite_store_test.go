package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(id, stepURI string, started time.Time) *Run {
	return &Run{
		ID:        id,
		StepURI:   stepURI,
		Protocol:  "Illumina Library Prep",
		StepName:  "Pooling",
		Goal:      "Completed",
		Username:  "apiuser",
		Server:    "https://lims.example.com",
		StartedAt: started,
	}
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store should use one connection, got %d", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "transitions"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := newRun("run-1", "https://lims.example.com/api/v2/steps/24-100", time.Time{})
	if err := store.StartRun(ctx, run); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.Status != RunStatusRunning || run.StartedAt.IsZero() {
		t.Errorf("StartRun should default status and start time, got %q %v", run.Status, run.StartedAt)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.StepURI != run.StepURI || got.Username != "apiuser" || got.Goal != "Completed" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.CompletedAt != nil || got.Error != nil {
		t.Error("a running run should have no completion time or error")
	}

	msg := "step stalled in Placement"
	if err := store.FinishRun(ctx, "run-1", RunStatusFailed, &msg); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("error = %v, want %q", got.Error, msg)
	}
	if got.CompletedAt == nil {
		t.Error("FinishRun should set the completion time")
	}

	if err := store.FinishRun(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun on a missing run = %v, want ErrNotFound", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun on a missing run = %v, want ErrNotFound", err)
	}
}

func TestTransitionsInOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, newRun("run-1", "steps/24-1", time.Now())); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	screens := [][2]string{
		{"Started", "Pooling"},
		{"Pooling", "Record Details"},
		{"Record Details", "Assign Next Steps"},
		{"Assign Next Steps", "Completed"},
	}
	for _, s := range screens {
		tr := &Transition{RunID: "run-1", FromState: s[0], ToState: s[1], StartedAt: time.Now(), Duration: 1500 * time.Millisecond}
		if err := store.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition failed: %v", err)
		}
		if tr.ID == 0 {
			t.Error("RecordTransition should assign an ID")
		}
	}

	got, err := store.ListTransitions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(got) != len(screens) {
		t.Fatalf("expected %d transitions, got %d", len(screens), len(got))
	}
	for i, tr := range got {
		if tr.FromState != screens[i][0] || tr.ToState != screens[i][1] {
			t.Errorf("transition %d = %s -> %s", i, tr.FromState, tr.ToState)
		}
		if tr.Duration != 1500*time.Millisecond {
			t.Errorf("transition %d duration = %v", i, tr.Duration)
		}
	}

	// Transitions need an existing run.
	if err := store.RecordTransition(ctx, &Transition{RunID: "missing", FromState: "a", ToState: "b", StartedAt: time.Now()}); err == nil {
		t.Error("expected a foreign key error for an unknown run")
	}
}

func TestListRunsFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		step := "steps/24-1"
		if i%2 == 1 {
			step = "steps/24-2"
		}
		if err := store.StartRun(ctx, newRun(id, step, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}
	if err := store.FinishRun(ctx, "c", RunStatusCompleted, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 4 || all[0].ID != "d" {
		t.Errorf("expected 4 runs newest first, got %d starting with %q", len(all), all[0].ID)
	}

	byStep, _ := store.ListRuns(ctx, RunFilter{StepURI: "steps/24-1"})
	if len(byStep) != 2 {
		t.Errorf("expected 2 runs for step, got %d", len(byStep))
	}

	completed, _ := store.ListRuns(ctx, RunFilter{Status: RunStatusCompleted})
	if len(completed) != 1 || completed[0].ID != "c" {
		t.Errorf("unexpected completed runs: %v", completed)
	}

	page, _ := store.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "c" {
		t.Errorf("unexpected page: %d runs", len(page))
	}
}

func TestDeleteAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	_ = store.StartRun(ctx, newRun("old-1", "steps/1", old))
	_ = store.StartRun(ctx, newRun("old-2", "steps/2", old))
	_ = store.StartRun(ctx, newRun("new", "steps/3", time.Now()))
	_ = store.RecordTransition(ctx, &Transition{RunID: "old-1", FromState: "Started", ToState: "Placement", StartedAt: old})

	n, err := store.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d runs, want 2", n)
	}

	trs, _ := store.ListTransitions(ctx, "old-1")
	if len(trs) != 0 {
		t.Error("pruning a run should cascade to its transitions")
	}

	if err := store.DeleteRun(ctx, "new"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if err := store.DeleteRun(ctx, "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}
