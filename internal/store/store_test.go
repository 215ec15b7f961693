package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/moodlens/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("moodlens_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	counts := types.NewCounts()
	counts[types.Happiness] = 4
	counts[types.Sadness] = 2

	older := types.RunRecord{
		ID: "run-old", Mode: "continuous", Source: "/dev/video0",
		StartedAt: base, EndedAt: base.Add(time.Minute),
		FramesSampled: 10, FramesAnalyzed: 10, Detections: 6,
		Counts: counts,
	}
	newer := types.RunRecord{
		ID: "run-new", Mode: "scan", Source: "clip.mp4",
		StartedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour + time.Second),
		Counts: types.NewCounts(), Error: "frame source closed",
	}
	for _, rec := range []types.RunRecord{older, newer} {
		if err := s.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun(%s) failed: %v", rec.ID, err)
		}
	}

	// Re-recording replaces rather than duplicates
	older.Detections = 7
	older.Counts[types.Anger] = 1
	if err := s.RecordRun(ctx, older); err != nil {
		t.Fatalf("RecordRun (update) failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("Expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}
	if runs[0].Error != "frame source closed" || runs[0].Mode != "scan" {
		t.Errorf("Unexpected newer run: %+v", runs[0])
	}

	got := runs[1]
	if got.Detections != 7 || !got.StartedAt.Equal(base) {
		t.Errorf("Unexpected older run: %+v", got)
	}
	for _, cat := range types.AllCategories {
		if got.Counts[cat] != older.Counts[cat] {
			t.Errorf("%s: got %d, want %d", cat, got.Counts[cat], older.Counts[cat])
		}
	}

	// Limit
	limited, err := s.ListRuns(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListRuns(1) = %d runs, %v", len(limited), err)
	}

	// Prune
	n, err := s.PruneBefore(ctx, base.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneBefore = %d, %v", n, err)
	}

	// Reset drops the tables; ListRuns must then fail until the schema is recreated
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 10); err == nil {
		t.Error("Expected ListRuns to fail after Reset")
	}
}

func TestRecordRunRequiresID(t *testing.T) {
	s := &Store{}
	if err := s.RecordRun(context.Background(), types.RunRecord{}); err == nil {
		t.Fatal("Expected an error for a record without id")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
