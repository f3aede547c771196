package loadtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestCreateTestDatabase verifies the seeded records start at version 1.
func TestCreateTestDatabase(t *testing.T) {
	ctx := context.Background()
	td, err := CreateTestDatabase(ctx, filepath.Join(t.TempDir(), "test.db"), 50, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer td.Close()

	if len(td.IDs) != 50 {
		t.Errorf("Expected 50 records, got %d", len(td.IDs))
	}
	if err := td.VerifyVersions(ctx, nil); err != nil {
		t.Errorf("fresh database: %v", err)
	}
}

// TestConcurrentWriters_NoLostUpdates verifies that racing saves to shared
// records each bump the version exactly once.
func TestConcurrentWriters_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	td, err := CreateTestDatabase(ctx, filepath.Join(t.TempDir(), "test.db"), 10, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer td.Close()

	result, err := td.RunConcurrentWriters(ctx, 8, 25)
	if err != nil {
		t.Fatalf("Concurrent writers failed: %v", err)
	}
	if result.Stats.Errors > 0 {
		t.Errorf("Got %d errors during writes", result.Stats.Errors)
	}
	if result.Stats.Operations != 200 {
		t.Errorf("Expected 200 writes, got %d", result.Stats.Operations)
	}

	total := 0
	for _, n := range result.Writes {
		total += n
	}
	if total != 200-result.Stats.Errors {
		t.Errorf("write counts add up to %d", total)
	}

	if err := td.VerifyVersions(ctx, result.Writes); err != nil {
		t.Errorf("version check failed: %v", err)
	}

	if testing.Verbose() {
		result.Stats.PrintStats(os.Stdout)
	}
}

// TestNoRaceConditions verifies that readers never see a version go
// backwards while writers are active.
func TestNoRaceConditions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	td, err := CreateTestDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db"), 20, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer td.Close()

	if err := td.VerifyNoRaceConditions(4, 4, 500*time.Millisecond); err != nil {
		t.Errorf("Race condition detected: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.Operations != 100 {
		t.Errorf("Operations = %d", stats.Operations)
	}
	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
