// Package loadtest exercises the record store under concurrent writers.
//
// Every write must land exactly once: after a run, each record's version is
// one more than the number of saves that reported success for it, and no
// write may have fallen back to memory.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/session"
	"github.com/repcue/localsync/internal/store"
)

// TestDatabase is a populated database for load testing.
type TestDatabase struct {
	DB    *db.DB
	Store *store.Store
	IDs   []string
}

// LatencyStats captures performance metrics from a load test.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// WriteResult is the outcome of RunConcurrentWriters.
type WriteResult struct {
	Stats *LatencyStats
	// Writes counts the successful saves per record id.
	Writes map[string]int
}

// CreateTestDatabase creates a migrated database at dbPath holding
// numRecords exercises, each at version 1.
func CreateTestDatabase(ctx context.Context, dbPath string, numRecords int, logger *zap.Logger) (*TestDatabase, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	database, err := db.Open(dbPath, db.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := migrate.New(database, logger).Migrate(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	sess := session.Session{OwnerID: "loadtest", Consent: true}
	td := &TestDatabase{
		DB:    database,
		Store: store.New(database, store.Options{Auth: sess, Identity: sess, Logger: logger}),
		IDs:   make([]string, 0, numRecords),
	}

	for i := 0; i < numRecords; i++ {
		ex := newExercise(fmt.Sprintf("load-%05d", i), 0, 0)
		if err := td.Store.Save(ctx, ex); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to insert %s: %w", ex.Sync.ID, err)
		}
		td.IDs = append(td.IDs, ex.Sync.ID)
	}
	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

func newExercise(id string, writer, n int) *schema.Exercise {
	ex := &schema.Exercise{
		Name:        fmt.Sprintf("Load %s w%d n%d", id, writer, n),
		Category:    schema.CategoryCore,
		Type:        schema.ExerciseRepetitionBased,
		DefaultSets: 1 + n%5,
		DefaultReps: 10,
		Tags:        []string{"loadtest"},
	}
	ex.Sync.ID = id
	return ex
}

// RunConcurrentWriters starts numWriters goroutines that each save
// writesPerWriter edits to randomly chosen records. Writers share ids on
// purpose so that saves to the same record race.
func (td *TestDatabase) RunConcurrentWriters(ctx context.Context, numWriters, writesPerWriter int) (*WriteResult, error) {
	if len(td.IDs) == 0 {
		return nil, fmt.Errorf("no records to write")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    []time.Duration
		writes = make(map[string]int, len(td.IDs))
		errs   int
	)

	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(writer) + 1))
			durations := make([]time.Duration, 0, writesPerWriter)
			mine := make(map[string]int)
			failed := 0

			for n := 0; n < writesPerWriter; n++ {
				if ctx.Err() != nil {
					break
				}
				id := td.IDs[rng.Intn(len(td.IDs))]
				start := time.Now()
				err := td.Store.Save(ctx, newExercise(id, writer, n))
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
					continue
				}
				mine[id]++
			}

			mu.Lock()
			all = append(all, durations...)
			for id, c := range mine {
				writes[id] += c
			}
			errs += failed
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no writes completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errs
	return &WriteResult{Stats: stats, Writes: writes}, nil
}

// VerifyVersions checks that every record's version accounts for exactly
// the successful writes in writes, and that nothing fell back to memory.
func (td *TestDatabase) VerifyVersions(ctx context.Context, writes map[string]int) error {
	if n := td.Store.FallbackLen(); n > 0 {
		return fmt.Errorf("%d writes fell back to memory", n)
	}
	for _, id := range td.IDs {
		rec, err := td.Store.Get(ctx, schema.KindExercise, id)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		env := rec.Envelope()
		want := uint64(1 + writes[id])
		if env.Version != want {
			return fmt.Errorf("%s: version %d, want %d", id, env.Version, want)
		}
		if writes[id] > 0 && !env.Dirty {
			return fmt.Errorf("%s: edited record is not dirty", id)
		}
	}
	return nil
}

// VerifyNoRaceConditions runs numReaders readers alongside numWriters
// writers for duration. Readers check that every record they see is
// well formed and that no record's version ever goes backwards.
func (td *TestDatabase) VerifyNoRaceConditions(numReaders, numWriters int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+numWriters)

	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(writer) + 100))
			for n := 0; ctx.Err() == nil; n++ {
				id := td.IDs[rng.Intn(len(td.IDs))]
				if err := td.Store.Save(ctx, newExercise(id, writer, n)); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer %d failed: %w", writer, err)
					return
				}
			}
		}(w)
	}

	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			seen := make(map[string]uint64)
			for ctx.Err() == nil {
				recs, err := td.Store.GetAll(ctx, schema.KindExercise)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", reader, err)
					}
					return
				}
				for _, rec := range recs {
					env := rec.Envelope()
					if env.ID == "" || env.Version == 0 {
						errorsChan <- fmt.Errorf("reader %d found malformed record %+v", reader, *env)
						return
					}
					if env.Version < seen[env.ID] {
						errorsChan <- fmt.Errorf("reader %d saw %s go from version %d to %d",
							reader, env.ID, seen[env.ID], env.Version)
						return
					}
					seen[env.ID] = env.Version
				}
				time.Sleep(time.Millisecond)
			}
		}(r)
	}

	wg.Wait()
	close(errorsChan)
	if err, ok := <-errorsChan; ok {
		return err
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
