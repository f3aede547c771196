package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/syncerr"
)

var t0 = time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)

func createTestQueue(t *testing.T, cfg Config) (*Queue, *envelope.ManualClock) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = migrate.New(database, nil).Migrate(context.Background())
	require.NoError(t, err)

	clock := envelope.NewManualClock(t0)
	return New(database, cfg, clock, nil), clock
}

func op(endpoint string, p Priority) Operation {
	return Operation{Type: MethodPut, Endpoint: endpoint, Payload: []byte(`{}`), Priority: p}
}

func ids(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.Endpoint
	}
	return out
}

func TestGetNextBatch_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, clock := createTestQueue(t, Config{})

	clock.Set(t0.Add(1 * time.Second))
	_, err := q.Enqueue(ctx, op("high@1", PriorityHigh))
	require.NoError(t, err)
	clock.Set(t0.Add(2 * time.Second))
	_, err = q.Enqueue(ctx, op("low@2", PriorityLow))
	require.NoError(t, err)
	clock.Set(t0.Add(3 * time.Second))
	_, err = q.Enqueue(ctx, op("high@3", PriorityHigh))
	require.NoError(t, err)

	batch, err := q.GetNextBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"high@1", "high@3", "low@2"}, ids(batch))

	batch, err = q.GetNextBatch(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"high@1", "high@3"}, ids(batch))
}

func TestGetNextBatch_SameTimestampKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, op(fmt.Sprintf("op-%d", i), PriorityMedium))
		require.NoError(t, err)
	}
	batch, err := q.GetNextBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"op-0", "op-1", "op-2", "op-3", "op-4"}, ids(batch))
}

func TestEnqueue_Defaults(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, Operation{Type: MethodDelete, Endpoint: "/x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 5, got.MaxRetries)
	require.Equal(t, PriorityMedium, got.Priority)
	require.Equal(t, t0, got.Timestamp)
	require.Equal(t, t0, got.NextRetryAt)

	_, err = q.Enqueue(ctx, Operation{Type: "GET", Endpoint: "/x"})
	require.Error(t, err)
}

func TestEnqueue_CoalescesByRecordKey(t *testing.T) {
	ctx := context.Background()
	q, clock := createTestQueue(t, Config{})

	first := op("/v1/sync/exercise/batch", PriorityMedium)
	first.RecordKey = "exercise:ex-1"
	first.Payload = []byte(`{"version":1}`)
	id1, err := q.Enqueue(ctx, first)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, op("/other", PriorityMedium))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second := first
	second.Type = MethodDelete
	second.Payload = []byte(`{"version":2}`)
	id2, err := q.Enqueue(ctx, second)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, id1, all[0].ID, "coalesced entry keeps its position")
	require.Equal(t, MethodDelete, all[0].Type)
	require.Equal(t, `{"version":2}`, string(all[0].Payload))
	require.Equal(t, t0, all[0].Timestamp)
}

func TestMarkSuccess_Removes(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, op("/x", PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, q.MarkSuccess(ctx, id))
	require.NoError(t, q.MarkSuccess(ctx, id))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestMarkFailure_BackoffThenEviction(t *testing.T) {
	ctx := context.Background()
	q, clock := createTestQueue(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute})

	o := op("/x", PriorityHigh)
	o.MaxRetries = 3
	id, err := q.Enqueue(ctx, o)
	require.NoError(t, err)

	cause := syncerr.Transient(errors.New("503 service unavailable"))

	outcome, err := q.MarkFailure(ctx, id, cause)
	require.NoError(t, err)
	require.Equal(t, OutcomeRescheduled, outcome)
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, t0.Add(time.Second), got.NextRetryAt)
	require.Contains(t, got.LastError, "503")

	batch, err := q.GetNextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch, "not due until the backoff elapses")

	clock.Advance(time.Second)
	batch, err = q.GetNextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	outcome, err = q.MarkFailure(ctx, id, cause)
	require.NoError(t, err)
	require.Equal(t, OutcomeRescheduled, outcome)
	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, clock.Now().Add(2*time.Second), got.NextRetryAt)

	outcome, err = q.MarkFailure(ctx, id, cause)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome, "third failure of max_retries=3 evicts")

	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, id, dead[0].ID)
	require.Equal(t, 3, dead[0].RetryCount)
	require.False(t, dead[0].Permanent)
}

func TestMarkFailure_PermanentEvictsImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, op("/x", PriorityHigh))
	require.NoError(t, err)

	rejection := &syncerr.RejectionError{StatusCode: 422, Code: "validation", Message: "name is required"}
	outcome, err := q.MarkFailure(ctx, id, rejection)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.True(t, dead[0].Permanent)
	require.Equal(t, 1, dead[0].RetryCount)
	require.Contains(t, dead[0].Reason, "name is required")

	outcome, err = q.MarkFailure(ctx, id, rejection)
	require.NoError(t, err)
	require.Equal(t, OutcomeMissing, outcome)
}

func TestStats_DeadLetterWindow(t *testing.T) {
	ctx := context.Background()
	q, clock := createTestQueue(t, Config{DeadLetterTTL: time.Hour, BaseDelay: time.Minute})

	dead, err := q.Enqueue(ctx, op("/dead", PriorityLow))
	require.NoError(t, err)
	_, err = q.MarkFailure(ctx, dead, syncerr.Permanent(errors.New("bad request")))
	require.NoError(t, err)

	waiting, err := q.Enqueue(ctx, op("/waiting", PriorityLow))
	require.NoError(t, err)
	_, err = q.MarkFailure(ctx, waiting, errors.New("timeout"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, op("/ready", PriorityLow))
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Pending: 1, Failed: 1}, stats)

	clock.Advance(2 * time.Hour)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Pending: 2, Failed: 0}, stats, "dead letters leave failed after the window")

	n, err := q.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHasDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	o := op("/x", PriorityMedium)
	o.RecordKey = "exercise:ex-1"
	o.Payload = []byte(`{"v":1}`)
	id, err := q.Enqueue(ctx, o)
	require.NoError(t, err)
	_, err = q.MarkFailure(ctx, id, syncerr.Permanent(errors.New("invalid")))
	require.NoError(t, err)

	ok, err := q.HasDeadLetter(ctx, "exercise:ex-1", []byte(`{"v":1}`))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.HasDeadLetter(ctx, "exercise:ex-1", []byte(`{"v":2}`))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackoff_Capped(t *testing.T) {
	q, _ := createTestQueue(t, Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{62, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q, _ := createTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, op("/a", PriorityHigh))
	require.NoError(t, err)
	_, err = q.MarkFailure(ctx, id, syncerr.Permanent(errors.New("nope")))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("/b", PriorityHigh))
	require.NoError(t, err)

	require.NoError(t, q.Clear(ctx))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestParsePriority(t *testing.T) {
	for _, s := range []string{"low", "medium", "high"} {
		p, err := ParsePriority(s)
		require.NoError(t, err)
		require.Equal(t, s, p.String())
	}
	_, err := ParsePriority("urgent")
	require.Error(t, err)
}
