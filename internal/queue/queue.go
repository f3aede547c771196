// Package queue is the durable retry queue for pending sync operations.
//
// Operations live in the sync_queue table next to the records they carry, so
// they survive restarts and are never lost on shutdown. Delivery is
// at-least-once: an operation leaves the queue only through MarkSuccess or
// by being moved to the dead-letter table after a permanent rejection or
// once its retries are exhausted.
//
// Ordering is strict: priority descending, then enqueue time ascending, then
// insertion order. Low-priority work may starve behind a constant stream of
// high-priority work.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/db"
	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/migrate"
	"github.com/repcue/localsync/internal/syncerr"
)

// Method is the HTTP-style verb of a queued operation.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

// Priority orders operations. Higher values are delivered first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts "high", "medium" or "low".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Operation is one queued delivery.
type Operation struct {
	ID          string    `json:"id"`
	Type        Method    `json:"type"`
	Endpoint    string    `json:"endpoint"`
	Payload     []byte    `json:"payload,omitempty"`
	Priority    Priority  `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	Timestamp   time.Time `json:"timestamp"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`

	// RecordKey coalesces operations for the same record: enqueuing with a
	// key that is already queued replaces the queued payload in place.
	RecordKey string `json:"record_key,omitempty"`
}

// DeadLetter is an operation removed from the queue for good.
type DeadLetter struct {
	Operation
	FailedAt  time.Time `json:"failed_at"`
	Reason    string    `json:"reason"`
	Permanent bool      `json:"permanent"`
}

// Outcome reports what MarkFailure did with an operation.
type Outcome string

const (
	OutcomeRescheduled  Outcome = "rescheduled"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeMissing      Outcome = "missing"
)

// Stats is a snapshot of the queue.
type Stats struct {
	// Total is the number of queued operations.
	Total int `json:"total"`
	// Pending is the number of operations eligible for delivery now.
	Pending int `json:"pending"`
	// Failed is the number of dead letters still inside the retention window.
	Failed int `json:"failed"`
}

// Config holds retry settings.
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	DeadLetterTTL time.Duration
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Minute,
		DeadLetterTTL: 24 * time.Hour,
	}
}

// Queue is the retry queue.
type Queue struct {
	db     *db.DB
	cfg    Config
	clock  envelope.Clock
	logger *zap.Logger
}

// New creates a Queue over a migrated database. Zero config fields take
// their defaults.
func New(database *db.DB, cfg Config, clock envelope.Clock, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = def.DeadLetterTTL
	}
	if clock == nil {
		clock = envelope.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: database, cfg: cfg, clock: clock, logger: logger.Named("queue")}
}

// Config returns the effective settings.
func (q *Queue) Config() Config {
	return q.cfg
}

// Backoff returns the delay before the next attempt of an operation that has
// already failed retryCount times: BaseDelay * 2^retryCount, capped at
// MaxDelay.
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return q.cfg.MaxDelay
	}
	delay := q.cfg.BaseDelay * time.Duration(1<<uint(retryCount))
	if delay > q.cfg.MaxDelay || delay <= 0 {
		delay = q.cfg.MaxDelay
	}
	return delay
}

const opColumns = `id, type, endpoint, payload, priority, retry_count, max_retries, enqueued_at, next_retry_at, last_error, record_key`

// Enqueue persists op and returns its id. RetryCount, Timestamp and
// NextRetryAt are set by the queue. When op.RecordKey is already queued the
// existing entry keeps its id, position and retry state and only its type,
// endpoint, payload and priority are replaced.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if !op.Type.Valid() {
		return "", fmt.Errorf("invalid operation type %q", op.Type)
	}
	if op.Endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if op.Priority == 0 {
		op.Priority = PriorityMedium
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.cfg.MaxRetries
	}

	now := db.FormatTime(q.clock.Now())
	var id string
	coalesced := false
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		if op.RecordKey != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM `+migrate.QueueTable+` WHERE record_key = ?`, op.RecordKey).Scan(&id)
			switch {
			case err == nil:
				coalesced = true
				_, err = tx.ExecContext(ctx, `
					UPDATE `+migrate.QueueTable+`
					SET type = ?, endpoint = ?, payload = ?, priority = ?
					WHERE id = ?
				`, string(op.Type), op.Endpoint, op.Payload, int(op.Priority), id)
				return err
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		id = op.ID
		if id == "" {
			id = envelope.NewID()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+migrate.QueueTable+` (`+opColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, NULL, ?)
		`, id, string(op.Type), op.Endpoint, op.Payload, int(op.Priority), op.MaxRetries, now, now,
			nullString(op.RecordKey))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if coalesced {
		coalescedCounter.Inc()
	} else {
		enqueuedCounter.WithLabelValues(op.Priority.String()).Inc()
	}
	q.logger.Debug("enqueued operation",
		zap.String("id", id),
		zap.String("type", string(op.Type)),
		zap.String("endpoint", op.Endpoint),
		zap.String("record_key", op.RecordKey),
		zap.Bool("coalesced", coalesced))
	return id, nil
}

// GetNextBatch returns up to limit operations that are due now, in delivery
// order. It does not lock them: a single delivery loop is assumed.
func (q *Queue) GetNextBatch(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := q.db.Conn()
	if err != nil {
		return nil, err
	}
	return queryOps(ctx, conn, `
		WHERE next_retry_at <= ? AND retry_count < max_retries
		ORDER BY priority DESC, enqueued_at ASC, seq ASC
		LIMIT ?
	`, db.FormatTime(q.clock.Now()), limit)
}

// List returns every queued operation in delivery order, due or not.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return nil, err
	}
	return queryOps(ctx, conn, `ORDER BY priority DESC, enqueued_at ASC, seq ASC`)
}

// Get returns one queued operation, or nil when it is not queued.
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return nil, err
	}
	ops, err := queryOps(ctx, conn, `WHERE id = ?`, id)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	return &ops[0], nil
}

// MarkSuccess removes a delivered operation.
func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	conn, err := q.db.Conn()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM `+migrate.QueueTable+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		deliveredCounter.Inc()
	}
	return nil
}

// MarkFailure records a failed delivery attempt.
//
// A permanent rejection (syncerr.ErrPermanentRejection) moves the operation
// to the dead-letter table at once. Otherwise the retry count is incremented
// and the next attempt is scheduled with exponential backoff, unless that
// would reach the operation's max retries, in which case it is dead-lettered
// too. Failing an id that is no longer queued returns OutcomeMissing.
func (q *Queue) MarkFailure(ctx context.Context, id string, cause error) (Outcome, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	now := q.clock.Now()
	permanent := !syncerr.IsRetryable(cause)

	outcome := OutcomeMissing
	var op Operation
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		ops, err := queryOps(ctx, tx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			outcome = OutcomeMissing
			return nil
		}
		op = ops[0]

		if permanent || op.RetryCount+1 >= op.MaxRetries {
			outcome = OutcomeDeadLettered
			op.RetryCount++
			return deadLetter(ctx, tx, op, now, cause.Error(), permanent)
		}

		outcome = OutcomeRescheduled
		next := now.Add(q.Backoff(op.RetryCount))
		op.RetryCount++
		_, err = tx.ExecContext(ctx, `
			UPDATE `+migrate.QueueTable+`
			SET retry_count = ?, next_retry_at = ?, last_error = ?
			WHERE id = ?
		`, op.RetryCount, db.FormatTime(next), cause.Error(), id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to record failure of %s: %w", id, err)
	}

	failureCounter.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeDeadLettered:
		q.logger.Warn("operation dead-lettered",
			zap.String("id", id),
			zap.String("endpoint", op.Endpoint),
			zap.String("record_key", op.RecordKey),
			zap.Int("retry_count", op.RetryCount),
			zap.Bool("permanent", permanent),
			zap.Error(cause))
	case OutcomeRescheduled:
		q.logger.Info("operation rescheduled",
			zap.String("id", id),
			zap.Int("retry_count", op.RetryCount),
			zap.Error(cause))
	}
	return outcome, nil
}

func deadLetter(ctx context.Context, tx *sql.Tx, op Operation, now time.Time, reason string, permanent bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO `+migrate.DeadLetterTable+`
			(id, type, endpoint, payload, priority, retry_count, max_retries, enqueued_at, failed_at, reason, permanent, record_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Type), op.Endpoint, op.Payload, int(op.Priority), op.RetryCount, op.MaxRetries,
		db.FormatTime(op.Timestamp), db.FormatTime(now), reason, flag(permanent), nullString(op.RecordKey))
	if err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM `+migrate.QueueTable+` WHERE id = ?`, op.ID)
	return err
}

// Stats returns queue counters. Failed counts dead letters younger than the
// retention window.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return Stats{}, err
	}
	now := q.clock.Now()

	var s Stats
	err = conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN next_retry_at <= ? AND retry_count < max_retries THEN 1 ELSE 0 END), 0)
		FROM `+migrate.QueueTable, db.FormatTime(now)).Scan(&s.Total, &s.Pending)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count queue: %w", err)
	}
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+migrate.DeadLetterTable+` WHERE failed_at >= ?`,
		db.FormatTime(now.Add(-q.cfg.DeadLetterTTL))).Scan(&s.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count dead letters: %w", err)
	}

	depthGauge.Set(float64(s.Total))
	return s, nil
}

// DeadLetters returns the dead letters inside the retention window, most
// recent first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, type, endpoint, payload, priority, retry_count, max_retries, enqueued_at,
			failed_at, reason, permanent, record_key
		FROM `+migrate.DeadLetterTable+`
		WHERE failed_at >= ?
		ORDER BY failed_at DESC, id ASC
	`, db.FormatTime(q.clock.Now().Add(-q.cfg.DeadLetterTTL)))
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl                   DeadLetter
			typ                  string
			priority             int
			enqueuedAt, failedAt string
			permanent            int
			recordKey            sql.NullString
		)
		if err := rows.Scan(&dl.ID, &typ, &dl.Endpoint, &dl.Payload, &priority, &dl.RetryCount,
			&dl.MaxRetries, &enqueuedAt, &failedAt, &dl.Reason, &permanent, &recordKey); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Type = Method(typ)
		dl.Priority = Priority(priority)
		dl.Permanent = permanent != 0
		dl.RecordKey = recordKey.String
		if dl.Timestamp, err = db.ParseTime(enqueuedAt); err != nil {
			return nil, err
		}
		if dl.FailedAt, err = db.ParseTime(failedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// HasDeadLetter reports whether a dead letter inside the retention window
// carries exactly this record key and payload. The sync driver uses it to
// avoid re-sending a rejected record until the user changes it.
func (q *Queue) HasDeadLetter(ctx context.Context, recordKey string, payload []byte) (bool, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return false, err
	}
	var n int
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+migrate.DeadLetterTable+`
		WHERE record_key = ? AND payload = ? AND failed_at >= ?
	`, recordKey, payload, db.FormatTime(q.clock.Now().Add(-q.cfg.DeadLetterTTL))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return n > 0, nil
}

// PurgeDeadLetters deletes dead letters older than the retention window and
// returns how many were removed.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	conn, err := q.db.Conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx,
		`DELETE FROM `+migrate.DeadLetterTable+` WHERE failed_at < ?`,
		db.FormatTime(q.clock.Now().Add(-q.cfg.DeadLetterTTL)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clear removes every queued operation and dead letter.
func (q *Queue) Clear(ctx context.Context) error {
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{migrate.QueueTable, migrate.DeadLetterTable} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	depthGauge.Set(0)
	q.logger.Warn("queue cleared")
	return nil
}

func queryOps(ctx context.Context, q db.Querier, where string, args ...any) ([]Operation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+opColumns+` FROM `+migrate.QueueTable+` `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			op                    Operation
			typ                   string
			priority              int
			enqueuedAt, nextRetry string
			lastError, recordKey  sql.NullString
		)
		if err := rows.Scan(&op.ID, &typ, &op.Endpoint, &op.Payload, &priority, &op.RetryCount,
			&op.MaxRetries, &enqueuedAt, &nextRetry, &lastError, &recordKey); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Type = Method(typ)
		op.Priority = Priority(priority)
		op.LastError = lastError.String
		op.RecordKey = recordKey.String
		if op.Timestamp, err = db.ParseTime(enqueuedAt); err != nil {
			return nil, err
		}
		if op.NextRetryAt, err = db.ParseTime(nextRetry); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return out, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
