package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/queue"
	"github.com/repcue/localsync/internal/remote"
	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/store"
	"github.com/repcue/localsync/internal/syncerr"
)

// LocalStore is the part of the record store the syncer drives.
type LocalStore interface {
	GetDirty(ctx context.Context, kind schema.Kind) ([]schema.Record, error)
	ApplyAck(ctx context.Context, kind schema.Kind, ack store.Ack) (bool, error)
	ApplyRemote(ctx context.Context, remote schema.Record) (envelope.Resolution, error)
	PullCursor(ctx context.Context, kind schema.Kind) (string, error)
	SetPullCursor(ctx context.Context, kind schema.Kind, cursor string) error
}

// Queue is the part of the retry queue the syncer drives.
type Queue interface {
	Enqueue(ctx context.Context, op queue.Operation) (string, error)
	GetNextBatch(ctx context.Context, limit int) ([]queue.Operation, error)
	MarkSuccess(ctx context.Context, id string) error
	MarkFailure(ctx context.Context, id string, cause error) (queue.Outcome, error)
	HasDeadLetter(ctx context.Context, recordKey string, payload []byte) (bool, error)
}

// Options tunes a Syncer. Zero values take the defaults.
type Options struct {
	// BatchSize is the number of queue entries one Deliver takes.
	BatchSize int

	// CallTimeout bounds every remote call. A call that times out counts as
	// a delivery failure.
	CallTimeout time.Duration

	// PullLimit is the page size requested from the changes endpoint.
	PullLimit int

	// MaxPullPages bounds the pages fetched per kind in one Pull.
	MaxPullPages int

	// Concurrency bounds the kinds pushed in parallel.
	Concurrency int

	Notifier Notifier
	Clock    envelope.Clock
	Logger   *zap.Logger
}

const (
	defaultBatchSize    = 50
	defaultCallTimeout  = 15 * time.Second
	defaultPullLimit    = 200
	defaultMaxPullPages = 50
	maxDeliverRounds    = 20
)

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.PullLimit <= 0 {
		o.PullLimit = defaultPullLimit
	}
	if o.MaxPullPages <= 0 {
		o.MaxPullPages = defaultMaxPullPages
	}
	if o.Concurrency <= 0 {
		o.Concurrency = len(schema.Kinds())
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Clock == nil {
		o.Clock = envelope.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// syncer implements the Syncer interface.
type syncer struct {
	store  LocalStore
	queue  Queue
	client remote.Client
	opts   Options
	logger *zap.Logger
}

// New creates a Syncer over a store, a retry queue and a remote client.
func New(st LocalStore, q Queue, client remote.Client, opts Options) Syncer {
	opts.setDefaults()
	return &syncer{
		store:  st,
		queue:  q,
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("syncer"),
	}
}

// RecordKey is the queue coalescing key of a record.
func RecordKey(kind schema.Kind, id string) string {
	return string(kind) + ":" + id
}

// Endpoint is the batch endpoint a record of kind is delivered to.
func Endpoint(kind schema.Kind) string {
	return "/v1/sync/" + string(kind) + "/batch"
}

// priorityFor delivers parents before the records that reference them.
func priorityFor(kind schema.Kind) queue.Priority {
	switch kind {
	case schema.KindExercise, schema.KindWorkout:
		return queue.PriorityHigh
	case schema.KindActivityLog, schema.KindWorkoutSession:
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

func (s *syncer) notify(typ EventType, kind schema.Kind, id string, count int, err error) {
	e := Event{Type: typ, Kind: string(kind), ID: id, Count: count, At: s.opts.Clock.Now()}
	if err != nil {
		e.Error = err.Error()
		e.ActionRequired = syncerr.IsUserActionRequired(err)
	}
	s.opts.Notifier.Notify(e)
}

// Implements Syncer.Scan.
func (s *syncer) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	var errs []error
	for _, kind := range schema.Kinds() {
		n, err := s.scanKind(ctx, kind, &report)
		if err != nil {
			s.logger.Warn("scan failed", zap.String("kind", string(kind)), zap.Error(err))
			s.notify(EventError, kind, "", 0, err)
			errs = append(errs, fmt.Errorf("failed to scan %s: %w", kind, err))
			if ctx.Err() != nil {
				break
			}
		}
		if n > 0 {
			s.notify(EventScanned, kind, "", n, nil)
		}
	}
	err := errors.Join(errs...)
	observePhase("scan", err)
	return report, err
}

func (s *syncer) scanKind(ctx context.Context, kind schema.Kind, report *ScanReport) (int, error) {
	recs, err := s.store.GetDirty(ctx, kind)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, rec := range recs {
		env := rec.Envelope()
		if env.IsAnonymous() {
			report.Anonymous++
			continue
		}

		w, err := schema.ToWire(rec)
		if err != nil {
			return enqueued, err
		}
		payload, err := json.Marshal(w)
		if err != nil {
			return enqueued, err
		}

		key := RecordKey(kind, env.ID)
		dead, err := s.queue.HasDeadLetter(ctx, key, payload)
		if err != nil {
			return enqueued, err
		}
		if dead {
			report.Skipped++
			continue
		}

		method := queue.MethodPut
		if env.Op == envelope.OpDelete {
			method = queue.MethodDelete
		}
		_, err = s.queue.Enqueue(ctx, queue.Operation{
			Type:      method,
			Endpoint:  Endpoint(kind),
			Payload:   payload,
			Priority:  priorityFor(kind),
			RecordKey: key,
		})
		if err != nil {
			return enqueued, err
		}
		enqueued++
		report.Enqueued++
	}
	return enqueued, nil
}

type pending struct {
	op   queue.Operation
	wire schema.Wire
}

// Implements Syncer.Deliver.
func (s *syncer) Deliver(ctx context.Context) (DeliverReport, error) {
	var report DeliverReport
	ops, err := s.queue.GetNextBatch(ctx, s.opts.BatchSize)
	if err != nil {
		observePhase("deliver", err)
		return report, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(ops) == 0 {
		return report, nil
	}

	var errs []error
	groups := make(map[schema.Kind][]pending)
	var kinds []schema.Kind
	for _, op := range ops {
		var w schema.Wire
		if err := json.Unmarshal(op.Payload, &w); err != nil || !w.Kind.Valid() || w.ID == "" {
			report.Attempted++
			cause := syncerr.Permanent(fmt.Errorf("undecodable queue payload for %q", op.RecordKey))
			if err := s.fail(ctx, "", pending{op: op}, cause, &report); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, ok := groups[w.Kind]; !ok {
			kinds = append(kinds, w.Kind)
		}
		groups[w.Kind] = append(groups[w.Kind], pending{op: op, wire: w})
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, kind := range kinds {
		g.Go(func() error {
			r, err := s.deliverKind(ctx, kind, groups[kind])
			mu.Lock()
			defer mu.Unlock()
			report.add(r)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err = errors.Join(errs...)
	observePhase("deliver", err)
	return report, err
}

func (s *syncer) deliverKind(ctx context.Context, kind schema.Kind, items []pending) (DeliverReport, error) {
	report := DeliverReport{Attempted: len(items)}
	wires := make([]schema.Wire, len(items))
	for i, it := range items {
		wires[i] = it.wire
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	results, err := s.client.PushBatch(callCtx, kind, wires)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: the entries stay queued as they are.
			report.Attempted = 0
			return report, ctx.Err()
		}
		errs := []error{fmt.Errorf("failed to push %s: %w", kind, err)}
		for _, it := range items {
			if ferr := s.fail(ctx, kind, it, err, &report); ferr != nil {
				errs = append(errs, ferr)
			}
		}
		s.logger.Warn("push failed",
			zap.String("kind", string(kind)),
			zap.Int("records", len(items)),
			zap.Error(err))
		return report, errors.Join(errs...)
	}

	byID := make(map[string]remote.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	var errs []error
	for _, it := range items {
		if err := s.settle(ctx, kind, it, byID, &report); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// settle applies the remote verdict on one pushed record. A local error
// leaves the entry queued so it is delivered again.
func (s *syncer) settle(ctx context.Context, kind schema.Kind, it pending, byID map[string]remote.Result, report *DeliverReport) error {
	id := it.wire.ID
	r, ok := byID[id]
	if !ok {
		return s.fail(ctx, kind, it, syncerr.Transient(fmt.Errorf("no result for %s %s", kind, id)), report)
	}

	switch r.Status {
	case remote.StatusOK:
		applied, err := s.store.ApplyAck(ctx, kind, store.Ack{
			ID:            id,
			PushedVersion: it.wire.Version,
			ServerVersion: r.Version,
		})
		if err != nil {
			return fmt.Errorf("failed to apply ack for %s %s: %w", kind, id, err)
		}
		if err := s.queue.MarkSuccess(ctx, it.op.ID); err != nil {
			return err
		}
		report.Delivered++
		if !applied {
			report.Stale++
		}
		recordCounter.WithLabelValues(string(kind), "delivered").Inc()
		s.notify(EventDelivered, kind, id, 1, nil)
		return nil

	case remote.StatusConflict:
		if r.Record == nil {
			return s.fail(ctx, kind, it, resultErr(kind, it, r), report)
		}
		rec, err := schema.FromWire(kind, *r.Record)
		if err != nil {
			return s.fail(ctx, kind, it, syncerr.Transient(fmt.Errorf("undecodable server copy: %w", err)), report)
		}
		res, err := s.store.ApplyRemote(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to apply server copy of %s %s: %w", kind, id, err)
		}
		if err := s.queue.MarkSuccess(ctx, it.op.ID); err != nil {
			return err
		}
		report.Conflicts++
		recordCounter.WithLabelValues(string(kind), "conflict").Inc()
		s.logger.Debug("conflict settled",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.String("action", string(res.Action)))
		s.notify(EventConflict, kind, id, 1, resultErr(kind, it, r))
		return nil

	default:
		return s.fail(ctx, kind, it, resultErr(kind, it, r), report)
	}
}

// resultErr is r.Err with the pushed version filled in.
func resultErr(kind schema.Kind, it pending, r remote.Result) error {
	err := r.Err(kind)
	var conflict *syncerr.ConflictError
	if errors.As(err, &conflict) {
		conflict.LocalVersion = it.wire.Version
	}
	return err
}

func (s *syncer) fail(ctx context.Context, kind schema.Kind, it pending, cause error, report *DeliverReport) error {
	outcome, err := s.queue.MarkFailure(ctx, it.op.ID, cause)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure of %s: %w", it.op.RecordKey, err)
	}
	switch outcome {
	case queue.OutcomeDeadLettered:
		report.DeadLettered++
		recordCounter.WithLabelValues(string(kind), "dead_lettered").Inc()
		s.logger.Warn("delivery abandoned",
			zap.String("key", it.op.RecordKey),
			zap.Bool("permanent", !syncerr.IsRetryable(cause)),
			zap.Error(cause))
		s.notify(EventRejected, kind, it.wire.ID, 1, cause)
	case queue.OutcomeRescheduled:
		report.Rescheduled++
		recordCounter.WithLabelValues(string(kind), "rescheduled").Inc()
		s.notify(EventRescheduled, kind, it.wire.ID, 1, cause)
	}
	return nil
}

// Implements Syncer.Pull.
func (s *syncer) Pull(ctx context.Context) (PullReport, error) {
	var report PullReport
	var errs []error
	for _, kind := range schema.Kinds() {
		r, err := s.pullKind(ctx, kind)
		report.Applied += r.Applied
		report.Kept += r.Kept
		if r.Applied+r.Kept > 0 {
			s.notify(EventPulled, kind, "", r.Applied+r.Kept, nil)
		}
		if err != nil {
			s.logger.Warn("pull failed", zap.String("kind", string(kind)), zap.Error(err))
			s.notify(EventError, kind, "", 0, err)
			errs = append(errs, fmt.Errorf("failed to pull %s: %w", kind, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	err := errors.Join(errs...)
	observePhase("pull", err)
	return report, err
}

func (s *syncer) pullKind(ctx context.Context, kind schema.Kind) (PullReport, error) {
	var report PullReport
	cursor, err := s.store.PullCursor(ctx, kind)
	if err != nil {
		return report, err
	}

	for page := 0; page < s.opts.MaxPullPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		set, err := s.client.Changes(callCtx, kind, cursor, s.opts.PullLimit)
		cancel()
		if err != nil {
			return report, err
		}

		for _, w := range set.Records {
			rec, err := schema.FromWire(kind, w)
			if err != nil {
				s.logger.Warn("skipping undecodable remote record",
					zap.String("kind", string(kind)),
					zap.String("id", w.ID),
					zap.Error(err))
				continue
			}
			res, err := s.store.ApplyRemote(ctx, rec)
			if err != nil {
				return report, err
			}
			if res.AcceptsServer() {
				report.Applied++
			} else {
				report.Kept++
			}
		}

		if set.Cursor != "" && set.Cursor != cursor {
			if err := s.store.SetPullCursor(ctx, kind, set.Cursor); err != nil {
				return report, err
			}
			cursor = set.Cursor
		}
		if !set.HasMore {
			break
		}
	}
	return report, nil
}

// Implements Syncer.SyncOnce.
func (s *syncer) SyncOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	scan, err := s.Scan(ctx)
	report.Scan = scan
	if err != nil {
		errs = append(errs, err)
	}

	for round := 0; round < maxDeliverRounds && ctx.Err() == nil; round++ {
		r, err := s.Deliver(ctx)
		report.Deliver.add(r)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if r.Attempted == 0 {
			break
		}
	}

	if ctx.Err() == nil {
		pull, err := s.Pull(ctx)
		report.Pull = pull
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("sync pass complete",
		zap.Int("enqueued", report.Scan.Enqueued),
		zap.Int("delivered", report.Deliver.Delivered),
		zap.Int("conflicts", report.Deliver.Conflicts),
		zap.Int("dead_lettered", report.Deliver.DeadLettered),
		zap.Int("rescheduled", report.Deliver.Rescheduled),
		zap.Int("pulled", report.Pull.Applied))
	return report, errors.Join(errs...)
}
