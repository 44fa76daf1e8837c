// Package queue provides the durable outbox of pending mutations.
//
// Entries are persisted before Enqueue returns, retried with per-entry
// exponential backoff, and evicted oldest-first when the queue exceeds its
// bound. Execution is delegated to handlers registered per operation kind.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

// Result is what a handler returns on success: the records the remote now
// holds for the touched entities, when it reported them.
type Result struct {
	Records []models.Record
}

// Handler executes one operation kind against the remote.
type Handler func(ctx context.Context, op models.QueuedOperation) (*Result, error)

// Locker is the per-entity mutual exclusion the queue honors while executing.
type Locker interface {
	Acquire(kind, key string) bool
	Release(kind, key string)
}

// Options configures a Queue.
type Options struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxSize     int
	// Concurrency bounds how many entity groups are flushed at once.
	Concurrency int

	// Online gates Flush. Nil means always online.
	Online func() bool
	// Reachable re-checks the remote after a network failure so that
	// unreachability is not counted as a failed attempt. Nil disables it.
	Reachable func(ctx context.Context) bool

	Locker  Locker
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  5,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		MaxSize:     100,
		Concurrency: 4,
	}
}

// Hooks are notified of outcomes. They run outside the queue's lock and may
// call back into the queue.
type Hooks struct {
	OnSynced    func(op models.QueuedOperation, res *Result)
	OnConflict  func(op models.QueuedOperation, err error)
	OnRejected  func(op models.QueuedOperation, err error)
	OnExhausted func(op models.QueuedOperation, err error)
	OnEvicted   func(op models.QueuedOperation)
}

// Stats is a snapshot of queue state.
type Stats struct {
	Total              int        `json:"total"`
	Pending            int        `json:"pending"`
	Failed             int        `json:"failed"`
	AwaitingResolution int        `json:"awaitingResolution"`
	Evicted            uint64     `json:"evicted"`
	Flushing           bool       `json:"flushing"`
	LastFlushAt        *time.Time `json:"lastFlushAt,omitempty"`
}

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
	// Busy is set when another flush was already running.
	Busy bool `json:"busy,omitempty"`
	// Offline is set when the pass did not run or was abandoned because the
	// remote was unreachable.
	Offline bool `json:"offline,omitempty"`
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeExhausted
	outcomeRejected
	outcomeConflict
	outcomeSkipped
	outcomeAborted
)

var errUnreachable = stderrors.New("remote unreachable")

// Queue is the durable outbox.
type Queue struct {
	store store.Store
	opts  Options

	mu       sync.Mutex
	items    map[string]*models.QueuedOperation
	seq      uint64
	handlers map[models.OperationKind]Handler
	hooks    Hooks
	evicted  uint64
	lastRun  *time.Time

	flushing atomic.Bool
}

// New creates a Queue persisting to s. Call Load to restore entries from a
// previous run.
func New(s store.Store, opts Options) *Queue {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:    s,
		opts:     opts,
		items:    make(map[string]*models.QueuedOperation),
		handlers: make(map[models.OperationKind]Handler),
	}
}

// Register binds the handler for kind, replacing any previous one.
func (q *Queue) Register(kind models.OperationKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// SetHooks replaces the outcome hooks.
func (q *Queue) SetHooks(h Hooks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// Load restores persisted entries. Undecodable records are logged and
// skipped. The size bound is enforced on what was loaded.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.List(ctx, store.PartitionOutbox, nil)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, e := range entries {
		var op models.QueuedOperation
		if err := json.Unmarshal(e.Value, &op); err != nil || op.ID == "" {
			logging.Warn("Skipping undecodable outbox entry", map[string]interface{}{"key": e.Key})
			continue
		}
		q.items[op.ID] = &op
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
	}
	evicted := q.evictLocked(ctx)
	hooks := q.hooks
	depth := len(q.items)
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(depth)
	q.notifyEvicted(hooks, evicted)
	logging.Info("Outbox loaded", map[string]interface{}{"entries": depth})
	return nil
}

// Enqueue persists a new pending operation and returns it. A persistence
// failure is returned as PERSISTENCE_FAILED and nothing is queued.
func (q *Queue) Enqueue(ctx context.Context, kind models.OperationKind, payload models.Payload) (models.QueuedOperation, error) {
	if kind == "" {
		return models.QueuedOperation{}, apperrors.New(apperrors.ErrInvalid, "operation kind is required")
	}

	q.mu.Lock()
	q.seq++
	op := &models.QueuedOperation{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    payload.Clone(),
		QueuedAt:   q.opts.Now().UTC(),
		SyncStatus: models.SyncStatusPending,
		Seq:        q.seq,
	}
	if err := q.persistLocked(ctx, op); err != nil {
		q.mu.Unlock()
		logging.ErrorWithCode("Failed to persist queued operation", string(apperrors.ErrPersistence), err, map[string]interface{}{
			"kind": string(kind),
			"key":  payload.LockKey(),
		})
		return models.QueuedOperation{}, err
	}
	q.items[op.ID] = op
	evicted := q.evictLocked(ctx)
	hooks := q.hooks
	depth := len(q.items)
	out := *op.Clone()
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(depth)
	q.opts.Metrics.Operation(string(kind), telemetry.OutcomeQueued)
	logging.Info("Operation queued", map[string]interface{}{
		"id":    out.ID,
		"kind":  string(kind),
		"key":   payload.LockKey(),
		"depth": depth,
	})
	q.notifyEvicted(hooks, evicted)
	return out, nil
}

// evictLocked drops the oldest entries until the bound holds.
func (q *Queue) evictLocked(ctx context.Context) []models.QueuedOperation {
	if len(q.items) <= q.opts.MaxSize {
		return nil
	}
	ordered := q.orderedLocked()
	excess := len(ordered) - q.opts.MaxSize
	evicted := make([]models.QueuedOperation, 0, excess)
	for _, op := range ordered[:excess] {
		delete(q.items, op.ID)
		if err := q.store.Delete(ctx, store.PartitionOutbox, op.ID); err != nil {
			logging.Error("Failed to delete evicted operation", err, map[string]interface{}{"id": op.ID})
		}
		evicted = append(evicted, *op.Clone())
	}
	q.evicted += uint64(len(evicted))
	return evicted
}

func (q *Queue) notifyEvicted(hooks Hooks, evicted []models.QueuedOperation) {
	if len(evicted) == 0 {
		return
	}
	q.opts.Metrics.Evicted(len(evicted))
	for _, op := range evicted {
		logging.Warn("Outbox full, evicted oldest operation", map[string]interface{}{
			"id":        op.ID,
			"kind":      string(op.Kind),
			"key":       op.Payload.LockKey(),
			"queued_at": op.QueuedAt,
			"max_size":  q.opts.MaxSize,
		})
		if hooks.OnEvicted != nil {
			hooks.OnEvicted(op)
		}
	}
}

// orderedLocked returns entries oldest first (queuedAt, then seq).
func (q *Queue) orderedLocked() []*models.QueuedOperation {
	out := make([]*models.QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (q *Queue) persistLocked(ctx context.Context, op *models.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "encode queued operation", err)
	}
	if err := q.store.Put(ctx, store.PartitionOutbox, op.ID, data); err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrPersistence {
			return err
		}
		return apperrors.Wrap(apperrors.ErrPersistence, "persist queued operation", err)
	}
	return nil
}

// Flush attempts every due entry. It is a no-op while offline or while
// another Flush is running.
func (q *Queue) Flush(ctx context.Context) (FlushReport, error) {
	if !q.flushing.CompareAndSwap(false, true) {
		logging.Debug("Flush already in progress, skipping")
		return FlushReport{Busy: true}, nil
	}
	defer q.flushing.Store(false)

	if q.opts.Online != nil && !q.opts.Online() {
		return FlushReport{Offline: true}, nil
	}

	start := q.opts.Now()
	groups := q.dueGroups(start)

	var (
		rmu    sync.Mutex
		report FlushReport
	)
	count := func(o outcome) {
		rmu.Lock()
		defer rmu.Unlock()
		switch o {
		case outcomeSynced:
			report.Attempted++
			report.Synced++
		case outcomeRetry:
			report.Attempted++
			report.Retried++
		case outcomeExhausted:
			report.Attempted++
			report.Exhausted++
		case outcomeRejected:
			report.Attempted++
			report.Rejected++
		case outcomeConflict:
			report.Attempted++
			report.Conflicts++
		case outcomeSkipped:
			report.Skipped++
		}
	}

	if len(groups) > 0 {
		logging.Info("Outbox flush started", map[string]interface{}{"groups": len(groups)})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, op := range group {
				o, err := q.attempt(gctx, op)
				count(o)
				if err != nil {
					return err
				}
				if o != outcomeSynced {
					// later entries for the same entity wait for this one
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()

	end := q.opts.Now()
	q.mu.Lock()
	q.lastRun = &end
	depth := len(q.items)
	q.mu.Unlock()
	q.opts.Metrics.SetQueueDepth(depth)
	q.opts.Metrics.ObserveFlush(end.Sub(start))

	if stderrors.Is(err, errUnreachable) {
		report.Offline = true
		logging.Warn("Outbox flush abandoned, remote unreachable", map[string]interface{}{"attempted": report.Attempted})
		return report, nil
	}
	if err != nil {
		return report, err
	}
	if report.Attempted > 0 || report.Skipped > 0 {
		logging.Info("Outbox flush completed", map[string]interface{}{
			"attempted": report.Attempted,
			"synced":    report.Synced,
			"retried":   report.Retried,
			"exhausted": report.Exhausted,
			"rejected":  report.Rejected,
			"conflicts": report.Conflicts,
			"skipped":   report.Skipped,
			"remaining": depth,
		})
	}
	return report, ctx.Err()
}

// dueGroups snapshots due entries in insertion order. Entries that share a
// target entity end up in the same group, so a bulk entry runs after the
// single-entity work queued before it.
func (q *Queue) dueGroups(now time.Time) [][]models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := make([]*models.QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		ordered = append(ordered, op)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var groups [][]models.QueuedOperation
	owner := make(map[string]int)
	blocked := make(map[string]bool)
	for _, op := range ordered {
		keys := op.Payload.TargetKeys()
		if anyKey(blocked, keys) {
			// waiting behind an earlier entry holds back every target it touches
			for _, k := range keys {
				blocked[k] = true
			}
			continue
		}
		eligible := (op.SyncStatus == models.SyncStatusPending || op.SyncStatus == models.SyncStatusFailed) &&
			!op.AwaitingResolution &&
			due(op.LastRetryAt, op.RetryCount, now, q.opts.BaseBackoff, q.opts.MaxBackoff)
		if !eligible {
			// Later entries for these entities wait too, even when their own
			// backoff is due: per-entity order wins over independent eligibility.
			for _, k := range keys {
				blocked[k] = true
			}
			continue
		}

		i := -1
		for _, k := range keys {
			j, ok := owner[k]
			if !ok || j == i {
				continue
			}
			if i == -1 {
				i = j
				continue
			}
			i = mergeGroups(groups, owner, i, j)
		}
		if i == -1 {
			i = len(groups)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], *op.Clone())
		for _, k := range keys {
			owner[k] = i
		}
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// mergeGroups folds one of groups a and b into the other, keeping insertion
// order, and returns the surviving index.
func mergeGroups(groups [][]models.QueuedOperation, owner map[string]int, a, b int) int {
	if b < a {
		a, b = b, a
	}
	merged := append(groups[a], groups[b]...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	groups[a] = merged
	groups[b] = nil
	for k, g := range owner {
		if g == b {
			owner[k] = a
		}
	}
	return a
}

func anyKey(set map[string]bool, keys []string) bool {
	for _, k := range keys {
		if set[k] {
			return true
		}
	}
	return false
}

// attempt executes one entry and applies the bookkeeping for its outcome.
// A non-nil error aborts the whole pass.
func (q *Queue) attempt(ctx context.Context, op models.QueuedOperation) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcomeAborted, err
	}

	q.mu.Lock()
	h, ok := q.handlers[op.Kind]
	cur, present := q.items[op.ID]
	if present {
		// the payload may have been replaced since the snapshot
		op = *cur.Clone()
	}
	q.mu.Unlock()
	if !present || op.AwaitingResolution {
		// removed, evicted or parked since the snapshot
		return outcomeSkipped, nil
	}
	if !ok {
		logging.Warn("No handler registered for queued operation", map[string]interface{}{
			"id":   op.ID,
			"kind": string(op.Kind),
		})
		return outcomeSkipped, nil
	}

	key := op.Payload.LockKey()
	if q.opts.Locker != nil {
		if !q.opts.Locker.Acquire(string(op.Kind), key) {
			logging.Debug("Queued operation locked by an in-flight mutation", map[string]interface{}{
				"id":  op.ID,
				"key": key,
			})
			return outcomeSkipped, nil
		}
		defer q.opts.Locker.Release(string(op.Kind), key)
	}

	res, err := h(ctx, op)
	if err == nil {
		q.complete(ctx, op.ID, res)
		return outcomeSynced, nil
	}
	if ctx.Err() != nil {
		// cancelled mid-flight; the entry is left as it was
		return outcomeAborted, ctx.Err()
	}

	switch {
	case apperrors.IsConflict(err):
		q.park(ctx, op.ID, err)
		return outcomeConflict, nil
	case apperrors.IsFatal(err):
		q.reject(ctx, op.ID, err)
		return outcomeRejected, nil
	case apperrors.IsNetwork(err) && q.opts.Reachable != nil && !q.opts.Reachable(ctx):
		logging.Warn("Remote unreachable during flush, leaving entry untouched", map[string]interface{}{
			"id":  op.ID,
			"key": key,
		})
		return outcomeAborted, errUnreachable
	default:
		return q.recordFailure(ctx, op.ID, err), nil
	}
}

func (q *Queue) complete(ctx context.Context, id string, res *Result) {
	q.mu.Lock()
	op, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.SyncStatus = models.SyncStatusSynced
	delete(q.items, id)
	hooks := q.hooks
	done := *op.Clone()
	depth := len(q.items)
	q.mu.Unlock()

	if err := q.store.Delete(ctx, store.PartitionOutbox, id); err != nil {
		logging.Error("Failed to remove synced operation", err, map[string]interface{}{"id": id})
	}
	q.opts.Metrics.SetQueueDepth(depth)
	q.opts.Metrics.Operation(string(done.Kind), telemetry.OutcomeSynced)
	logging.Info("Queued operation synced", map[string]interface{}{
		"id":   id,
		"kind": string(done.Kind),
		"key":  done.Payload.LockKey(),
	})
	if hooks.OnSynced != nil {
		hooks.OnSynced(done, res)
	}
}

func (q *Queue) park(ctx context.Context, id string, cause error) {
	q.mu.Lock()
	op, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.AwaitingResolution = true
	op.LastError = cause.Error()
	if err := q.persistLocked(ctx, op); err != nil {
		logging.Error("Failed to persist parked operation", err, map[string]interface{}{"id": id})
	}
	hooks := q.hooks
	parked := *op.Clone()
	q.mu.Unlock()

	q.opts.Metrics.Operation(string(parked.Kind), telemetry.OutcomeConflict)
	logging.Warn("Version conflict, operation awaiting resolution", map[string]interface{}{
		"id":  id,
		"key": parked.Payload.LockKey(),
	})
	if hooks.OnConflict != nil {
		hooks.OnConflict(parked, cause)
	}
}

func (q *Queue) reject(ctx context.Context, id string, cause error) {
	q.mu.Lock()
	op, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.LastError = cause.Error()
	delete(q.items, id)
	hooks := q.hooks
	rejected := *op.Clone()
	depth := len(q.items)
	q.mu.Unlock()

	if err := q.store.Delete(ctx, store.PartitionOutbox, id); err != nil {
		logging.Error("Failed to remove rejected operation", err, map[string]interface{}{"id": id})
	}
	q.opts.Metrics.SetQueueDepth(depth)
	q.opts.Metrics.Operation(string(rejected.Kind), telemetry.OutcomeRejected)
	logging.ErrorWithCode("Queued operation rejected by remote", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
		"id":   id,
		"kind": string(rejected.Kind),
		"key":  rejected.Payload.LockKey(),
	})
	if hooks.OnRejected != nil {
		hooks.OnRejected(rejected, cause)
	}
}

func (q *Queue) recordFailure(ctx context.Context, id string, cause error) outcome {
	q.mu.Lock()
	op, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return outcomeSkipped
	}
	now := q.opts.Now().UTC()
	op.RetryCount++
	op.LastRetryAt = &now
	op.LastError = cause.Error()
	exhausted := op.RetryCount >= q.opts.MaxRetries
	newlyExhausted := exhausted && op.SyncStatus != models.SyncStatusFailed
	if exhausted {
		op.SyncStatus = models.SyncStatusFailed
	} else {
		op.SyncStatus = models.SyncStatusPending
	}
	if err := q.persistLocked(ctx, op); err != nil {
		logging.Error("Failed to persist retry state", err, map[string]interface{}{"id": id})
	}
	hooks := q.hooks
	failed := *op.Clone()
	q.mu.Unlock()

	if exhausted {
		q.opts.Metrics.Operation(string(failed.Kind), telemetry.OutcomeExhausted)
		logging.ErrorWithCode("Queued operation exhausted its retries", string(apperrors.ErrRetriesExhausted), cause, map[string]interface{}{
			"id":          id,
			"kind":        string(failed.Kind),
			"key":         failed.Payload.LockKey(),
			"retry_count": failed.RetryCount,
		})
		if newlyExhausted && hooks.OnExhausted != nil {
			hooks.OnExhausted(failed, cause)
		}
		return outcomeExhausted
	}

	q.opts.Metrics.Operation(string(failed.Kind), telemetry.OutcomeRetry)
	logging.Warn("Queued operation failed, will retry", map[string]interface{}{
		"id":          id,
		"kind":        string(failed.Kind),
		"retry_count": failed.RetryCount,
		"max_retries": q.opts.MaxRetries,
		"next_in_ms":  Backoff(failed.RetryCount, q.opts.BaseBackoff, q.opts.MaxBackoff).Milliseconds(),
		"error":       cause.Error(),
	})
	return outcomeRetry
}

// RetryFailed resets failed entries to pending with a zero retry count and
// flushes. It returns how many entries were reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, FlushReport, error) {
	q.mu.Lock()
	reset := 0
	var persistErr error
	for _, op := range q.items {
		if op.SyncStatus != models.SyncStatusFailed {
			continue
		}
		op.SyncStatus = models.SyncStatusPending
		op.RetryCount = 0
		op.LastRetryAt = nil
		op.LastError = ""
		if err := q.persistLocked(ctx, op); err != nil && persistErr == nil {
			persistErr = err
		}
		reset++
	}
	q.mu.Unlock()

	if reset > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{"count": reset})
	}
	if persistErr != nil {
		return reset, FlushReport{}, persistErr
	}
	report, err := q.Flush(ctx)
	return reset, report, err
}

// Remove deletes an entry regardless of its state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	op, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	if err := q.store.Delete(ctx, store.PartitionOutbox, id); err != nil {
		q.mu.Unlock()
		return err
	}
	delete(q.items, id)
	kind := op.Kind
	depth := len(q.items)
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(depth)
	logging.Info("Queued operation removed", map[string]interface{}{"id": id, "kind": string(kind)})
	return nil
}

// Complete marks an entry synced and removes it. Used when an entry is
// committed outside Flush, e.g. by a conflict resolution resend.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	_, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	q.complete(ctx, id, nil)
	return nil
}

// Replace swaps the payload of a parked entry and makes it pending again,
// due immediately.
func (q *Queue) Replace(ctx context.Context, id string, payload models.Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.items[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	prev := op.Clone()
	op.Payload = payload.Clone()
	op.AwaitingResolution = false
	op.SyncStatus = models.SyncStatusPending
	op.LastRetryAt = nil
	if err := q.persistLocked(ctx, op); err != nil {
		*op = *prev
		return err
	}
	return nil
}

// Dispatch executes op through its registered handler without touching the
// queue.
func (q *Queue) Dispatch(ctx context.Context, op models.QueuedOperation) (*Result, error) {
	q.mu.Lock()
	h, ok := q.handlers[op.Kind]
	q.mu.Unlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNoHandler, "no handler for %s", op.Kind)
	}
	return h(ctx, op)
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.items[id]
	if !ok {
		return models.QueuedOperation{}, false
	}
	return *op.Clone(), true
}

// List returns copies of all entries in insertion order.
func (q *Queue) List() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		out = append(out, *op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasPending reports whether any entry touches an entity p targets.
func (q *Queue) HasPending(p models.Payload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.Payload.Overlaps(p) {
			return true
		}
	}
	return false
}

// PendingTargets returns the entity ids of collection that still have queued
// work.
func (q *Queue) PendingTargets(collection string) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]bool)
	for _, op := range q.items {
		if op.Payload.Collection != collection {
			continue
		}
		for _, id := range op.Payload.Targets() {
			out[id] = true
		}
	}
	return out
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:    len(q.items),
		Evicted:  q.evicted,
		Flushing: q.flushing.Load(),
	}
	if q.lastRun != nil {
		t := *q.lastRun
		s.LastFlushAt = &t
	}
	for _, op := range q.items {
		switch {
		case op.AwaitingResolution:
			s.AwaitingResolution++
		case op.SyncStatus == models.SyncStatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}
