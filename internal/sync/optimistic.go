package sync

import (
	"context"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/remote"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

// Status values the bulk kinds apply optimistically.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Mutation is one local change.
type Mutation struct {
	Kind    models.OperationKind
	Payload models.Payload
}

// Outcome is the result of a mutation's background commit.
type Outcome struct {
	Operation models.QueuedOperation
	// Queued is set when the mutation went to the outbox instead of being
	// committed; the outbox delivers it later.
	Queued   bool
	Records  []models.Record
	Conflict *conflict.Outcome
	Err      error
}

// Pending is the handle of a mutation whose remote commit runs in the
// background.
type Pending struct {
	engine  *Engine
	op      models.QueuedOperation
	done    chan struct{}
	outcome Outcome
}

func newPending(e *Engine, op models.QueuedOperation) *Pending {
	return &Pending{engine: e, op: op, done: make(chan struct{})}
}

// Settled returns a Pending whose outcome is already known.
func Settled(out Outcome) *Pending {
	p := &Pending{op: out.Operation, done: make(chan struct{})}
	p.resolve(out)
	return p
}

// Operation returns the mutation as it was applied locally. For creates the
// EntityID holds the local placeholder id.
func (p *Pending) Operation() models.QueuedOperation { return p.op }

// Done is closed when the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks for the outcome. Cancelling ctx only stops waiting: the commit
// continues and the collection is refreshed once it settles.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		if p.engine != nil {
			p.engine.refreshWhenSettled(p)
		}
		return Outcome{Operation: p.op}, ctx.Err()
	}
}

func (p *Pending) resolve(out Outcome) {
	p.outcome = out
	close(p.done)
}

func (e *Engine) refreshWhenSettled(p *Pending) {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-p.done:
		case <-e.ctx.Done():
			return
		}
		if err := e.Refresh(e.ctx, p.op.Payload.Collection); err != nil {
			logging.Debug("Refresh after abandoned wait failed", map[string]interface{}{
				"collection": p.op.Payload.Collection,
				"error":      err.Error(),
			})
		}
	}()
}

// snapshot is the cache state a mutation replaced. A nil entry means the
// record was not cached.
type snapshot struct {
	collection string
	entries    map[string]*models.CacheEntry
}

// Mutate runs phase one of a mutation synchronously: it takes the operation
// lock, applies the change to the cache, and either queues it (offline, or
// earlier work for the same entity is still queued) or starts phase two,
// the remote commit, in the background.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (*Pending, error) {
	if err := e.validate(m); err != nil {
		return nil, err
	}

	op := models.QueuedOperation{
		ID:         uuid.New(),
		Kind:       m.Kind,
		Payload:    m.Payload.Clone(),
		QueuedAt:   e.now().UTC(),
		SyncStatus: models.SyncStatusPending,
	}
	if op.Kind == models.KindCreate && op.Payload.EntityID == "" {
		op.Payload.EntityID = uuid.NewLocalID()
	}

	kind, key := string(op.Kind), op.Payload.LockKey()
	if !e.lock.Acquire(kind, key) {
		logging.Info("Mutation dropped, the same operation is already in progress", map[string]interface{}{
			"kind": kind,
			"key":  key,
		})
		return nil, apperrors.Newf(apperrors.ErrOperationInFlight, "%s on %s is already in progress", kind, key)
	}

	snap := e.applyOptimistic(ctx, op)

	if !e.monitor.IsOnline() || e.queue.HasPending(op.Payload) {
		defer e.lock.Release(kind, key)
		return e.enqueue(ctx, op, snap)
	}

	var stale bool
	if op.Kind == models.KindUpdate {
		if prev := snap.entries[op.Payload.EntityID]; prev != nil {
			stale = conflict.Detect(op.Payload.BaseVersion, &prev.Record)
		}
	}

	p := newPending(e, op)
	targets := op.Payload.Targets()
	e.markInflight(op.Payload.Collection, targets, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var out Outcome
		if stale {
			out = e.settleConflict(e.ctx, op, snap, conflict.SourcePreSend, nil)
		} else {
			out = e.commit(e.ctx, op, snap)
		}
		// the lock is free by the time a waiter sees the outcome
		e.markInflight(op.Payload.Collection, targets, -1)
		e.lock.Release(kind, key)
		p.resolve(out)
	}()
	return p, nil
}

func (e *Engine) validate(m Mutation) error {
	if m.Kind == "" {
		return apperrors.New(apperrors.ErrInvalid, "mutation kind is required")
	}
	if _, ok := e.collection(m.Payload.Collection); !ok {
		return apperrors.Newf(apperrors.ErrInvalid, "collection %q is not registered", m.Payload.Collection)
	}
	switch {
	case m.Kind == models.KindUpdate || m.Kind == models.KindDelete:
		if m.Payload.EntityID == "" {
			return apperrors.Newf(apperrors.ErrInvalid, "%s requires an entity id", m.Kind)
		}
	case m.Kind.IsBulk():
		if len(m.Payload.IDs) == 0 {
			return apperrors.Newf(apperrors.ErrInvalid, "%s requires at least one id", m.Kind)
		}
		if m.Kind == models.KindBulkStatusChange && m.Payload.Status == "" {
			return apperrors.New(apperrors.ErrInvalid, "bulk-status-change requires a status")
		}
	}
	return nil
}

// enqueue hands op to the outbox. A failed queue write undoes the optimistic
// change and is returned to the caller.
func (e *Engine) enqueue(ctx context.Context, op models.QueuedOperation, snap snapshot) (*Pending, error) {
	queued, err := e.queue.Enqueue(ctx, op.Kind, op.Payload)
	if err != nil {
		e.rollback(ctx, snap)
		return nil, err
	}
	e.emit(opEvent(EventOperationQueued, queued, nil))
	return Settled(Outcome{Operation: queued, Queued: true}), nil
}

// commit is phase two for a mutation sent directly.
func (e *Engine) commit(ctx context.Context, op models.QueuedOperation, snap snapshot) Outcome {
	res, err := e.queue.Dispatch(ctx, op)
	switch {
	case err == nil:
		op = e.applyResult(ctx, op, res)
		e.emit(opEvent(EventOperationSynced, op, nil))
		return Outcome{Operation: op, Records: records(res)}

	case apperrors.IsConflict(err):
		return e.settleConflict(ctx, op, snap, conflict.SourceRemote, err)

	case apperrors.IsFatal(err):
		e.rollback(ctx, snap)
		logging.ErrorWithCode("Mutation rejected by remote", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"kind": string(op.Kind),
			"key":  op.Payload.LockKey(),
		})
		e.emit(opEvent(EventOperationRejected, op, err))
		return Outcome{Operation: op, Err: err}

	default:
		if apperrors.IsNetwork(err) {
			e.monitor.Check(ctx)
		}
		return e.requeue(ctx, op, snap, err)
	}
}

// requeue moves a mutation that could not be committed now into the outbox,
// keeping its optimistic state.
func (e *Engine) requeue(ctx context.Context, op models.QueuedOperation, snap snapshot, cause error) Outcome {
	queued, err := e.queue.Enqueue(context.WithoutCancel(ctx), op.Kind, op.Payload)
	if err != nil {
		e.rollback(context.WithoutCancel(ctx), snap)
		return Outcome{Operation: op, Err: err}
	}
	logging.Warn("Mutation deferred to the outbox", map[string]interface{}{
		"id":    queued.ID,
		"kind":  string(op.Kind),
		"key":   op.Payload.LockKey(),
		"cause": cause.Error(),
	})
	e.emit(opEvent(EventOperationQueued, queued, nil))
	return Outcome{Operation: queued, Queued: true}
}

// settleConflict opens a conflict for a directly sent mutation and waits for
// its resolution.
func (e *Engine) settleConflict(ctx context.Context, op models.QueuedOperation, snap snapshot, source conflict.Source, cause error) Outcome {
	h := e.openConflict(ctx, op, source, cause)
	res, err := h.Wait(ctx)
	if err != nil {
		// shutting down with the decision still open
		return e.requeue(ctx, op, snap, err)
	}

	out := Outcome{Operation: op, Conflict: &res}
	targets := op.Payload.Targets()
	switch {
	case res.Action == models.ActionCancel:
		if res.Record == nil {
			e.reload(ctx, op.Payload.Collection, targets)
		}
		return out

	case res.Err == nil:
		out.Records = records(res.Result)
		e.broadcastChange(op)
		e.emit(opEvent(EventOperationSynced, op, nil))
		return out

	case apperrors.IsFatal(res.Err):
		e.rollback(ctx, snap)
		e.emit(opEvent(EventOperationRejected, op, res.Err))
		out.Err = res.Err
		return out

	case apperrors.IsConflict(res.Err):
		// the record kept moving; show the server's copy
		e.reload(ctx, op.Payload.Collection, targets)
		e.emit(opEvent(EventOperationFailed, op, res.Err))
		out.Err = res.Err
		return out

	default:
		op.Payload = res.Payload
		queued := e.requeue(ctx, op, snap, res.Err)
		queued.Conflict = &res
		return queued
	}
}

func (e *Engine) openConflict(ctx context.Context, op models.QueuedOperation, source conflict.Source, cause error) *conflict.Handle {
	req := conflict.Request{Op: op, Source: source}
	if op.Payload.EntityID != "" {
		if entry := e.cached(ctx, op.Payload.Collection, op.Payload.EntityID); entry != nil {
			rec := entry.Record.Clone()
			req.Cached = &rec
		}
	}
	if ce, ok := remote.AsConflict(cause); ok && ce.Current != nil {
		req.Hint = ce.Current
	}

	h := e.resolver.Open(ctx, req)
	c := h.Conflict()
	ev := opEvent(EventConflictDetected, op, cause)
	ev.Data = map[string]interface{}{
		"conflictId":    c.ID,
		"localVersion":  c.LocalVersion,
		"serverVersion": c.ServerVersion,
		"source":        string(c.Source),
		"interactive":   e.resolver.Interactive(),
	}
	e.emit(ev)
	return h
}

// =====================================================
// Cache reconciliation
// =====================================================

// optimisticFields is the field change op shows before it is confirmed.
func optimisticFields(op models.QueuedOperation) map[string]interface{} {
	switch op.Kind {
	case models.KindCreate, models.KindUpdate:
		return models.CloneFields(op.Payload.Delta)
	case models.KindBulkApprove:
		return map[string]interface{}{"status": StatusApproved}
	case models.KindBulkReject:
		return map[string]interface{}{"status": StatusRejected}
	case models.KindBulkStatusChange:
		return map[string]interface{}{"status": op.Payload.Status}
	}
	return nil
}

func (e *Engine) cached(ctx context.Context, collection, id string) *models.CacheEntry {
	entry, err := e.cache.Get(ctx, collection, id)
	if err != nil {
		return nil
	}
	return entry
}

// applyOptimistic writes op's expected effect to the cache and returns what
// it replaced.
func (e *Engine) applyOptimistic(ctx context.Context, op models.QueuedOperation) snapshot {
	coll := op.Payload.Collection
	snap := snapshot{collection: coll, entries: make(map[string]*models.CacheEntry)}

	switch op.Kind {
	case models.KindCreate:
		id := op.Payload.EntityID
		snap.entries[id] = e.cached(ctx, coll, id)
		e.cache.PutBestEffort(ctx, coll, models.Record{ID: id, Fields: optimisticFields(op)}, true)

	case models.KindUpdate:
		id := op.Payload.EntityID
		prev := e.cached(ctx, coll, id)
		snap.entries[id] = prev
		rec := models.Record{ID: id}
		if prev != nil {
			rec = prev.Record.Clone()
		}
		rec.Apply(optimisticFields(op))
		e.cache.PutBestEffort(ctx, coll, rec, true)

	case models.KindDelete, models.KindBulkDelete:
		for _, id := range op.Payload.Targets() {
			snap.entries[id] = e.cached(ctx, coll, id)
			e.cache.DeleteBestEffort(ctx, coll, id)
		}

	case models.KindBulkApprove, models.KindBulkReject, models.KindBulkStatusChange:
		fields := optimisticFields(op)
		for _, id := range op.Payload.IDs {
			prev := e.cached(ctx, coll, id)
			snap.entries[id] = prev
			if prev == nil {
				continue
			}
			rec := prev.Record.Clone()
			rec.Apply(fields)
			e.cache.PutBestEffort(ctx, coll, rec, true)
		}
	}
	return snap
}

// rollback restores the cache state captured before an optimistic apply.
func (e *Engine) rollback(ctx context.Context, snap snapshot) {
	for id, prev := range snap.entries {
		if prev == nil {
			e.cache.DeleteBestEffort(ctx, snap.collection, id)
			continue
		}
		e.cache.PutBestEffort(ctx, snap.collection, prev.Record, prev.Dirty)
	}
	logging.Debug("Optimistic change rolled back", map[string]interface{}{
		"collection": snap.collection,
		"entities":   len(snap.entries),
	})
}

// overlayQueued reapplies the optimistic effect of still-queued operations
// onto a record from the remote. It reports whether anything was applied.
func (e *Engine) overlayQueued(collection string, rec *models.Record) bool {
	applied := false
	for _, op := range e.queue.List() {
		if op.Payload.Collection != collection {
			continue
		}
		for _, id := range op.Payload.Targets() {
			if id != rec.ID {
				continue
			}
			if fields := optimisticFields(op); fields != nil {
				rec.Apply(fields)
				applied = true
			}
		}
	}
	return applied
}

// putConfirmed caches a record from the remote, keeping the effect of any
// queued work on top of it.
func (e *Engine) putConfirmed(ctx context.Context, collection string, rec models.Record) {
	dirty := e.overlayQueued(collection, &rec)
	e.cache.PutBestEffort(ctx, collection, rec, dirty)
}

// applyResult reconciles the cache after op was committed and announces the
// change. It returns op with a server-assigned id in place of a local one.
func (e *Engine) applyResult(ctx context.Context, op models.QueuedOperation, res *queue.Result) models.QueuedOperation {
	coll := op.Payload.Collection
	recs := records(res)

	switch op.Kind {
	case models.KindDelete, models.KindBulkDelete:
		for _, id := range op.Payload.Targets() {
			e.cache.DeleteBestEffort(ctx, coll, id)
		}
	case models.KindSendAlert:
	default:
		local := op.Payload.EntityID
		if op.Kind == models.KindCreate && uuid.IsLocal(local) && len(recs) == 1 && recs[0].ID != local {
			// remap first so the confirmed record picks up queued work on the placeholder
			e.remapLocalID(ctx, coll, local, recs[0].ID)
			e.cache.DeleteBestEffort(ctx, coll, local)
			op.Payload.EntityID = recs[0].ID
		}
		confirmed := make(map[string]bool, len(recs))
		for _, rec := range recs {
			e.putConfirmed(ctx, coll, rec)
			confirmed[rec.ID] = true
		}
		for _, id := range op.Payload.Targets() {
			if confirmed[id] {
				continue
			}
			entry := e.cached(ctx, coll, id)
			if entry != nil && entry.Dirty && !e.queue.HasPending(models.Payload{Collection: coll, EntityID: id}) {
				e.cache.PutBestEffort(ctx, coll, entry.Record, false)
			}
		}
	}

	if err := e.meta.MarkSynced(ctx, coll, e.now().UTC()); err != nil {
		logging.Debug("Could not record sync time", map[string]interface{}{"collection": coll, "error": err.Error()})
	}
	e.broadcastChange(op)
	return op
}

// remapLocalID points queued work for a placeholder id at the id the remote
// assigned, including bulk entries listing the placeholder.
func (e *Engine) remapLocalID(ctx context.Context, collection, localID, serverID string) {
	for _, op := range e.queue.List() {
		if op.Payload.Collection != collection {
			continue
		}
		p := op.Payload.Clone()
		changed := false
		if p.EntityID == localID {
			p.EntityID = serverID
			changed = true
		}
		for i, id := range p.IDs {
			if id == localID {
				p.IDs[i] = serverID
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := e.queue.Replace(ctx, op.ID, p); err != nil {
			logging.Error("Failed to remap queued operation to server id", err, map[string]interface{}{
				"id":        op.ID,
				"local_id":  localID,
				"server_id": serverID,
			})
		}
	}
}

// reload replaces cached entities with the server's copy. Placeholders that
// never reached the remote are dropped; entities the remote no longer has are
// removed.
func (e *Engine) reload(ctx context.Context, collection string, ids []string) {
	for _, id := range ids {
		if uuid.IsLocal(id) {
			e.cache.DeleteBestEffort(ctx, collection, id)
			continue
		}
		if !e.monitor.IsOnline() {
			continue
		}
		rec, err := e.remote.Fetch(ctx, collection, id)
		switch {
		case err == nil:
			e.putConfirmed(ctx, collection, rec)
		case apperrors.Is(err, apperrors.ErrNotFound):
			e.cache.DeleteBestEffort(ctx, collection, id)
		default:
			logging.Warn("Could not reload entity from remote", map[string]interface{}{
				"collection": collection,
				"entity_id":  id,
				"error":      err.Error(),
			})
		}
	}
}

func records(res *queue.Result) []models.Record {
	if res == nil {
		return nil
	}
	return res.Records
}

// =====================================================
// Outbox and resolver callbacks
// =====================================================

func (e *Engine) onQueuedSynced(op models.QueuedOperation, res *queue.Result) {
	op = e.applyResult(e.ctx, op, res)
	e.emit(opEvent(EventOperationSynced, op, nil))
}

func (e *Engine) onQueuedConflict(op models.QueuedOperation, err error) {
	e.openConflict(e.ctx, op, conflict.SourceRemote, err)
}

func (e *Engine) onQueuedRejected(op models.QueuedOperation, err error) {
	e.reload(e.ctx, op.Payload.Collection, op.Payload.Targets())
	e.emit(opEvent(EventOperationRejected, op, err))
}

func (e *Engine) onQueuedExhausted(op models.QueuedOperation, err error) {
	e.emit(opEvent(EventOperationFailed, op, err))
}

func (e *Engine) onQueuedEvicted(op models.QueuedOperation) {
	e.reload(e.ctx, op.Payload.Collection, op.Payload.Targets())
	e.emit(opEvent(EventQueueOverflow, op, nil))
}

// onConflictResolved finishes outbox entries parked on a conflict. Conflicts
// of directly sent mutations are finished by settleConflict.
func (e *Engine) onConflictResolved(out conflict.Outcome) {
	c := out.Conflict
	ev := SyncEvent{
		Type:        EventConflictResolved,
		Collection:  c.Collection,
		EntityID:    c.EntityID,
		OperationID: c.OperationID,
		Kind:        string(c.Kind),
		Data: map[string]interface{}{
			"conflictId": c.ID,
			"action":     string(out.Action),
			"unattended": out.Unattended,
		},
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	e.emit(ev)

	qop, ok := e.queue.Get(c.OperationID)
	if !ok || !qop.AwaitingResolution {
		return
	}
	ctx := e.ctx
	var err error
	switch {
	case out.Action == models.ActionCancel:
		err = e.queue.Remove(ctx, qop.ID)
		if out.Record == nil {
			e.reload(ctx, c.Collection, qop.Payload.Targets())
		}
	case out.Err == nil:
		err = e.queue.Complete(ctx, qop.ID)
	case apperrors.IsFatal(out.Err):
		err = e.queue.Remove(ctx, qop.ID)
		e.reload(ctx, c.Collection, qop.Payload.Targets())
		e.emit(opEvent(EventOperationRejected, qop, out.Err))
	default:
		// retried by the next flush
		err = e.queue.Replace(ctx, qop.ID, out.Payload)
	}
	if err != nil {
		logging.Error("Failed to settle parked operation", err, map[string]interface{}{
			"id":          qop.ID,
			"conflict_id": c.ID,
		})
	}
}
