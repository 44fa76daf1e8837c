package sync

import (
	"context"
	stderrors "errors"
	"sort"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/connectivity"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/dedup"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/lock"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/notify"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/scheduler"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
)

// Remote is the read side of the remote authority.
type Remote interface {
	Fetch(ctx context.Context, collection, id string) (models.Record, error)
	List(ctx context.Context, collection string) ([]models.Record, error)
}

// Components are the collaborators an Engine is built from. Each is
// constructed once by the process and shared.
type Components struct {
	Queue    *queue.Queue
	Cache    *store.Cache
	Metadata *store.MetadataStore
	Lock     *lock.OperationLock
	Dedup    *dedup.Deduplicator
	Monitor  *connectivity.Monitor
	Resolver *conflict.Resolver
	Remote   Remote
	// Notifier is optional; without it no cross-process signals are sent.
	Notifier *notify.Notifier
	Metrics  *telemetry.Metrics

	Scheduler       *scheduler.SchedulerConfig
	DefaultStrategy models.ConflictStrategy
}

// CollectionSpec declares a synced collection.
type CollectionSpec struct {
	Name string
	// Feature namespaces the collection's signal channels; defaults to Name.
	Feature string
	// Entity names one record in the updated channel; defaults to "record".
	Entity   string
	Strategy models.ConflictStrategy
}

// Status is a snapshot of the whole engine.
type Status struct {
	Connectivity     connectivity.Status       `json:"connectivity"`
	Queue            queue.Stats               `json:"queue"`
	Scheduler        scheduler.SchedulerStatus `json:"scheduler"`
	PendingConflicts int                       `json:"pendingConflicts"`
	Interactive      bool                      `json:"interactive"`
	Collections      []models.SyncMetadata     `json:"collections"`
}

// Engine ties the outbox, cache, conflict resolver and scheduler together
// behind the two-phase mutation API.
type Engine struct {
	queue     *queue.Queue
	cache     *store.Cache
	meta      *store.MetadataStore
	lock      *lock.OperationLock
	dedup     *dedup.Deduplicator
	monitor   *connectivity.Monitor
	resolver  *conflict.Resolver
	remote    Remote
	notifier  *notify.Notifier
	metrics   *telemetry.Metrics
	scheduler *scheduler.Scheduler
	strategy  models.ConflictStrategy
	now       func() time.Time

	mu          gosync.RWMutex
	collections map[string]CollectionSpec
	handler     SyncEventHandler
	inflight    map[string]int
	unsubscribe []func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	running bool
}

// NewEngine wires an Engine. Queue hooks and resolver callbacks are claimed
// by the engine.
func NewEngine(c Components) *Engine {
	if c.Lock == nil {
		c.Lock = lock.New(c.Metrics)
	}
	if c.Dedup == nil {
		c.Dedup = dedup.New(time.Second, c.Metrics)
	}
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = models.StrategyServerWins
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:       c.Queue,
		cache:       c.Cache,
		meta:        c.Metadata,
		lock:        c.Lock,
		dedup:       c.Dedup,
		monitor:     c.Monitor,
		resolver:    c.Resolver,
		remote:      c.Remote,
		notifier:    c.Notifier,
		metrics:     c.Metrics,
		strategy:    c.DefaultStrategy,
		now:         time.Now,
		collections: make(map[string]CollectionSpec),
		inflight:    make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.scheduler = scheduler.NewScheduler(flusherFunc(e.flushQueue), e, c.Scheduler)

	e.queue.SetHooks(queue.Hooks{
		OnSynced:    e.onQueuedSynced,
		OnConflict:  e.onQueuedConflict,
		OnRejected:  e.onQueuedRejected,
		OnExhausted: e.onQueuedExhausted,
		OnEvicted:   e.onQueuedEvicted,
	})
	e.resolver.SetOnResolved(e.onConflictResolved)
	return e
}

type flusherFunc func(ctx context.Context) (queue.FlushReport, error)

func (f flusherFunc) Flush(ctx context.Context) (queue.FlushReport, error) { return f(ctx) }

// RegisterCollection declares a synced collection and records its metadata.
func (e *Engine) RegisterCollection(ctx context.Context, spec CollectionSpec) error {
	if spec.Name == "" {
		return apperrors.New(apperrors.ErrInvalid, "collection name is required")
	}
	if spec.Feature == "" {
		spec.Feature = spec.Name
	}
	if spec.Entity == "" {
		spec.Entity = "record"
	}
	if !spec.Strategy.Valid() {
		spec.Strategy = e.strategy
	}
	meta, err := e.meta.Ensure(ctx, spec.Name, spec.Strategy)
	if err != nil {
		logging.Warn("Could not persist collection metadata", map[string]interface{}{
			"collection": spec.Name,
			"error":      err.Error(),
		})
	} else {
		spec.Strategy = meta.ConflictResolutionStrategy
	}

	e.mu.Lock()
	e.collections[spec.Name] = spec
	e.mu.Unlock()

	if e.notifier != nil {
		for _, ch := range []string{
			notify.RefreshChannel(spec.Feature),
			notify.UpdatedChannel(spec.Feature, spec.Entity),
			notify.BulkChannel(spec.Feature),
		} {
			unsub := e.notifier.OnMessage(ch, e.onSignal(spec.Name))
			e.mu.Lock()
			e.unsubscribe = append(e.unsubscribe, unsub)
			e.mu.Unlock()
		}
	}
	return nil
}

func (e *Engine) collection(name string) (CollectionSpec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	spec, ok := e.collections[name]
	return spec, ok
}

func (e *Engine) collectionNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start restores the outbox, reopens conflicts left parked by a previous run,
// and starts connectivity monitoring and the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.queue.Load(ctx); err != nil {
		return err
	}

	unsub := e.monitor.Subscribe(e.onConnectivity)
	e.mu.Lock()
	e.unsubscribe = append(e.unsubscribe, unsub)
	e.mu.Unlock()

	for _, op := range e.queue.List() {
		if op.AwaitingResolution {
			e.openConflict(e.ctx, op, conflict.SourceRemote, nil)
		}
	}

	e.monitor.Start(e.ctx)
	e.scheduler.SetOnlineStatus(e.monitor.IsOnline())
	e.scheduler.Start(e.ctx)

	logging.Info("Sync engine started", map[string]interface{}{
		"queued":      e.queue.Len(),
		"collections": len(e.collectionNames()),
	})
	return nil
}

// Stop halts background work and waits for in-flight commits.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	e.scheduler.Stop()
	e.monitor.Stop()
	e.cancel()
	e.wg.Wait()

	logging.Info("Sync engine stopped", nil)
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emit(ev SyncEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func opEvent(t EventType, op models.QueuedOperation, err error) SyncEvent {
	ev := SyncEvent{
		Type:        t,
		Collection:  op.Payload.Collection,
		EntityID:    op.Payload.EntityID,
		OperationID: op.ID,
		Kind:        string(op.Kind),
	}
	if len(op.Payload.IDs) > 0 {
		ev.Data = map[string]interface{}{"ids": op.Payload.IDs}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Status returns the current sync status.
func (e *Engine) Status(ctx context.Context) Status {
	metas, err := e.meta.List(ctx)
	if err != nil {
		logging.Warn("Could not list collection metadata", map[string]interface{}{"error": err.Error()})
	}
	return Status{
		Connectivity:     e.monitor.Status(),
		Queue:            e.queue.Stats(),
		Scheduler:        e.scheduler.GetStatus(),
		PendingConflicts: len(e.resolver.Pending()),
		Interactive:      e.resolver.Interactive(),
		Collections:      metas,
	}
}

// SetPassiveConnectivity feeds an OS-level network hint to the monitor.
func (e *Engine) SetPassiveConnectivity(online bool) {
	e.monitor.SetPassive(online)
}

func (e *Engine) onConnectivity(s connectivity.Status) {
	e.scheduler.SetOnlineStatus(s.Online)
	e.emit(SyncEvent{
		Type: EventConnectivityChanged,
		Data: map[string]interface{}{
			"online":  s.Online,
			"quality": string(s.Quality),
			"source":  s.Source,
		},
	})
}

// =====================================================
// Reads
// =====================================================

// Get returns the cached entry for id. On a miss while online the record is
// fetched and cached.
func (e *Engine) Get(ctx context.Context, collection, id string) (*models.CacheEntry, error) {
	entry, err := e.cache.Get(ctx, collection, id)
	if err == nil {
		return entry, nil
	}
	if !stderrors.Is(err, store.ErrNotFound) {
		logging.Warn("Cache read failed, falling back to remote", map[string]interface{}{
			"collection": collection,
			"entity_id":  id,
			"error":      err.Error(),
		})
	}
	if !e.monitor.IsOnline() {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s is not cached", collection, id)
	}
	rec, err := e.remote.Fetch(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	e.cache.PutBestEffort(ctx, collection, rec, false)
	return &models.CacheEntry{Collection: collection, Record: rec, CachedAt: e.now()}, nil
}

// List returns the cached records of collection.
func (e *Engine) List(ctx context.Context, collection string) ([]models.CacheEntry, error) {
	return e.cache.List(ctx, collection)
}

// Refresh re-fetches collection. Identical refreshes within the dedup window,
// or while one is running, share a single fetch.
func (e *Engine) Refresh(ctx context.Context, collection string) error {
	spec, ok := e.collection(collection)
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalid, "collection %q is not registered", collection)
	}
	if !e.monitor.IsOnline() {
		return apperrors.New(apperrors.ErrSyncOffline, "cannot refresh while offline")
	}

	ran, err := e.dedup.Do(ctx, "refresh:"+collection, func(ctx context.Context) error {
		return e.refresh(ctx, spec)
	})
	if err != nil {
		return err
	}
	if !ran {
		logging.Debug("Refresh collapsed by dedup window", map[string]interface{}{"collection": collection})
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context, spec CollectionSpec) error {
	records, err := e.remote.List(ctx, spec.Name)
	if err != nil {
		return err
	}
	pending := e.queue.PendingTargets(spec.Name)
	keep := func(id string) bool {
		return pending[id] || e.isInflight(spec.Name, id)
	}
	if err := e.cache.ReplaceAll(ctx, spec.Name, records, keep); err != nil {
		logging.Warn("Cache refresh write failed", map[string]interface{}{
			"collection": spec.Name,
			"error":      err.Error(),
		})
	}
	if err := e.meta.MarkSynced(ctx, spec.Name, e.now().UTC()); err != nil {
		logging.Warn("Could not record sync time", map[string]interface{}{
			"collection": spec.Name,
			"error":      err.Error(),
		})
	}

	e.broadcast(notify.RefreshChannel(spec.Feature), notify.Payload{})
	e.emit(SyncEvent{
		Type:       EventCollectionRefreshed,
		Collection: spec.Name,
		Data:       map[string]interface{}{"records": len(records)},
	})
	return nil
}

// RefreshAll refreshes every registered collection concurrently.
func (e *Engine) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range e.collectionNames() {
		g.Go(func() error { return e.Refresh(ctx, name) })
	}
	return g.Wait()
}

// =====================================================
// Outbox control
// =====================================================

// Flush drains the outbox now. It does nothing while another flush runs.
func (e *Engine) Flush(ctx context.Context) (queue.FlushReport, error) {
	return e.scheduler.FlushNow(ctx)
}

func (e *Engine) flushQueue(ctx context.Context) (queue.FlushReport, error) {
	report, err := e.queue.Flush(ctx)
	if err == nil && !report.Busy && report.Attempted > 0 {
		e.emit(SyncEvent{
			Type: EventFlushCompleted,
			Data: map[string]interface{}{
				"attempted": report.Attempted,
				"synced":    report.Synced,
				"retried":   report.Retried,
				"exhausted": report.Exhausted,
				"rejected":  report.Rejected,
				"conflicts": report.Conflicts,
				"offline":   report.Offline,
			},
		})
	}
	return report, err
}

// TriggerFlush schedules a background flush.
func (e *Engine) TriggerFlush() bool {
	return e.scheduler.TriggerFlush()
}

// RetryFailed resets failed entries and flushes.
func (e *Engine) RetryFailed(ctx context.Context) (int, queue.FlushReport, error) {
	return e.queue.RetryFailed(ctx)
}

// RemoveOperation dismisses a queued operation and restores the server view
// of the entities it touched.
func (e *Engine) RemoveOperation(ctx context.Context, id string) error {
	op, ok := e.queue.Get(id)
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	if err := e.queue.Remove(ctx, id); err != nil {
		return err
	}
	e.reload(ctx, op.Payload.Collection, op.Payload.Targets())
	return nil
}

// Operations lists the outbox in insertion order.
func (e *Engine) Operations() []models.QueuedOperation {
	return e.queue.List()
}

// =====================================================
// Conflicts
// =====================================================

// PendingConflicts returns conflicts awaiting a decision.
func (e *Engine) PendingConflicts() []conflict.Conflict {
	return e.resolver.Pending()
}

// ResolveConflict applies a decision to a pending conflict.
func (e *Engine) ResolveConflict(ctx context.Context, id string, action models.ConflictAction) (conflict.Outcome, error) {
	return e.resolver.Resolve(ctx, id, action)
}

// SetInteractive toggles whether conflicts wait for a caller decision.
func (e *Engine) SetInteractive(on bool) {
	e.resolver.SetInteractive(on)
}

// =====================================================
// Cross-process signals
// =====================================================

func (e *Engine) broadcast(channel string, p notify.Payload) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Broadcast(channel, p); err != nil {
		logging.Warn("Could not broadcast change signal", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
	}
}

func (e *Engine) broadcastChange(op models.QueuedOperation) {
	spec, ok := e.collection(op.Payload.Collection)
	if !ok {
		return
	}
	switch {
	case op.Kind.IsBulk():
		e.broadcast(notify.BulkChannel(spec.Feature), notify.Payload{IDs: op.Payload.IDs})
	case op.Payload.EntityID != "":
		e.broadcast(notify.UpdatedChannel(spec.Feature, spec.Entity), notify.Payload{EntityID: op.Payload.EntityID})
	}
}

func (e *Engine) onSignal(collection string) notify.Handler {
	return func(msg notify.Message) {
		data := map[string]interface{}{"channel": msg.Channel, "origin": msg.Origin}
		if len(msg.Payload.IDs) > 0 {
			data["ids"] = msg.Payload.IDs
		}
		e.emit(SyncEvent{
			Type:       EventCacheInvalidated,
			Collection: collection,
			EntityID:   msg.Payload.EntityID,
			Data:       data,
		})
	}
}

// =====================================================
// In-flight bookkeeping
// =====================================================

func inflightKey(collection, id string) string { return collection + "/" + id }

func (e *Engine) markInflight(collection string, ids []string, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		k := inflightKey(collection, id)
		e.inflight[k] += delta
		if e.inflight[k] <= 0 {
			delete(e.inflight, k)
		}
	}
}

func (e *Engine) isInflight(collection, id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inflight[inflightKey(collection, id)] > 0
}
