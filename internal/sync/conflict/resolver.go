// Package conflict resolves version conflicts between a local mutation and
// the authoritative record.
//
// A conflict is opened when a local update's base version no longer matches
// (before sending, against the cache) or when the remote answers 409. The
// resolver fetches the current record and either waits for a caller decision
// (interactive) or applies the collection's declared strategy (unattended).
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

// MaxUnattendedRounds bounds how often a resend that conflicts again is
// retried against a freshly fetched record.
const MaxUnattendedRounds = 3

// Fetcher reads the authoritative record.
type Fetcher interface {
	Fetch(ctx context.Context, collection, id string) (models.Record, error)
}

// Sender executes a resolved operation against the remote.
type Sender interface {
	Send(ctx context.Context, op models.QueuedOperation) (*queue.Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op models.QueuedOperation) (*queue.Result, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	return f(ctx, op)
}

// Source tells where a conflict was detected.
type Source string

const (
	SourcePreSend Source = "pre-send"
	SourceRemote  Source = "remote"
)

// Conflict is the ephemeral record handed to the decision maker. It exists
// from detection until an action is chosen.
type Conflict struct {
	ID            string                 `json:"id"`
	OperationID   string                 `json:"operationId,omitempty"`
	Kind          models.OperationKind   `json:"kind"`
	Collection    string                 `json:"collection"`
	EntityID      string                 `json:"entityId,omitempty"`
	LocalVersion  int64                  `json:"localVersion"`
	ServerVersion int64                  `json:"serverVersion"`
	LocalDelta    map[string]interface{} `json:"localDelta,omitempty"`
	Local         *models.Record         `json:"local,omitempty"`
	Server        *models.Record         `json:"server,omitempty"`
	Source        Source                 `json:"source"`
	DetectedAt    time.Time              `json:"detectedAt"`

	op models.QueuedOperation
}

// Request opens a conflict.
type Request struct {
	Op     models.QueuedOperation
	Source Source
	// Cached is the local copy, used as the server view when the fetch fails
	// and as the base for overwrite.
	Cached *models.Record
	// Hint is a server record that arrived with the 409, if any.
	Hint *models.Record
}

// Outcome is the result of executing a resolution.
type Outcome struct {
	Conflict   Conflict
	Action     models.ConflictAction
	Unattended bool
	// Payload is what was (or would be) resent.
	Payload models.Payload
	Result  *queue.Result
	// Record is what the cache now holds for the entity, when known.
	Record *models.Record
	Err    error
	Log    models.ConflictLog
}

// Handle tracks one open conflict until it is resolved.
type Handle struct {
	conflict Conflict
	done     chan struct{}
	outcome  Outcome
}

// Conflict returns the conflict record.
func (h *Handle) Conflict() Conflict { return h.conflict }

// Done is closed once the conflict is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the conflict is resolved or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Options configures a Resolver.
type Options struct {
	Interactive bool
	// Strategy returns the unattended strategy of a collection.
	Strategy func(collection string) models.ConflictStrategy
	// Prompt is called when an interactive conflict needs a decision.
	Prompt func(Conflict)
	// OnResolved is called after every resolution.
	OnResolved func(Outcome)
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

// Resolver is the sole owner of open conflicts.
type Resolver struct {
	fetcher Fetcher
	sender  Sender
	cache   *store.Cache
	opts    Options

	mu          sync.Mutex
	interactive bool
	pending     map[string]*Handle
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(fetcher Fetcher, sender Sender, cache *store.Cache, opts Options) *Resolver {
	if opts.Strategy == nil {
		opts.Strategy = func(string) models.ConflictStrategy { return models.StrategyServerWins }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		fetcher:     fetcher,
		sender:      sender,
		cache:       cache,
		opts:        opts,
		interactive: opts.Interactive,
		pending:     make(map[string]*Handle),
	}
}

// SetOnResolved replaces the resolution callback.
func (r *Resolver) SetOnResolved(fn func(Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.OnResolved = fn
}

// SetPrompt replaces the interactive prompt callback.
func (r *Resolver) SetPrompt(fn func(Conflict)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Prompt = fn
}

// Detect reports whether a local base version is stale against the cached
// version. Zero means the caller did not state a base version.
func Detect(baseVersion int64, cached *models.Record) bool {
	return cached != nil && baseVersion > 0 && baseVersion != cached.Version
}

// Open builds a conflict for req and starts its resolution. In interactive
// mode the conflict waits in Pending for Resolve; otherwise the collection
// strategy is applied in the background.
func (r *Resolver) Open(ctx context.Context, req Request) *Handle {
	c := r.build(ctx, req)
	h := &Handle{conflict: c, done: make(chan struct{})}

	logging.Warn("Version conflict detected", map[string]interface{}{
		"conflict_id":    c.ID,
		"operation_id":   c.OperationID,
		"collection":     c.Collection,
		"entity_id":      c.EntityID,
		"local_version":  c.LocalVersion,
		"server_version": c.ServerVersion,
		"source":         string(c.Source),
	})

	r.mu.Lock()
	interactive := r.interactive
	prompt := r.opts.Prompt
	if interactive {
		r.pending[c.ID] = h
	}
	r.mu.Unlock()

	if interactive {
		if prompt != nil {
			prompt(c)
		}
		return h
	}

	action := models.ActionFor(r.opts.Strategy(c.Collection))
	go r.finish(context.WithoutCancel(ctx), h, action, true)
	return h
}

func (r *Resolver) build(ctx context.Context, req Request) Conflict {
	op := *req.Op.Clone()
	c := Conflict{
		ID:           uuid.New(),
		OperationID:  op.ID,
		Kind:         op.Kind,
		Collection:   op.Payload.Collection,
		EntityID:     op.Payload.EntityID,
		LocalVersion: op.Payload.BaseVersion,
		LocalDelta:   models.CloneFields(op.Payload.Delta),
		Source:       req.Source,
		DetectedAt:   r.opts.Now().UTC(),
		op:           op,
	}
	if req.Cached != nil {
		local := req.Cached.Clone()
		c.Local = &local
	}
	c.Server = r.current(ctx, c.Collection, c.EntityID, req.Hint, c.Local)
	if c.Server != nil {
		c.ServerVersion = c.Server.Version
	}
	return c
}

// current fetches the authoritative record, falling back to the 409 hint and
// then to the cached copy.
func (r *Resolver) current(ctx context.Context, collection, id string, hint, cached *models.Record) *models.Record {
	if id == "" {
		return nil
	}
	if r.fetcher != nil {
		rec, err := r.fetcher.Fetch(ctx, collection, id)
		if err == nil {
			return &rec
		}
		logging.Warn("Could not fetch current record for conflict, using local view", map[string]interface{}{
			"collection": collection,
			"entity_id":  id,
			"error":      err.Error(),
		})
	}
	if hint != nil {
		h := hint.Clone()
		return &h
	}
	if cached != nil {
		c := cached.Clone()
		return &c
	}
	return nil
}

// Resolve applies action to the pending conflict id and returns the outcome.
func (r *Resolver) Resolve(ctx context.Context, id string, action models.ConflictAction) (Outcome, error) {
	if !action.Valid() {
		return Outcome{}, apperrors.Newf(apperrors.ErrInvalid, "unknown conflict action %q", action)
	}
	r.mu.Lock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return Outcome{}, apperrors.Newf(apperrors.ErrConflictNotFound, "conflict %s not found", id)
	}
	return r.finish(ctx, h, action, false), nil
}

// Pending returns the conflicts awaiting a decision, oldest first.
func (r *Resolver) Pending() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.pending))
	for _, h := range r.pending {
		out = append(out, h.conflict)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Interactive reports whether decisions are left to the caller.
func (r *Resolver) Interactive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interactive
}

// SetInteractive switches modes. Leaving interactive mode resolves every
// pending conflict with its collection strategy.
func (r *Resolver) SetInteractive(on bool) {
	r.mu.Lock()
	r.interactive = on
	var orphaned []*Handle
	if !on {
		for id, h := range r.pending {
			orphaned = append(orphaned, h)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, h := range orphaned {
		action := models.ActionFor(r.opts.Strategy(h.conflict.Collection))
		go r.finish(context.Background(), h, action, true)
	}
}

func (r *Resolver) finish(ctx context.Context, h *Handle, action models.ConflictAction, unattended bool) Outcome {
	out := r.execute(ctx, h.conflict, action, unattended)
	h.outcome = out
	close(h.done)

	r.opts.Metrics.Conflict(string(action))
	fields := map[string]interface{}{
		"conflict_id": out.Conflict.ID,
		"collection":  out.Conflict.Collection,
		"entity_id":   out.Conflict.EntityID,
		"action":      string(action),
		"unattended":  unattended,
	}
	if out.Err != nil {
		logging.Error("Conflict resolution failed", out.Err, fields)
	} else {
		logging.Info("Conflict resolved", fields)
	}

	r.mu.Lock()
	cb := r.opts.OnResolved
	r.mu.Unlock()
	if cb != nil {
		cb(out)
	}
	return out
}

// execute carries out action. A resend that conflicts again is retried
// against a refetched record, up to MaxUnattendedRounds.
func (r *Resolver) execute(ctx context.Context, c Conflict, action models.ConflictAction, unattended bool) (out Outcome) {
	out = Outcome{Conflict: c, Action: action, Unattended: unattended}
	out.Log = models.ConflictLog{
		ConflictID:    c.ID,
		Collection:    c.Collection,
		EntityID:      c.EntityID,
		LocalVersion:  c.LocalVersion,
		ServerVersion: c.ServerVersion,
		Action:        action,
		Unattended:    unattended,
	}
	defer func() { out.Log.ResolvedAt = r.opts.Now().UTC() }()

	if action == models.ActionCancel {
		out.Payload = c.op.Payload.Clone()
		if c.Server != nil {
			rec := c.Server.Clone()
			out.Record = &rec
			r.cachePut(ctx, c.Collection, rec)
		}
		return out
	}

	server := c.Server
	for round := 1; ; round++ {
		op := c.op
		op.Payload = resolvedPayload(c, server, action)
		out.Payload = op.Payload.Clone()

		res, err := r.sender.Send(ctx, op)
		if err == nil {
			out.Result = res
			out.Err = nil
			out.Record = resultRecord(c, res, server, op.Payload)
			if out.Record != nil {
				r.cachePut(ctx, c.Collection, *out.Record)
			}
			return out
		}
		out.Err = err
		if !apperrors.IsConflict(err) || round >= MaxUnattendedRounds {
			return out
		}
		logging.Debug("Resolution resend conflicted again, refetching", map[string]interface{}{
			"conflict_id": c.ID,
			"round":       round,
		})
		server = r.current(ctx, c.Collection, c.EntityID, nil, server)
		if server != nil {
			out.Log.ServerVersion = server.Version
		}
	}
}

// resolvedPayload builds the payload to resend. Overwrite sends the full local
// view so server changes are discarded; merge sends only the local delta on
// top of the server's current version.
func resolvedPayload(c Conflict, server *models.Record, action models.ConflictAction) models.Payload {
	p := c.op.Payload.Clone()
	if server != nil {
		p.BaseVersion = server.Version
	}
	if c.op.Kind != models.KindUpdate {
		return p
	}
	switch action {
	case models.ActionOverwrite:
		if c.Local != nil {
			full := models.CloneFields(c.Local.Fields)
			if full == nil {
				full = make(map[string]interface{})
			}
			for k, v := range c.LocalDelta {
				full[k] = v
			}
			p.Delta = full
		}
	case models.ActionMerge:
		p.Delta = models.CloneFields(c.LocalDelta)
	}
	return p
}

// resultRecord picks what the cache should hold after a successful resend.
func resultRecord(c Conflict, res *queue.Result, server *models.Record, sent models.Payload) *models.Record {
	if c.EntityID == "" || c.op.Kind == models.KindDelete {
		return nil
	}
	if res != nil {
		for _, rec := range res.Records {
			if rec.ID == c.EntityID {
				out := rec.Clone()
				return &out
			}
		}
	}
	// no echo from the remote: server record with the sent fields on top
	var base models.Record
	if server != nil {
		base = server.Clone()
	} else {
		base = models.Record{ID: c.EntityID}
	}
	base.Apply(sent.Delta)
	return &base
}

func (r *Resolver) cachePut(ctx context.Context, collection string, rec models.Record) {
	if r.cache == nil {
		return
	}
	r.cache.PutBestEffort(ctx, collection, rec, false)
}

// Merge overlays delta onto server: the field-level last-writer merge. Fields
// edited on both sides take the local value.
func Merge(server models.Record, delta map[string]interface{}) models.Record {
	out := server.Clone()
	out.Apply(models.CloneFields(delta))
	return out
}
