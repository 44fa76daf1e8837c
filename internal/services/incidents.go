// Package services provides the incident domain operations on top of the
// sync engine. Every write goes through the engine's two-phase mutation so
// it is visible locally at once and delivered when the remote is reachable.
package services

import (
	"context"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
)

// Incident collection naming. The feature and entity names form the
// cross-process channels incidents:refresh, incidents:incident-updated and
// incidents:bulk-operation.
const (
	CollectionIncidents = "incidents"
	FeatureIncidents    = "incidents"
	EntityIncident      = "incident"
)

// Engine is the part of the sync engine the service drives.
type Engine interface {
	Mutate(ctx context.Context, m sync.Mutation) (*sync.Pending, error)
	Get(ctx context.Context, collection, id string) (*models.CacheEntry, error)
	List(ctx context.Context, collection string) ([]models.CacheEntry, error)
	Refresh(ctx context.Context, collection string) error
}

// Incident is the UI view of a cached incident record.
type Incident struct {
	ID       string                 `json:"id"`
	Version  int64                  `json:"version"`
	Title    string                 `json:"title,omitempty"`
	Severity string                 `json:"severity,omitempty"`
	Status   string                 `json:"status,omitempty"`
	Fields   map[string]interface{} `json:"fields"`
	// Pending is set while the incident carries local changes the remote has
	// not confirmed.
	Pending  bool      `json:"pending"`
	CachedAt time.Time `json:"cachedAt"`
}

// FromEntry builds the view of a cache entry.
func FromEntry(e models.CacheEntry) Incident {
	return Incident{
		ID:       e.Record.ID,
		Version:  e.Record.Version,
		Title:    stringField(e.Record.Fields, "title"),
		Severity: stringField(e.Record.Fields, "severity"),
		Status:   stringField(e.Record.Fields, "status"),
		Fields:   models.CloneFields(e.Record.Fields),
		Pending:  e.Dirty,
		CachedAt: e.CachedAt,
	}
}

func stringField(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}

// IncidentService issues incident mutations and reads.
type IncidentService struct {
	engine Engine
}

// NewIncidentService creates a new IncidentService.
func NewIncidentService(engine Engine) *IncidentService {
	return &IncidentService{engine: engine}
}

// CollectionSpec is the registration of the incidents collection.
func CollectionSpec(strategy models.ConflictStrategy) sync.CollectionSpec {
	return sync.CollectionSpec{
		Name:     CollectionIncidents,
		Feature:  FeatureIncidents,
		Entity:   EntityIncident,
		Strategy: strategy,
	}
}

// =====================================================
// Reads
// =====================================================

// Get returns one incident.
func (s *IncidentService) Get(ctx context.Context, id string) (*Incident, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "incident id is required")
	}
	entry, err := s.engine.Get(ctx, CollectionIncidents, id)
	if err != nil {
		return nil, err
	}
	inc := FromEntry(*entry)
	return &inc, nil
}

// List returns every cached incident, most recently cached first.
func (s *IncidentService) List(ctx context.Context) ([]Incident, error) {
	entries, err := s.engine.List(ctx, CollectionIncidents)
	if err != nil {
		return nil, err
	}
	out := make([]Incident, 0, len(entries))
	for _, e := range entries {
		out = append(out, FromEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CachedAt.After(out[j].CachedAt) })
	return out, nil
}

// Refresh re-fetches incidents from the remote.
func (s *IncidentService) Refresh(ctx context.Context) error {
	return s.engine.Refresh(ctx, CollectionIncidents)
}

// =====================================================
// Single-incident mutations
// =====================================================

// Create creates an incident. The returned pending operation carries the
// local placeholder id until the remote assigns one.
func (s *IncidentService) Create(ctx context.Context, fields map[string]interface{}) (*sync.Pending, error) {
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "incident fields are required")
	}
	return s.mutate(ctx, models.KindCreate, models.Payload{Delta: fields})
}

// Update changes fields of an incident last seen at baseVersion. A zero
// baseVersion skips the version check.
func (s *IncidentService) Update(ctx context.Context, id string, baseVersion int64, delta map[string]interface{}) (*sync.Pending, error) {
	if len(delta) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "nothing to update")
	}
	return s.mutate(ctx, models.KindUpdate, models.Payload{EntityID: id, BaseVersion: baseVersion, Delta: delta})
}

// Delete removes an incident.
func (s *IncidentService) Delete(ctx context.Context, id string, baseVersion int64) (*sync.Pending, error) {
	return s.mutate(ctx, models.KindDelete, models.Payload{EntityID: id, BaseVersion: baseVersion})
}

// SendAlert raises an emergency alert for an incident.
func (s *IncidentService) SendAlert(ctx context.Context, id, message string, extra map[string]interface{}) (*sync.Pending, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "alert message is required")
	}
	return s.mutate(ctx, models.KindSendAlert, models.Payload{EntityID: id, Reason: message, Extra: extra})
}

// =====================================================
// Bulk mutations
// =====================================================

// BulkApprove approves every incident in ids.
func (s *IncidentService) BulkApprove(ctx context.Context, ids []string, reason string) (*sync.Pending, error) {
	return s.bulk(ctx, models.KindBulkApprove, ids, models.Payload{Reason: reason})
}

// BulkReject rejects every incident in ids.
func (s *IncidentService) BulkReject(ctx context.Context, ids []string, reason string) (*sync.Pending, error) {
	return s.bulk(ctx, models.KindBulkReject, ids, models.Payload{Reason: reason})
}

// BulkDelete deletes every incident in ids.
func (s *IncidentService) BulkDelete(ctx context.Context, ids []string) (*sync.Pending, error) {
	return s.bulk(ctx, models.KindBulkDelete, ids, models.Payload{})
}

// BulkStatusChange moves every incident in ids to status.
func (s *IncidentService) BulkStatusChange(ctx context.Context, ids []string, status string) (*sync.Pending, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "status is required")
	}
	return s.bulk(ctx, models.KindBulkStatusChange, ids, models.Payload{Status: status})
}

func (s *IncidentService) bulk(ctx context.Context, kind models.OperationKind, ids []string, p models.Payload) (*sync.Pending, error) {
	p.IDs = uniqueIDs(ids)
	if len(p.IDs) == 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s requires at least one incident id", kind)
	}
	return s.mutate(ctx, kind, p)
}

// uniqueIDs drops blanks and repeats, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *IncidentService) mutate(ctx context.Context, kind models.OperationKind, p models.Payload) (*sync.Pending, error) {
	p.Collection = CollectionIncidents
	p.EntityID = strings.TrimSpace(p.EntityID)
	pending, err := s.engine.Mutate(ctx, sync.Mutation{Kind: kind, Payload: p})
	if err != nil {
		logging.Debug("Incident mutation not accepted", map[string]interface{}{
			"kind":  string(kind),
			"key":   p.LockKey(),
			"error": err.Error(),
		})
		return nil, err
	}
	return pending, nil
}
