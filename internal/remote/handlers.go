package remote

import (
	"context"
	"strings"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
)

// Registry is where handlers are bound; *queue.Queue satisfies it.
type Registry interface {
	Register(kind models.OperationKind, h queue.Handler)
}

// RegisterHandlers binds every standard operation kind to c.
func RegisterHandlers(r Registry, c *Client) {
	r.Register(models.KindCreate, c.handleCreate)
	r.Register(models.KindUpdate, c.handleUpdate)
	r.Register(models.KindDelete, c.handleDelete)
	for _, kind := range []models.OperationKind{
		models.KindBulkApprove,
		models.KindBulkReject,
		models.KindBulkDelete,
		models.KindBulkStatusChange,
	} {
		r.Register(kind, c.handleBulk)
	}
	r.Register(models.KindSendAlert, c.handleSendAlert)
}

func (c *Client) handleCreate(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	p := op.Payload
	rec, err := c.Create(ctx, p.Collection, p.EntityID, p.Delta)
	if err != nil {
		return nil, err
	}
	return &queue.Result{Records: []models.Record{rec}}, nil
}

func (c *Client) handleUpdate(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	p := op.Payload
	if p.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "update requires an entity id")
	}
	rec, err := c.Update(ctx, p.Collection, p.EntityID, p.BaseVersion, p.Delta)
	if err != nil {
		return nil, err
	}
	return &queue.Result{Records: []models.Record{rec}}, nil
}

func (c *Client) handleDelete(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	p := op.Payload
	if p.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "delete requires an entity id")
	}
	if err := c.Delete(ctx, p.Collection, p.EntityID, p.BaseVersion); err != nil {
		// already gone is what we wanted
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return &queue.Result{}, nil
		}
		return nil, err
	}
	return &queue.Result{}, nil
}

func (c *Client) handleBulk(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	p := op.Payload
	if len(p.IDs) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "bulk operation requires ids")
	}
	recs, err := c.Bulk(ctx, p.Collection, BulkRequest{
		Action: strings.TrimPrefix(string(op.Kind), "bulk-"),
		IDs:    p.IDs,
		Reason: p.Reason,
		Status: p.Status,
	})
	if err != nil {
		return nil, err
	}
	return &queue.Result{Records: recs}, nil
}

func (c *Client) handleSendAlert(ctx context.Context, op models.QueuedOperation) (*queue.Result, error) {
	p := op.Payload
	if err := c.SendAlert(ctx, Alert{
		Collection: p.Collection,
		EntityID:   p.EntityID,
		Message:    p.Reason,
		Extra:      p.Extra,
	}); err != nil {
		return nil, err
	}
	return &queue.Result{}, nil
}
