// Package remote is the REST client for the incident authority. It maps HTTP
// outcomes onto the sync error taxonomy so the outbox can classify them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// ConflictError is a 409 response. Current holds the server's record when the
// response carried one.
type ConflictError struct {
	Collection string
	EntityID   string
	Current    *models.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s", e.Collection, e.EntityID)
}

// AsConflict extracts a ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Client talks to the remote REST API.
type Client struct {
	baseURL    string
	token      string
	healthPath string
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient gets a 15s timeout default.
func NewClient(baseURL, token, healthPath string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if healthPath == "" {
		healthPath = "/api/health"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		healthPath: healthPath,
		httpClient: httpClient,
	}
}

// Probe performs the liveness check: any 2xx is healthy.
func (c *Client) Probe(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, c.healthPath, nil, nil, nil, target{})
}

type listResponse struct {
	Items []models.Record `json:"items"`
}

// Fetch returns the authoritative copy of one record.
func (c *Client) Fetch(ctx context.Context, collection, id string) (models.Record, error) {
	var out models.Record
	err := c.doJSON(ctx, http.MethodGet, entityPath(collection, id), nil, nil, &out, target{collection, id})
	return out, err
}

// List returns every record of collection.
func (c *Client) List(ctx context.Context, collection string) ([]models.Record, error) {
	var out listResponse
	err := c.doJSON(ctx, http.MethodGet, collectionPath(collection), nil, nil, &out, target{collection: collection})
	return out.Items, err
}

type writeRequest struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

// Create creates a record. A local placeholder id is not sent.
func (c *Client) Create(ctx context.Context, collection, id string, fields map[string]interface{}) (models.Record, error) {
	body := writeRequest{Fields: fields}
	if id != "" && !uuid.IsLocal(id) {
		body.ID = id
	}
	var out models.Record
	err := c.doJSON(ctx, http.MethodPost, collectionPath(collection), nil, body, &out, target{collection, id})
	return out, err
}

// Update applies delta to a record, guarded by If-Match on baseVersion when
// it is positive.
func (c *Client) Update(ctx context.Context, collection, id string, baseVersion int64, delta map[string]interface{}) (models.Record, error) {
	var out models.Record
	err := c.doJSON(ctx, http.MethodPatch, entityPath(collection, id), ifMatch(baseVersion), writeRequest{Fields: delta}, &out, target{collection, id})
	return out, err
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection, id string, baseVersion int64) error {
	return c.doJSON(ctx, http.MethodDelete, entityPath(collection, id), ifMatch(baseVersion), nil, nil, target{collection, id})
}

// BulkRequest is the body of a bulk action.
type BulkRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
	Reason string   `json:"reason,omitempty"`
	Status string   `json:"status,omitempty"`
}

// Bulk applies one action to many records and returns the records it touched.
func (c *Client) Bulk(ctx context.Context, collection string, req BulkRequest) ([]models.Record, error) {
	var out listResponse
	err := c.doJSON(ctx, http.MethodPost, collectionPath(collection)+"/bulk", nil, req, &out, target{collection: collection})
	return out.Items, err
}

// Alert is an emergency alert.
type Alert struct {
	Collection string                 `json:"collection,omitempty"`
	EntityID   string                 `json:"entityId,omitempty"`
	Message    string                 `json:"message"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// SendAlert posts an emergency alert.
func (c *Client) SendAlert(ctx context.Context, alert Alert) error {
	return c.doJSON(ctx, http.MethodPost, "/api/alerts", nil, alert, nil, target{collection: "alerts", id: alert.EntityID})
}

func collectionPath(collection string) string {
	return "/api/" + url.PathEscape(collection)
}

func entityPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func ifMatch(version int64) map[string]string {
	if version <= 0 {
		return nil
	}
	return map[string]string{"If-Match": strconv.Quote(strconv.FormatInt(version, 10))}
}

// target names the entity a request is about, for conflict errors.
type target struct {
	collection string
	id         string
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
	tgt target,
) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.New())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return transportError(method, requestPath, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "decode response", err)
		}
		return nil
	}

	return classify(resp.StatusCode, payload, tgt)
}

func transportError(method, path string, err error) error {
	msg := method + " " + path
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncNetwork, msg, err)
}

// classify maps a non-2xx status onto the error taxonomy.
func classify(status int, payload []byte, tgt target) error {
	var errPayload struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Current *models.Record `json:"current"`
	}
	_ = json.Unmarshal(payload, &errPayload)

	if status == http.StatusConflict {
		return apperrors.Wrap(apperrors.ErrSyncConflict, "remote rejected stale version", &ConflictError{
			Collection: tgt.collection,
			EntityID:   tgt.id,
			Current:    errPayload.Current,
		})
	}

	httpErr := &HTTPError{StatusCode: status, Code: errPayload.Code, Message: errPayload.Message}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Wrap(apperrors.ErrSyncTransient, "remote unavailable", httpErr)
	case status == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrNotFound, "remote record not found", httpErr)
	default:
		return apperrors.Wrap(apperrors.ErrValidation, "remote rejected operation", httpErr)
	}
}
