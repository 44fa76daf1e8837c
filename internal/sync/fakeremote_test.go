package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/kimhsiao/incidentdesk/backend/internal/models"
)

// fakeRemote is an in-memory incident API speaking the REST contract the
// remote client expects.
type fakeRemote struct {
	t   *testing.T
	srv *httptest.Server

	mu      gosync.Mutex
	records map[string]models.Record
	nextID  int
	writes  []string
	alerts  int

	down       atomic.Bool
	failWrites atomic.Int32 // upcoming writes answering 503
	rejectNext atomic.Bool  // next write answers 422
	listCalls  atomic.Int32

	gateMu gosync.Mutex
	gate   chan struct{} // holds PATCH requests until closed
}

func newFakeRemote(t *testing.T, seed ...models.Record) *fakeRemote {
	t.Helper()
	f := &fakeRemote{t: t, records: make(map[string]models.Record)}
	for _, r := range seed {
		f.records[r.ID] = r.Clone()
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) URL() string { return f.srv.URL }

func (f *fakeRemote) record(id string) (models.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r.Clone(), ok
}

// edit changes a record behind the client's back.
func (f *fakeRemote) edit(id string, fields map[string]interface{}) models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.Apply(fields)
	r.Version++
	f.records[id] = r
	return r.Clone()
}

// holdPatches blocks PATCH requests until the returned channel is closed.
func (f *fakeRemote) holdPatches() chan struct{} {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeRemote) patchGate() chan struct{} {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	return f.gate
}

func (f *fakeRemote) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (f *fakeRemote) serve(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "DOWN"})
		return
	}
	if r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.Method != http.MethodGet {
		if f.failWrites.Load() > 0 {
			f.failWrites.Add(-1)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "BUSY"})
			return
		}
		if f.rejectNext.CompareAndSwap(true, false) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"code": "INVALID", "message": "bad field"})
			return
		}
	}
	if r.Method == http.MethodPatch {
		if gate := f.patchGate(); gate != nil {
			<-gate
		}
	}

	if r.URL.Path == "/api/alerts" {
		f.mu.Lock()
		f.alerts++
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, nil)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/incidents")
	rest = strings.TrimPrefix(rest, "/")

	var body struct {
		ID     string                 `json:"id"`
		Fields map[string]interface{} `json:"fields"`
		Action string                 `json:"action"`
		IDs    []string               `json:"ids"`
		Status string                 `json:"status"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Method != http.MethodGet {
		f.writes = append(f.writes, r.Method+" "+r.URL.Path)
	}

	switch {
	case r.Method == http.MethodGet && rest == "":
		f.listCalls.Add(1)
		items := make([]models.Record, 0, len(f.records))
		for _, rec := range f.records {
			items = append(items, rec)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})

	case r.Method == http.MethodGet:
		rec, ok := f.records[rest]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND"})
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case r.Method == http.MethodPost && rest == "":
		f.nextID++
		id := body.ID
		if id == "" {
			id = fmt.Sprintf("srv-%d", f.nextID)
		}
		rec := models.Record{ID: id, Version: 1, Fields: body.Fields}
		f.records[id] = rec
		writeJSON(w, http.StatusCreated, rec)

	case r.Method == http.MethodPost && rest == "bulk":
		var items []models.Record
		for _, id := range body.IDs {
			rec, ok := f.records[id]
			if !ok {
				continue
			}
			if body.Action == "delete" {
				delete(f.records, id)
				continue
			}
			status := body.Status
			switch body.Action {
			case "approve":
				status = "approved"
			case "reject":
				status = "rejected"
			}
			rec.Apply(map[string]interface{}{"status": status})
			rec.Version++
			f.records[id] = rec
			items = append(items, rec)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})

	case r.Method == http.MethodPatch || r.Method == http.MethodDelete:
		rec, ok := f.records[rest]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND"})
			return
		}
		if match := r.Header.Get("If-Match"); match != "" {
			want, _ := strconv.Unquote(match)
			if want != strconv.FormatInt(rec.Version, 10) {
				writeJSON(w, http.StatusConflict, map[string]interface{}{"code": "STALE", "current": rec})
				return
			}
		}
		if r.Method == http.MethodDelete {
			delete(f.records, rest)
			writeJSON(w, http.StatusNoContent, nil)
			return
		}
		rec.Apply(body.Fields)
		rec.Version++
		f.records[rest] = rec
		writeJSON(w, http.StatusOK, rec)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, nil)
	}
}
