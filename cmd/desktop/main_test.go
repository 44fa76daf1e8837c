// Package main tests for desktop process wiring, the websocket hub and the
// offline CLI commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/incidentdesk/backend/internal/config"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/store"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// newRemote serves an empty incident collection.
func newRemote(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/health":
			w.Write([]byte(`{"status":"ok"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/incidents":
			w.Write([]byte(`{"items":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":"NOT_FOUND"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, remoteURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.BaseURL = remoteURL
	cfg.Logging.Level = "error"
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// =====================================================
// App wiring
// =====================================================

func TestApp_RoutesServeAPI(t *testing.T) {
	remote := newRemote(t)
	app, err := NewApp(testConfig(t, remote.URL))
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/api/incidents", "", http.StatusOK},
		{http.MethodGet, "/api/sync/status", "", http.StatusOK},
		{http.MethodGet, "/api/sync/queue", "", http.StatusOK},
		{http.MethodGet, "/api/sync/conflicts", "", http.StatusOK},
		{http.MethodPost, "/api/incidents", `{"fields":{}}`, http.StatusBadRequest},
		{http.MethodGet, "/api/incidents/missing", "", http.StatusNotFound},
		{http.MethodDelete, "/api/sync/queue/unknown", "", http.StatusNotFound},
		{http.MethodGet, "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestApp_MetricsExposeEngineCollectors(t *testing.T) {
	remote := newRemote(t)
	app, err := NewApp(testConfig(t, remote.URL))
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"incidentdesk_outbox_queue_depth", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestApp_UIClientEnablesInteractiveResolution(t *testing.T) {
	remote := newRemote(t)
	app, err := NewApp(testConfig(t, remote.URL))
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	if app.Engine.Status(context.Background()).Interactive {
		t.Fatal("interactive before any UI client connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitFor(t, func() bool { return app.Engine.Status(context.Background()).Interactive })

	conn.Close()
	waitFor(t, func() bool { return !app.Engine.Status(context.Background()).Interactive })
}

// =====================================================
// WebSocket hub
// =====================================================

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	return msg
}

func TestWSHub_RelaysSyncEvents(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()

	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastSyncEvent(sync.SyncEvent{Type: sync.EventOperationQueued, Collection: "incidents", EntityID: "inc-1"})

	msg := readEnvelope(t, conn)
	if msg["type"] != string(sync.EventOperationQueued) {
		t.Fatalf("type = %v", msg["type"])
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["entityId"] != "inc-1" {
		t.Errorf("data = %v", msg["data"])
	}
}

func TestWSHub_SubscriptionFiltersEvents(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()

	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync.conflict"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ack := readEnvelope(t, conn)
	if ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v", ack)
	}

	hub.BroadcastSyncEvent(sync.SyncEvent{Type: sync.EventOperationQueued})
	hub.BroadcastSyncEvent(sync.SyncEvent{Type: sync.EventConflictDetected})

	msg := readEnvelope(t, conn)
	if msg["type"] != string(sync.EventConflictDetected) {
		t.Errorf("type = %v, want only subscribed events", msg["type"])
	}
}

func TestWSHub_PingAndClientCount(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()

	counts := make(chan int, 8)
	hub.OnClientsChanged(func(n int) { counts <- n })

	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if n := <-counts; n != 1 {
		t.Errorf("count after connect = %d, want 1", n)
	}

	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readEnvelope(t, conn); msg["action"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}

	conn.Close()
	select {
	case n := <-counts:
		if n != 0 {
			t.Errorf("count after disconnect = %d, want 0", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no client count change after disconnect")
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := map[string]bool{
		"localhost":         true,
		"localhost:8090":    true,
		"127.0.0.1:8090":    true,
		"[::1]:8090":        true,
		"192.168.1.5:8090":  false,
		"example.com":       false,
		"evil.localhost.io": false,
	}
	for host, want := range tests {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

// =====================================================
// CLI
// =====================================================

// seedOutbox writes a config under a temp dir and queues two operations in
// its store.
func seedOutbox(t *testing.T) (configPath string, ids []string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	yaml := "data_dir: " + filepath.Join(dir, "data") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer st.Close()

	q := queue.New(st, queue.DefaultOptions())
	ctx := context.Background()
	for _, id := range []string{"inc-1", "inc-2"} {
		op, err := q.Enqueue(ctx, models.KindUpdate, models.Payload{
			Collection: "incidents",
			EntityID:   id,
			Delta:      map[string]interface{}{"status": "closed"},
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, op.ID)
	}
	if _, err := store.NewMetadataStore(st).Ensure(ctx, "incidents", models.StrategyMerge); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	return configPath, ids
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_QueueListAndRemove(t *testing.T) {
	configPath, ids := seedOutbox(t)

	out, err := runCLI(t, "queue", "list", "--format", "json", "-c", configPath)
	if err != nil {
		t.Fatalf("queue list error = %v", err)
	}
	var ops []models.QueuedOperation
	if err := json.Unmarshal([]byte(out), &ops); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(ops) != 2 || ops[0].ID != ids[0] || ops[1].ID != ids[1] {
		t.Fatalf("ops = %+v, want %v in order", ops, ids)
	}

	if _, err := runCLI(t, "queue", "remove", ids[0], "-c", configPath); err != nil {
		t.Fatalf("queue remove error = %v", err)
	}

	out, err = runCLI(t, "queue", "list", "-c", configPath)
	if err != nil {
		t.Fatalf("queue list error = %v", err)
	}
	if strings.Contains(out, ids[0]) || !strings.Contains(out, ids[1]) {
		t.Errorf("text listing after remove:\n%s", out)
	}

	if _, err := runCLI(t, "queue", "remove", "missing", "-c", configPath); err == nil {
		t.Error("removing an unknown operation should fail")
	}
}

func TestCLI_StatusAndRetry(t *testing.T) {
	configPath, _ := seedOutbox(t)

	out, err := runCLI(t, "status", "--format", "json", "-c", configPath)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var status struct {
		Queue       queue.Stats           `json:"queue"`
		Collections []models.SyncMetadata `json:"collections"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if status.Queue.Total != 2 {
		t.Errorf("queued = %d, want 2", status.Queue.Total)
	}
	if len(status.Collections) != 1 || status.Collections[0].ConflictResolutionStrategy != models.StrategyMerge {
		t.Errorf("collections = %+v", status.Collections)
	}

	out, err = runCLI(t, "queue", "retry", "-c", configPath)
	if err != nil {
		t.Fatalf("queue retry error = %v", err)
	}
	if !strings.Contains(out, "reset 0") {
		t.Errorf("retry output = %q", out)
	}
}

func TestCLI_RejectsUnknownFormat(t *testing.T) {
	if _, err := runCLI(t, "status", "--format", "xml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}
