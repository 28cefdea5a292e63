package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/inbox-labeler/internal/bus"
	"github.com/basket/inbox-labeler/internal/gateway"
	"github.com/basket/inbox-labeler/internal/persistence"
)

const testToken = "gw-test-token"

func openStoreForGatewayTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "labeler.db"), 100)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, opts ...func(*gateway.Config)) (*httptest.Server, *persistence.Store, *bus.Bus) {
	t.Helper()
	store := openStoreForGatewayTest(t)
	b := bus.New()
	cfg := gateway.Config{
		Store:       store,
		Bus:         b,
		Busy:        func() bool { return false },
		Fingerprint: func() string { return "cfg-abc123" },
		Version:     "test",
		AuthToken:   testToken,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, store, b
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, authenticated bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, body
}

func TestHealthz(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	if err := store.UpsertTask(ctx, "t1", "Buy milk"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SaveLastSyncAt(ctx, time.Now()); err != nil {
		t.Fatalf("save last sync: %v", err)
	}

	// Health is reachable without a token.
	resp, body := doRequest(t, ts, http.MethodGet, "/healthz", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["healthy"] != true || body["db_ok"] != true {
		t.Fatalf("unexpected health body %v", body)
	}
	if body["config_fingerprint"] != "cfg-abc123" {
		t.Fatalf("missing fingerprint: %v", body)
	}
	if body["last_sync_at"] == nil {
		t.Fatalf("missing last_sync_at: %v", body)
	}
	stats, _ := body["stats"].(map[string]any)
	if stats["pending"] != float64(1) {
		t.Fatalf("expected one pending task in stats, got %v", stats)
	}
}

func TestHealthz_StoreClosed(t *testing.T) {
	ts, store, _ := newTestServer(t)
	_ = store.Close()

	resp, body := doRequest(t, ts, http.MethodGet, "/healthz", false)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body["db_ok"] != false {
		t.Fatalf("expected db_ok=false, got %v", body)
	}
}

func TestAPIErrors(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.LogError(ctx, persistence.ErrorTypeClassification, "boom", "t1", ""); err != nil {
			t.Fatalf("log error: %v", err)
		}
	}
	if err := store.LogError(ctx, persistence.ErrorTypeSync, "offline", "", ""); err != nil {
		t.Fatalf("log error: %v", err)
	}

	resp, body := doRequest(t, ts, http.MethodGet, "/api/errors?limit=2", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Fatalf("expected 2 entries, got %v", body["count"])
	}
	entries, _ := body["errors"].([]any)
	first, _ := entries[0].(map[string]any)
	if first["error_type"] != persistence.ErrorTypeSync {
		t.Fatalf("expected newest entry first, got %v", first)
	}

	resp, _ = doRequest(t, ts, http.MethodGet, "/api/errors?limit=abc", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestAPITaskAndReset(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	if err := store.UpsertTask(ctx, "t1", "Buy milk"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	resp, body := doRequest(t, ts, http.MethodGet, "/api/tasks/t1", true)
	if resp.StatusCode != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("unexpected task response %d %v", resp.StatusCode, body)
	}
	resp, _ = doRequest(t, ts, http.MethodGet, "/api/tasks/missing", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, body = doRequest(t, ts, http.MethodPost, "/api/tasks/t1/reset", true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pending task reset: expected 409, got %d %v", resp.StatusCode, body)
	}
	resp, _ = doRequest(t, ts, http.MethodPost, "/api/tasks/missing/reset", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task reset: expected 404, got %d", resp.StatusCode)
	}

	if err := store.MarkTaskFailed(ctx, "t1"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	resp, body = doRequest(t, ts, http.MethodPost, "/api/tasks/t1/reset", true)
	if resp.StatusCode != http.StatusOK || body["reset"] != true {
		t.Fatalf("failed task reset: got %d %v", resp.StatusCode, body)
	}
	resp, _ = doRequest(t, ts, http.MethodGet, "/api/tasks/t1", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("reset task must be forgotten, got %d", resp.StatusCode)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, _ := doRequest(t, ts, http.MethodGet, "/api/errors", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAPI_OpenWithoutToken(t *testing.T) {
	ts, _, _ := newTestServer(t, func(c *gateway.Config) { c.AuthToken = "" })
	resp, _ := doRequest(t, ts, http.MethodGet, "/api/errors", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without configured token, got %d", resp.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	ts, _, b := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?topic=task.&token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for b.SubscriberCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("server never subscribed to the bus")
		case <-time.After(10 * time.Millisecond):
		}
	}

	b.Publish(bus.TopicSyncCompleted, bus.SyncEvent{TickID: "ignored"})
	b.Publish(bus.TopicTaskClassified, bus.TaskEvent{TaskID: "t1", Status: "classified", Labels: []string{"work"}})

	var ev struct {
		Topic   string        `json:"topic"`
		Payload bus.TaskEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Topic != bus.TopicTaskClassified || ev.Payload.TaskID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
