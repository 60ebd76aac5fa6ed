package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/config"
	"github.com/skyfleet-io/skyfleet/fanout"
	"github.com/skyfleet-io/skyfleet/intake"
	itesting "github.com/skyfleet-io/skyfleet/internal/testing"
	"github.com/skyfleet-io/skyfleet/joblog"
	"github.com/skyfleet-io/skyfleet/queue"
)

func testServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()

	db := itesting.CreateTestDB(t)
	jobStore, err := queue.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create job store: %v", err)
	}
	accountStore, err := accounts.NewSQLStore(db)
	if err != nil {
		t.Fatalf("failed to create account store: %v", err)
	}

	log := zap.NewNop().Sugar()
	eventBus := bus.New()
	sinks := joblog.NewRegistry()
	registry := queue.NewRegistry(jobStore, eventBus, log, time.Minute)
	t.Cleanup(registry.Close)
	hub := fanout.NewHub(eventBus, sinks, log)
	hub.Run()
	t.Cleanup(hub.Close)

	if cfg == nil {
		cfg = &config.Config{}
		cfg.Server.Port = 0
	}
	srv := New(cfg, intake.NewService(registry, accountStore, sinks), accountStore, registry, hub, log)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, tenant string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var fields map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer(t, nil)
	resp, fields := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(fields["status"]) != `"ok"` {
		t.Errorf("unexpected health body %v", fields)
	}
}

func TestEnqueueRoundtrip(t *testing.T) {
	ts := testServer(t, nil)

	resp, fields := doJSON(t, ts, http.MethodPost, "/api/jobs/chat", "acme", map[string]interface{}{
		"payload": map[string]interface{}{
			"accountId":  "a1",
			"messages":   "hello",
			"recipients": []string{"x.bsky.social"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, fields)
	}

	var jobID string
	if err := json.Unmarshal(fields["jobId"], &jobID); err != nil || jobID == "" {
		t.Fatalf("no job ID in response: %v", fields)
	}

	resp, fields = doJSON(t, ts, http.MethodGet, "/api/jobs/"+jobID, "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(fields["state"]) != `"waiting"` {
		t.Errorf("expected waiting job, got %v", string(fields["state"]))
	}

	// Cross-tenant lookups are indistinguishable from missing jobs.
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/jobs/"+jobID, "rival-corp", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant read should 404, got %d", resp.StatusCode)
	}
}

func TestEnqueueRequiresTenant(t *testing.T) {
	ts := testServer(t, nil)
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/jobs/chat", "", map[string]interface{}{
		"payload": map[string]interface{}{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant, got %d", resp.StatusCode)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	ts := testServer(t, nil)

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/jobs/chat", "acme", map[string]interface{}{
		"payload": map[string]interface{}{"messages": "no identity"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid payload should 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/jobs/warmup", "acme", map[string]interface{}{
		"payload": map[string]interface{}{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown job type should 400, got %d", resp.StatusCode)
	}
}

func TestBulkEnqueueAndGroupLookup(t *testing.T) {
	ts := testServer(t, nil)

	payload := map[string]interface{}{
		"accountId":  "a1",
		"messages":   "hello",
		"recipients": []string{"x.bsky.social"},
	}
	resp, fields := doJSON(t, ts, http.MethodPost, "/api/jobs/chat/bulk", "acme", map[string]interface{}{
		"payloads": []interface{}{payload, payload},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, fields)
	}

	var parentID string
	if err := json.Unmarshal(fields["parentId"], &parentID); err != nil || parentID == "" {
		t.Fatalf("no parent ID: %v", fields)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/groups/"+parentID, nil)
	req.Header.Set("X-Tenant-ID", "acme")
	groupResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("group lookup failed: %v", err)
	}
	defer groupResp.Body.Close()

	var children []json.RawMessage
	if err := json.NewDecoder(groupResp.Body).Decode(&children); err != nil {
		t.Fatalf("failed to decode group body: %v", err)
	}
	if len(children) != 2 {
		t.Errorf("expected 2 children, got %d", len(children))
	}
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	ts := testServer(t, nil)

	resp, fields := doJSON(t, ts, http.MethodPost, "/api/accounts", "acme", map[string]string{
		"identifier": "bot.bsky.social",
		"password":   "hunter2",
		"category":   "warmup",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, fields)
	}
	if _, leaked := fields["password"]; leaked {
		t.Fatal("password must never appear in responses")
	}

	var id string
	if err := json.Unmarshal(fields["id"], &id); err != nil || id == "" {
		t.Fatalf("no account ID: %v", fields)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/accounts/"+id, "acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/accounts/"+id, nil)
	req.Header.Set("X-Tenant-ID", "acme")
	delResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", delResp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/accounts/"+id, "acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted account should 404, got %d", resp.StatusCode)
	}
}

func TestAdminQueuesGatedInProduction(t *testing.T) {
	cfg := &config.Config{Env: "production"}
	cfg.Server.Port = 0
	cfg.Server.AdminKey = "sekrit"
	ts := testServer(t, cfg)

	resp, _ := doJSON(t, ts, http.MethodGet, "/api/admin/queues", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/admin/queues", nil)
	req.Header.Set("X-Admin-Key", "sekrit")
	keyed, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	keyed.Body.Close()
	if keyed.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", keyed.StatusCode)
	}
}
