package intake

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/bus"
	"github.com/skyfleet-io/skyfleet/errors"
	itesting "github.com/skyfleet-io/skyfleet/internal/testing"
	"github.com/skyfleet-io/skyfleet/joblog"
	"github.com/skyfleet-io/skyfleet/queue"
)

func newTestService(t *testing.T) (*Service, accounts.Store) {
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
	reg := queue.NewRegistry(jobStore, bus.New(), zap.NewNop().Sugar(), time.Minute)
	t.Cleanup(reg.Close)
	return NewService(reg, accountStore, joblog.NewRegistry()), accountStore
}

func chatPayload(extra string) json.RawMessage {
	base := `{"accountId":"a1","messages":"hello","recipients":["x.bsky.social"]`
	return json.RawMessage(base + extra + `}`)
}

func TestEnqueueValidatesAndCreates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "acme", "chat", chatPayload(""), queue.Options{Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.Queue != "bsky-chat-acme" || job.State != queue.StateWaiting {
		t.Errorf("unexpected job %+v", job)
	}

	got, err := svc.GetJob(ctx, "acme", job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("projection mismatch: %+v", got)
	}
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		tenant  string
		jobType string
		payload json.RawMessage
	}{
		{"empty tenant", "", "chat", chatPayload("")},
		{"unknown type", "acme", "warmup", chatPayload("")},
		{"malformed json", "acme", "chat", json.RawMessage(`{`)},
		{"missing identity", "acme", "chat", json.RawMessage(`{"messages":"hi","recipients":["x"]}`)},
		{"no recipients", "acme", "chat", json.RawMessage(`{"accountId":"a1","messages":"hi","recipients":[]}`)},
		{"empty posts", "acme", "massPost", json.RawMessage(`{"accountId":"a1","postOptions":{"posts":[]}}`)},
	}
	for _, tc := range cases {
		if _, err := svc.Enqueue(ctx, tc.tenant, tc.jobType, tc.payload, queue.Options{}); !errors.IsBadRequestError(err) {
			t.Errorf("%s: expected bad-request, got %v", tc.name, err)
		}
	}
}

func TestEnqueueBulkSharesParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	payloads := []json.RawMessage{chatPayload(""), chatPayload(""), chatPayload("")}
	parentID, jobs, err := svc.EnqueueBulk(ctx, "acme", "chat", payloads, queue.Options{})
	if err != nil {
		t.Fatalf("EnqueueBulk failed: %v", err)
	}
	if parentID == "" || len(jobs) != 3 {
		t.Fatalf("expected parent with 3 children, got %q / %d", parentID, len(jobs))
	}
	for _, job := range jobs {
		if job.ParentID != parentID {
			t.Errorf("child %s not bound to parent", job.ID)
		}
		if !strings.HasPrefix(job.ID, parentID+":") {
			t.Errorf("child ID %s should embed the parent prefix", job.ID)
		}
	}

	children, err := svc.ListJobsByParent(ctx, "acme", parentID)
	if err != nil {
		t.Fatalf("ListJobsByParent failed: %v", err)
	}
	if len(children) != 3 {
		t.Errorf("expected 3 projections, got %d", len(children))
	}
}

func TestEnqueueBulkIsAtomic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Second payload invalid: nothing may land.
	payloads := []json.RawMessage{chatPayload(""), json.RawMessage(`{"messages":"hi"}`)}
	_, _, err := svc.EnqueueBulk(ctx, "acme", "chat", payloads, queue.Options{})
	if !errors.IsBadRequestError(err) {
		t.Fatalf("expected bad-request, got %v", err)
	}

	counts, err := svc.registry.Get("acme", queue.JobTypeChat).Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[queue.StateWaiting] != 0 {
		t.Errorf("partial batch landed: %+v", counts)
	}
}

func TestEnqueueByCategoryExpandsAccounts(t *testing.T) {
	svc, accountStore := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"acct-1", "acct-2"} {
		err := accountStore.Create(ctx, &accounts.Account{
			ID: id, TenantID: "acme", Identifier: id + ".bsky.social",
			Password: "pw", Category: "warmup",
		})
		if err != nil {
			t.Fatalf("failed to seed account: %v", err)
		}
	}

	shared := json.RawMessage(`{
		"sessionData": {"accessJwt": "stale"},
		"messages": "hello",
		"recipients": ["x.bsky.social"]
	}`)
	parentID, jobs, count, err := svc.EnqueueByCategory(ctx, "acme", "chat", "warmup", shared, queue.Options{})
	if err != nil {
		t.Fatalf("EnqueueByCategory failed: %v", err)
	}
	if count != 2 || len(jobs) != 2 || parentID == "" {
		t.Fatalf("expected 2 jobs under one parent, got %d/%d", count, len(jobs))
	}

	boundIDs := map[string]bool{}
	for _, job := range jobs {
		var p struct {
			AccountID   string          `json:"accountId"`
			SessionData json.RawMessage `json:"sessionData"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			t.Fatalf("failed to parse child payload: %v", err)
		}
		if p.SessionData != nil {
			t.Error("shared sessionData must be stripped from expanded payloads")
		}
		boundIDs[p.AccountID] = true
	}
	if !boundIDs["acct-1"] || !boundIDs["acct-2"] {
		t.Errorf("each child should bind one account, got %v", boundIDs)
	}
}

func TestEnqueueByCategoryEmptyCategory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, _, err := svc.EnqueueByCategory(ctx, "acme", "chat", "ghost-town",
		json.RawMessage(`{"messages":"hi","recipients":["x"]}`), queue.Options{})
	if !errors.IsNotFoundError(err) {
		t.Fatalf("expected not-found for empty category, got %v", err)
	}

	_, _, _, err = svc.EnqueueByCategory(ctx, "acme", "chat", "",
		json.RawMessage(`{}`), queue.Options{})
	if !errors.IsBadRequestError(err) {
		t.Fatalf("expected bad-request for missing category, got %v", err)
	}
}

func TestGetJobScopesToTenant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "acme", "chat", chatPayload(""), queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := svc.GetJob(ctx, "rival-corp", job.ID); !errors.IsNotFoundError(err) {
		t.Fatalf("cross-tenant read should 404, got %v", err)
	}
	if _, err := svc.GetJob(ctx, "acme", "no-such-job"); !errors.IsNotFoundError(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestProjectionIncludesLiveLogs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "acme", "chat", chatPayload(""), queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	sink := svc.sinks.Open(nil, "acme", job.ID, "")
	sink.Append("info", "claimed and running", joblog.SourceLogger)

	proj, err := svc.GetJob(ctx, "acme", job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if len(proj.Logs) != 1 || proj.Logs[0].Message != "claimed and running" {
		t.Errorf("live logs not projected: %+v", proj.Logs)
	}

	// Terminal and evicted: the projection carries no logs.
	svc.sinks.Close(job.ID)
	proj, err = svc.GetJob(ctx, "acme", job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if len(proj.Logs) != 0 {
		t.Errorf("closed sink still projected: %+v", proj.Logs)
	}
}
