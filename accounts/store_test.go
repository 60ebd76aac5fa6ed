package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet-io/skyfleet/errors"
	itesting "github.com/skyfleet-io/skyfleet/internal/testing"
	"github.com/skyfleet-io/skyfleet/social"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(itesting.CreateTestDB(t))
	require.NoError(t, err)
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{
		TenantID:   "acme",
		Identifier: "bot.bsky.social",
		Password:   "hunter2",
		Category:   "warmup",
		Proxy:      "http://proxy.local:8080",
		UserAgent:  "skyfleet/1.0",
	}
	require.NoError(t, store.Create(ctx, a))
	require.NotEmpty(t, a.ID, "Create should assign an ID")

	got, err := store.Get(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "bot.bsky.social", got.Identifier)
	assert.Equal(t, "warmup", got.Category)
	assert.Equal(t, a.Proxy, got.Proxy)
	assert.Equal(t, "hunter2", got.Password)
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []*Account{
		{Identifier: "x", Password: "y"},    // no tenant
		{TenantID: "acme", Password: "y"},   // no identifier
		{TenantID: "acme", Identifier: "x"}, // no password
	}
	for i, a := range cases {
		err := store.Create(ctx, a)
		assert.True(t, errors.IsBadRequestError(err), "case %d: expected bad-request, got %v", i, err)
	}
}

func TestGetScopesToTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{TenantID: "acme", Identifier: "bot", Password: "pw"}
	require.NoError(t, store.Create(ctx, a))

	_, err := store.Get(ctx, "rival-corp", a.ID)
	assert.True(t, errors.IsNotFoundError(err), "cross-tenant read should be not-found, got %v", err)
}

func TestListByCategoryOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		a := &Account{ID: id, TenantID: "acme", Identifier: id, Password: "pw", Category: "warmup"}
		require.NoError(t, store.Create(ctx, a))
	}
	other := &Account{TenantID: "acme", Identifier: "other", Password: "pw", Category: "primary"}
	require.NoError(t, store.Create(ctx, other))

	list, err := store.ListByCategory(ctx, "acme", "warmup")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	all, err := store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpdateSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{TenantID: "acme", Identifier: "bot", Password: "pw"}
	require.NoError(t, store.Create(ctx, a))
	assert.Nil(t, a.SessionData(), "fresh account should have no session")

	err := store.UpdateSession(ctx, "acme", a.ID, &social.SessionData{
		DID: "did:plc:bot", Handle: "bot.bsky.social", Email: "ops@acme.io",
		AccessToken: "A1", RefreshToken: "R1",
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "acme", a.ID)
	require.NoError(t, err)
	session := got.SessionData()
	require.NotNil(t, session)
	assert.Equal(t, "did:plc:bot", session.DID)
	assert.Equal(t, "A1", session.AccessToken)
	assert.Equal(t, "R1", session.RefreshToken)
	assert.Equal(t, "ops@acme.io", got.Email)

	err = store.UpdateSession(ctx, "acme", "missing", &social.SessionData{})
	assert.True(t, errors.IsNotFoundError(err), "expected not-found, got %v", err)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{TenantID: "acme", Identifier: "bot", Password: "pw"}
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Delete(ctx, "acme", a.ID))

	_, err := store.Get(ctx, "acme", a.ID)
	assert.True(t, errors.IsNotFoundError(err), "deleted account still readable: %v", err)

	err = store.Delete(ctx, "acme", a.ID)
	assert.True(t, errors.IsNotFoundError(err), "double delete should be not-found, got %v", err)
}

func TestMetadataConversion(t *testing.T) {
	a := &Account{
		ID: "a1", TenantID: "acme", Identifier: "bot", Password: "pw",
		Proxy: "http://p:1", UserAgent: "ua", Endpoint: "https://pds.example",
	}
	meta := a.Metadata()
	assert.Equal(t, "a1", meta.AccountID)
	assert.Equal(t, "pw", meta.Password)
	assert.Equal(t, "http://p:1", meta.Proxy)
	assert.Equal(t, "ua", meta.UserAgent)
	assert.Equal(t, "https://pds.example", meta.Endpoint)
}
