// Package auth establishes sessions for managed accounts. Each
// establishment attempt walks three methods in order of decreasing
// cheapness: token refresh, session resume, then a fresh password
// login. Whatever succeeds is written back to the account store so the
// next job starts from rotated tokens.
package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
)

// Coordinator resolves an authenticated client for an account.
//
// Concurrent coordinations for the same account race on the store's
// token row; that is accepted as last-writer-wins since upstream
// refresh tokens stay valid across rotations. No per-account mutex.
type Coordinator struct {
	store   accounts.Store
	factory social.Factory
}

// NewCoordinator creates a coordinator over the account store and
// client factory.
func NewCoordinator(store accounts.Store, factory social.Factory) *Coordinator {
	return &Coordinator{store: store, factory: factory}
}

// Establish returns a client with a live session for a stored account.
func (c *Coordinator) Establish(ctx context.Context, tenantID, accountID string, log *zap.SugaredLogger) (social.Client, error) {
	account, err := c.store.Get(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, tenantID, account.SessionData(), account.Metadata(), account.Identifier, log)
}

// EstablishSession runs the ladder over session state carried on a job
// payload instead of a stored account. Rotated tokens are still pushed
// to the store when the metadata names a stored account.
func (c *Coordinator) EstablishSession(ctx context.Context, tenantID string, session *social.SessionData, meta social.AccountMetadata, log *zap.SugaredLogger) (social.Client, error) {
	identifier := ""
	if session != nil {
		identifier = session.Handle
	}
	return c.establish(ctx, tenantID, session, meta, identifier, log)
}

// establish walks the three methods. Every failure is aggregated; if
// all fail the combined error wraps ErrAuthExhausted. Re-runnable: a
// later attempt re-walks the ladder from whatever tokens the store
// currently holds.
func (c *Coordinator) establish(ctx context.Context, tenantID string, session *social.SessionData, meta social.AccountMetadata, identifier string, log *zap.SugaredLogger) (social.Client, error) {
	client, err := c.factory(meta)
	if err != nil {
		return nil, err
	}

	var failures error

	// Method 1: rotate tokens with the stored refresh token.
	if session != nil && session.RefreshToken != "" {
		rotated, err := client.RefreshSession(ctx, session)
		if err == nil {
			adopt(session, rotated)
			c.writeBack(ctx, tenantID, meta.AccountID, rotated, log)
			log.Infow("session refreshed", "account_id", meta.AccountID, "did", rotated.DID)
			return client, nil
		}
		log.Warnw("session refresh failed", "account_id", meta.AccountID, "error", err)
		failures = errors.CombineErrors(failures, errors.WithMessage(err, "refresh"))
	} else {
		failures = errors.CombineErrors(failures, errors.New("refresh: no refresh token"))
	}

	// Method 2: validate the existing access token as-is. A session
	// without a DID fails here; no identity gets fabricated.
	if session != nil && session.AccessToken != "" {
		resumed, err := client.ResumeSession(ctx, session)
		if err == nil {
			adopt(session, resumed)
			c.writeBack(ctx, tenantID, meta.AccountID, resumed, log)
			log.Infow("session resumed", "account_id", meta.AccountID, "did", resumed.DID)
			return client, nil
		}
		log.Warnw("session resume failed", "account_id", meta.AccountID, "error", err)
		failures = errors.CombineErrors(failures, errors.WithMessage(err, "resume"))
	} else {
		failures = errors.CombineErrors(failures, errors.New("resume: no access token"))
	}

	// Method 3: full password login.
	if meta.Password == "" {
		failures = errors.CombineErrors(failures, errors.New("login: no password available"))
		return nil, errors.Wrapf(errors.ErrAuthExhausted,
			"all auth methods failed for account %s: %v", meta.AccountID, failures)
	}
	if identifier == "" {
		identifier = meta.AccountID
	}
	fresh, err := client.Login(ctx, identifier, meta.Password)
	if err != nil {
		failures = errors.CombineErrors(failures, errors.WithMessage(err, "login"))
		return nil, errors.Wrapf(errors.ErrAuthExhausted,
			"all auth methods failed for account %s: %v", meta.AccountID, failures)
	}
	adopt(session, fresh)
	c.writeBack(ctx, tenantID, meta.AccountID, fresh, log)
	log.Infow("session established via password login", "account_id", meta.AccountID, "did", fresh.DID)
	return client, nil
}

// adopt copies the established session's fields onto the caller's
// copy, so session state held on a job payload reflects the identity
// and tokens actually in use. Fields the server did not return are
// left as they were.
func adopt(dst, src *social.SessionData) {
	if dst == nil || src == nil {
		return
	}
	if src.DID != "" {
		dst.DID = src.DID
	}
	if src.Handle != "" {
		dst.Handle = src.Handle
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	dst.AccessToken = src.AccessToken
	dst.RefreshToken = src.RefreshToken
}

// writeBack persists rotated session state. Failure is operational,
// not fatal: the in-hand session works, only the next run would start
// from stale tokens.
func (c *Coordinator) writeBack(ctx context.Context, tenantID, accountID string, session *social.SessionData, log *zap.SugaredLogger) {
	if accountID == "" {
		return
	}
	if err := c.store.UpdateSession(ctx, tenantID, accountID, session); err != nil {
		if errors.IsNotFoundError(err) {
			return
		}
		log.Warnw("failed to persist rotated session",
			"account_id", accountID, "error", err)
	}
}
