package accounts

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
)

// Store is the persistence surface for accounts. The auth coordinator
// only needs Get and UpdateSession; the intake layer uses the rest.
type Store interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, tenantID, accountID string) (*Account, error)
	List(ctx context.Context, tenantID string) ([]*Account, error)
	ListByCategory(ctx context.Context, tenantID, category string) ([]*Account, error)
	UpdateSession(ctx context.Context, tenantID, accountID string, session *social.SessionData) error
	Delete(ctx context.Context, tenantID, accountID string) error
}

// SQLStore implements Store over SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the store and ensures the schema exists.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, errors.Wrap(err, "failed to ensure accounts schema")
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		identifier    TEXT NOT NULL,
		password      TEXT NOT NULL,
		category      TEXT,
		proxy         TEXT,
		user_agent    TEXT,
		endpoint      TEXT,
		did           TEXT,
		handle        TEXT,
		email         TEXT,
		access_token  TEXT,
		refresh_token TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_tenant ON accounts(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_accounts_category ON accounts(tenant_id, category);
	`
	_, err := s.db.Exec(schema)
	return err
}

const accountColumns = `id, tenant_id, identifier, password, category, proxy, user_agent,
	endpoint, did, handle, email, access_token, refresh_token, created_at, updated_at`

// Create inserts a new account, assigning an ID when empty.
func (s *SQLStore) Create(ctx context.Context, a *Account) error {
	if a.TenantID == "" {
		return errors.Wrap(errors.ErrBadRequest, "account tenantID cannot be empty")
	}
	if a.Identifier == "" || a.Password == "" {
		return errors.Wrap(errors.ErrBadRequest, "account identifier and password are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Identifier, a.Password, nullStr(a.Category),
		nullStr(a.Proxy), nullStr(a.UserAgent), nullStr(a.Endpoint),
		nullStr(a.DID), nullStr(a.Handle), nullStr(a.Email),
		nullStr(a.AccessToken), nullStr(a.RefreshToken), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert account %s", a.ID)
	}
	return nil
}

// Get loads one account scoped to its tenant.
func (s *SQLStore) Get(ctx context.Context, tenantID, accountID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = ? AND tenant_id = ?`,
		accountID, tenantID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "account %s", accountID)
		}
		return nil, errors.Wrapf(err, "failed to load account %s", accountID)
	}
	return a, nil
}

// List returns all of a tenant's accounts.
func (s *SQLStore) List(ctx context.Context, tenantID string) ([]*Account, error) {
	return s.query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenantID,
	)
}

// ListByCategory returns a tenant's accounts in a category, in
// creation order. Bulk-by-category dispatch fans out over this list.
func (s *SQLStore) ListByCategory(ctx context.Context, tenantID, category string) ([]*Account, error) {
	return s.query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE tenant_id = ? AND category = ? ORDER BY created_at ASC`,
		tenantID, category,
	)
}

// UpdateSession writes rotated session state back to the account.
func (s *SQLStore) UpdateSession(ctx context.Context, tenantID, accountID string, session *social.SessionData) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET did = ?, handle = ?, email = ?, access_token = ?, refresh_token = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		nullStr(session.DID), nullStr(session.Handle), nullStr(session.Email),
		nullStr(session.AccessToken), nullStr(session.RefreshToken), time.Now(),
		accountID, tenantID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update session for account %s", accountID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "account %s", accountID)
	}
	return nil
}

// Delete removes an account.
func (s *SQLStore) Delete(ctx context.Context, tenantID, accountID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM accounts WHERE id = ? AND tenant_id = ?`, accountID, tenantID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete account %s", accountID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "account %s", accountID)
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query accounts")
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scannable) (*Account, error) {
	var a Account
	var category, proxy, userAgent, endpoint sql.NullString
	var did, handle, email, access, refresh sql.NullString

	err := row.Scan(
		&a.ID, &a.TenantID, &a.Identifier, &a.Password, &category,
		&proxy, &userAgent, &endpoint, &did, &handle, &email,
		&access, &refresh, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Category = category.String
	a.Proxy = proxy.String
	a.UserAgent = userAgent.String
	a.Endpoint = endpoint.String
	a.DID = did.String
	a.Handle = handle.String
	a.Email = email.String
	a.AccessToken = access.String
	a.RefreshToken = refresh.String
	return &a, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
