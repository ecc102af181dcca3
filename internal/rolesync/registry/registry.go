package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/crypto"
	_ "modernc.org/sqlite"
)

// LinkRegistry persists linked accounts and recorded plans in SQLite.
type LinkRegistry struct {
	db     *sql.DB
	cipher *crypto.TokenCipher
	now    func() time.Time
}

// NewLinkRegistry opens (or creates) the link registry database in dir. OAuth
// tokens are sealed with cipher before they are written.
func NewLinkRegistry(dir string, cipher *crypto.TokenCipher) (*LinkRegistry, error) {
	if cipher == nil {
		return nil, fmt.Errorf("token cipher is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "links.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open link registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &LinkRegistry{db: db, cipher: cipher, now: time.Now}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *LinkRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS linked_accounts (
		internal_user_id   TEXT PRIMARY KEY,
		external_id        TEXT NOT NULL UNIQUE,
		username           TEXT NOT NULL DEFAULT '',
		access_token       TEXT NOT NULL DEFAULT '',
		refresh_token      TEXT NOT NULL DEFAULT '',
		token_expiry       INTEGER NOT NULL DEFAULT 0,
		last_known_roles   TEXT NOT NULL DEFAULT '[]',
		link_state         TEXT NOT NULL DEFAULT 'linked',
		last_error         TEXT NOT NULL DEFAULT '',
		last_reconciled_at INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_linked_accounts_state ON linked_accounts(link_state);

	CREATE TABLE IF NOT EXISTS plans (
		internal_user_id TEXT PRIMARY KEY,
		plan             TEXT NOT NULL,
		event_at         INTEGER NOT NULL DEFAULT 0,
		updated_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reconcile_leases (
		lease_key  TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init link registry schema: %w", err)
	}
	if err := r.ensurePlanEventColumn(); err != nil {
		return fmt.Errorf("ensure plans schema: %w", err)
	}
	return nil
}

// ensurePlanEventColumn adds plans.event_at to databases created before
// plan records were ordered by billing event time.
func (r *LinkRegistry) ensurePlanEventColumn() error {
	rows, err := r.db.Query("PRAGMA table_info(plans)")
	if err != nil {
		return fmt.Errorf("inspect plans table: %w", err)
	}
	defer rows.Close()

	var hasEventAt bool
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return fmt.Errorf("scan plans table info: %w", err)
		}
		if name == "event_at" {
			hasEventAt = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read plans table info: %w", err)
	}
	// Release the single connection before altering.
	rows.Close()
	if hasEventAt {
		return nil
	}
	if _, err := r.db.Exec(`ALTER TABLE plans ADD COLUMN event_at INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add plans.event_at: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *LinkRegistry) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("link registry not open")
	}
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *LinkRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const accountColumns = `
	internal_user_id, external_id, username,
	access_token, refresh_token, token_expiry,
	last_known_roles, link_state, last_error, last_reconciled_at,
	created_at, updated_at`

// Get retrieves the account linked to internalUserID, or nil if none exists.
func (r *LinkRegistry) Get(ctx context.Context, internalUserID string) (*LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM linked_accounts WHERE internal_user_id = ?`, internalUserID)
	return r.scanAccount(row)
}

// GetByExternalID retrieves the account owning externalID, or nil.
func (r *LinkRegistry) GetByExternalID(ctx context.Context, externalID string) (*LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+accountColumns+` FROM linked_accounts WHERE external_id = ?`, externalID)
	return r.scanAccount(row)
}

// LinkIdentity creates or updates the account for a.InternalUserID with the
// identity and tokens in a. An identity owned by another user is never
// reassigned; ErrExternalIDTaken is returned instead. Linking a user to a
// different identity than before clears the cached roles.
func (r *LinkRegistry) LinkIdentity(ctx context.Context, a *LinkedAccount) (*LinkedAccount, error) {
	if a == nil || a.InternalUserID == "" || a.ExternalID == "" {
		return nil, fmt.Errorf("link identity: internal user ID and external ID are required")
	}
	accessToken, err := r.cipher.EncryptString(a.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("link identity: seal access token: %w", err)
	}
	refreshToken, err := r.cipher.EncryptString(a.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("link identity: seal refresh token: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("link identity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT internal_user_id FROM linked_accounts WHERE external_id = ?`, a.ExternalID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("link identity: lookup owner: %w", err)
	case owner != a.InternalUserID:
		return nil, ErrExternalIDTaken
	}

	var previousExternalID string
	err = tx.QueryRowContext(ctx, `SELECT external_id FROM linked_accounts WHERE internal_user_id = ?`, a.InternalUserID).Scan(&previousExternalID)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("link identity: lookup account: %w", err)
	}

	now := r.now().UTC().Unix()
	if !exists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO linked_accounts (
				internal_user_id, external_id, username,
				access_token, refresh_token, token_expiry,
				last_known_roles, link_state, last_error,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, '[]', ?, '', ?, ?)`,
			a.InternalUserID, a.ExternalID, a.Username,
			accessToken, refreshToken, unixOrZero(a.TokenExpiry),
			string(LinkStateLinked), now, now,
		)
	} else {
		query := `
			UPDATE linked_accounts SET
				external_id = ?, username = ?,
				access_token = ?, refresh_token = ?, token_expiry = ?,
				link_state = ?, last_error = '', updated_at = ?`
		if previousExternalID != a.ExternalID {
			query += `, last_known_roles = '[]', last_reconciled_at = NULL`
		}
		query += ` WHERE internal_user_id = ?`
		_, err = tx.ExecContext(ctx, query,
			a.ExternalID, a.Username,
			accessToken, refreshToken, unixOrZero(a.TokenExpiry),
			string(LinkStateLinked), now,
			a.InternalUserID,
		)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExternalIDTaken
		}
		return nil, fmt.Errorf("link identity: write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("link identity: commit: %w", err)
	}
	return r.Get(ctx, a.InternalUserID)
}

// UpdateTokens stores rotated OAuth tokens for an account.
func (r *LinkRegistry) UpdateTokens(ctx context.Context, internalUserID, accessToken, refreshToken string, expiry time.Time) error {
	sealedAccess, err := r.cipher.EncryptString(accessToken)
	if err != nil {
		return fmt.Errorf("update tokens: seal access token: %w", err)
	}
	sealedRefresh, err := r.cipher.EncryptString(refreshToken)
	if err != nil {
		return fmt.Errorf("update tokens: seal refresh token: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE linked_accounts SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE internal_user_id = ?`,
		sealedAccess, sealedRefresh, unixOrZero(expiry), r.now().UTC().Unix(), internalUserID,
	)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return requireAffected(res, internalUserID)
}

// UpdateSyncState persists the result of a reconciliation run.
func (r *LinkRegistry) UpdateSyncState(ctx context.Context, internalUserID string, s SyncState) error {
	roles, err := json.Marshal(normalizeRoles(s.LastKnownRoles))
	if err != nil {
		return fmt.Errorf("update sync state: encode roles: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE linked_accounts SET
			link_state = ?, last_known_roles = ?, last_error = ?,
			last_reconciled_at = COALESCE(?, last_reconciled_at), updated_at = ?
		WHERE internal_user_id = ?`,
		string(s.LinkState), string(roles), s.LastError,
		nullableTimeUnix(s.ReconciledAt), r.now().UTC().Unix(),
		internalUserID,
	)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return requireAffected(res, internalUserID)
}

// Delete removes the link for internalUserID. It reports whether a row existed.
func (r *LinkRegistry) Delete(ctx context.Context, internalUserID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE internal_user_id = ?`, internalUserID)
	if err != nil {
		return false, fmt.Errorf("delete linked account: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// List returns all linked accounts, oldest first.
func (r *LinkRegistry) List(ctx context.Context) ([]*LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+accountColumns+` FROM linked_accounts ORDER BY created_at ASC, internal_user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()
	return r.scanAccounts(rows)
}

// ListByState returns all accounts in state.
func (r *LinkRegistry) ListByState(ctx context.Context, state LinkState) ([]*LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+accountColumns+` FROM linked_accounts WHERE link_state = ? ORDER BY created_at ASC, internal_user_id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list linked accounts by state: %w", err)
	}
	defer rows.Close()
	return r.scanAccounts(rows)
}

// CountByState returns a map of state -> count.
func (r *LinkRegistry) CountByState(ctx context.Context) (map[LinkState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT link_state, COUNT(*) FROM linked_accounts GROUP BY link_state`)
	if err != nil {
		return nil, fmt.Errorf("count linked accounts by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[LinkState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[LinkState(state)] = count
	}
	return counts, rows.Err()
}

// SetPlan records a plan set by an operator. It always applies and counts as
// the newest billing event seen for the user.
func (r *LinkRegistry) SetPlan(ctx context.Context, internalUserID, plan string) error {
	if internalUserID == "" {
		return fmt.Errorf("set plan: internal user ID is required")
	}
	now := r.now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plans (internal_user_id, plan, event_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(internal_user_id) DO UPDATE SET
			plan = excluded.plan,
			event_at = MAX(plans.event_at, excluded.event_at),
			updated_at = excluded.updated_at`,
		internalUserID, plan, now, now,
	)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

// RecordPlanEvent records the plan carried by a billing event created at
// eventAt. Events older than the one already recorded are dropped and
// applied is false; an event from the same second replaces it, so the later
// delivery wins.
func (r *LinkRegistry) RecordPlanEvent(ctx context.Context, internalUserID, plan string, eventAt time.Time) (applied bool, err error) {
	if internalUserID == "" {
		return false, fmt.Errorf("record plan event: internal user ID is required")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO plans (internal_user_id, plan, event_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(internal_user_id) DO UPDATE SET
			plan = excluded.plan,
			event_at = excluded.event_at,
			updated_at = excluded.updated_at
		WHERE excluded.event_at >= plans.event_at`,
		internalUserID, plan, eventAt.UTC().Unix(), r.now().UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("record plan event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// GetPlan returns the recorded plan for internalUserID, or nil if none.
func (r *LinkRegistry) GetPlan(ctx context.Context, internalUserID string) (*PlanRecord, error) {
	var rec PlanRecord
	var eventAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT internal_user_id, plan, event_at, updated_at FROM plans WHERE internal_user_id = ?`, internalUserID).
		Scan(&rec.InternalUserID, &rec.Plan, &eventAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if eventAt != 0 {
		rec.EventAt = time.Unix(eventAt, 0).UTC()
	}
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// AcquireLease claims the reconcile lease on key for owner until ttl from
// now. It succeeds when the lease is free, expired or already held by owner
// (which extends it), and reports false when another owner holds it. The
// upsert is a single statement, so concurrent processes sharing the database
// cannot both win.
func (r *LinkRegistry) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("acquire lease: key and owner are required")
	}
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO reconcile_leases (lease_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE reconcile_leases.owner = excluded.owner OR reconcile_leases.expires_at <= ?`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ReleaseLease drops owner's lease on key. Releasing a lease held by someone
// else, or no lease at all, is a no-op.
func (r *LinkRegistry) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM reconcile_leases WHERE lease_key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *LinkRegistry) scanAccount(s scanner) (*LinkedAccount, error) {
	var a LinkedAccount
	var accessToken, refreshToken, roles, state string
	var tokenExpiry, createdAt, updatedAt int64
	var lastReconciled sql.NullInt64

	err := s.Scan(
		&a.InternalUserID, &a.ExternalID, &a.Username,
		&accessToken, &refreshToken, &tokenExpiry,
		&roles, &state, &a.LastError, &lastReconciled,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan linked account: %w", err)
	}

	if a.AccessToken, err = r.cipher.DecryptString(accessToken); err != nil {
		return nil, fmt.Errorf("open access token for %s: %w", a.InternalUserID, err)
	}
	if a.RefreshToken, err = r.cipher.DecryptString(refreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token for %s: %w", a.InternalUserID, err)
	}
	if err := json.Unmarshal([]byte(roles), &a.LastKnownRoles); err != nil {
		return nil, fmt.Errorf("decode roles for %s: %w", a.InternalUserID, err)
	}
	a.LastKnownRoles = normalizeRoles(a.LastKnownRoles)

	a.LinkState = LinkState(state)
	if tokenExpiry != 0 {
		a.TokenExpiry = time.Unix(tokenExpiry, 0).UTC()
	}
	if lastReconciled.Valid {
		ts := time.Unix(lastReconciled.Int64, 0).UTC()
		a.LastReconciledAt = &ts
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func (r *LinkRegistry) scanAccounts(rows *sql.Rows) ([]*LinkedAccount, error) {
	var accounts []*LinkedAccount
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func requireAffected(res sql.Result, internalUserID string) error {
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("linked account %q not found", internalUserID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
