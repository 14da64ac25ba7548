package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const integrationColumns = `id, account_id, name, provider, base_url, credential_ref, health,
	health_reason, deleted_at, created_at, updated_at`

// CreateIntegration creates a new integration.
func (db *DB) CreateIntegration(in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.CreatedAt = time.Now().UTC()
	in.UpdatedAt = in.CreatedAt
	if in.Health == "" {
		in.Health = HealthActive
	}

	query := `INSERT INTO integrations (id, account_id, name, provider, base_url, credential_ref,
		health, health_reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, in.ID, in.AccountID, in.Name, in.Provider, in.BaseURL,
		in.CredentialRef, in.Health, nullString(in.HealthReason), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: integration %s", ErrDuplicate, in.ID)
		}
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

// GetIntegration returns a connected (not soft-deleted) integration by ID.
func (db *DB) GetIntegration(id string) (*Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = ? AND deleted_at IS NULL`
	return scanIntegration(db.conn.QueryRow(query, id))
}

// ListIntegrations returns all connected integrations.
func (db *DB) ListIntegrations() ([]*Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE deleted_at IS NULL ORDER BY name`
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetIntegrationHealth updates an integration's health and reason code.
func (db *DB) SetIntegrationHealth(id string, health Health, reason string) error {
	query := `UPDATE integrations SET health = ?, health_reason = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	return db.execOne(query, "integration health", health, nullString(reason), time.Now().UTC(), id)
}

// DisconnectIntegration soft-deletes an integration, disables its bindings,
// drops their queued work and deletes its credential.
func (db *DB) DisconnectIntegration(id string) error {
	now := time.Now().UTC()
	return db.withTx(func(tx *sql.Tx) error {
		var ref string
		err := tx.QueryRow(`SELECT credential_ref FROM integrations WHERE id = ? AND deleted_at IS NULL`, id).Scan(&ref)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get integration: %w", err)
		}

		if _, err := tx.Exec(`UPDATE integrations SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id); err != nil {
			return fmt.Errorf("failed to soft delete integration: %w", err)
		}
		if _, err := tx.Exec(`UPDATE collection_bindings SET enabled = 0, updated_at = ? WHERE integration_id = ?`, now, id); err != nil {
			return fmt.Errorf("failed to disable bindings: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_changes WHERE binding_id IN
			(SELECT id FROM collection_bindings WHERE integration_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to drop pending changes: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM credentials WHERE ref = ?`, ref); err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		return nil
	})
}

// ReauthorizeIntegration points an integration at a new credential, deletes
// the credential it replaces and marks the integration active again.
func (db *DB) ReauthorizeIntegration(id, credentialRef string) error {
	now := time.Now().UTC()
	return db.withTx(func(tx *sql.Tx) error {
		var old string
		err := tx.QueryRow(`SELECT credential_ref FROM integrations WHERE id = ? AND deleted_at IS NULL`, id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get integration: %w", err)
		}

		if _, err := tx.Exec(`UPDATE integrations SET credential_ref = ?, health = ?, health_reason = NULL,
			updated_at = ? WHERE id = ?`, credentialRef, HealthActive, now, id); err != nil {
			return fmt.Errorf("failed to update integration credential: %w", err)
		}
		if old != credentialRef {
			if _, err := tx.Exec(`DELETE FROM credentials WHERE ref = ?`, old); err != nil {
				return fmt.Errorf("failed to delete credential: %w", err)
			}
		}
		return nil
	})
}

const bindingColumns = `id, integration_id, calendar_id, collection_url, display_name, change_token,
	sync_token, last_synced_at, direction, sync_interval, enabled, health, health_reason,
	created_at, updated_at`

// CreateBinding creates a new collection binding.
func (db *DB) CreateBinding(b *CollectionBinding) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	if b.Direction == "" {
		b.Direction = DirectionBidirectional
	}
	if b.Health == "" {
		b.Health = HealthActive
	}
	if b.CalendarID == "" {
		b.CalendarID = b.ID
	}

	query := `INSERT INTO collection_bindings (id, integration_id, calendar_id, collection_url,
		display_name, direction, sync_interval, enabled, health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, b.ID, b.IntegrationID, b.CalendarID, b.CollectionURL,
		b.DisplayName, b.Direction, b.SyncInterval, b.Enabled, b.Health, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: collection %s already bound", ErrDuplicate, b.CollectionURL)
		}
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

// GetBinding returns a binding by ID.
func (db *DB) GetBinding(id string) (*CollectionBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM collection_bindings WHERE id = ?`
	return scanBinding(db.conn.QueryRow(query, id))
}

// ListBindings returns the bindings of an integration.
func (db *DB) ListBindings(integrationID string) ([]*CollectionBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM collection_bindings WHERE integration_id = ? ORDER BY display_name`
	return db.queryBindings(query, integrationID)
}

// ListActiveBindings returns enabled bindings of connected integrations.
func (db *DB) ListActiveBindings() ([]*CollectionBinding, error) {
	query := `SELECT ` + prefixed("b.", bindingColumns) + ` FROM collection_bindings b
		JOIN integrations i ON i.id = b.integration_id
		WHERE b.enabled = 1 AND i.deleted_at IS NULL ORDER BY b.id`
	return db.queryBindings(query)
}

func (db *DB) queryBindings(query string, args ...any) ([]*CollectionBinding, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var out []*CollectionBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBindingHealth updates a binding's health and reason code.
func (db *DB) SetBindingHealth(id string, health Health, reason string) error {
	query := `UPDATE collection_bindings SET health = ?, health_reason = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, "binding health", health, nullString(reason), time.Now().UTC(), id)
}

// SetBindingEnabled enables or disables a binding.
func (db *DB) SetBindingEnabled(id string, enabled bool) error {
	query := `UPDATE collection_bindings SET enabled = ?, updated_at = ? WHERE id = ?`
	return db.execOne(query, "binding", enabled, time.Now().UTC(), id)
}

// CreateRun records the start of a sync run.
func (db *DB) CreateRun(run *SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = RunStatusRunning

	query := `INSERT INTO sync_runs (id, binding_id, trigger_source, status, state, started_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := db.conn.Exec(query, run.ID, run.BindingID, run.Trigger, run.Status, run.State, run.StartedAt); err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// FinishRun finalizes a sync run. Finalized runs are never updated again.
func (db *DB) FinishRun(run *SyncRun) error {
	if run.EndedAt == nil {
		now := time.Now().UTC()
		run.EndedAt = &now
	}
	c := run.Counts
	query := `UPDATE sync_runs SET status = ?, state = ?, reason = ?, message = ?,
		local_created = ?, local_updated = ?, local_deleted = ?,
		remote_created = ?, remote_updated = ?, remote_deleted = ?,
		conflicts = ?, requeued = ?, skipped = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`
	return db.execOne(query, "sync run", run.Status, run.State, nullString(run.Reason), nullString(run.Message),
		c.LocalCreated, c.LocalUpdated, c.LocalDeleted,
		c.RemoteCreated, c.RemoteUpdated, c.RemoteDeleted,
		c.Conflicts, c.Requeued, c.Skipped, run.EndedAt, run.ID)
}

const runColumns = `id, binding_id, trigger_source, status, state, reason, message,
	local_created, local_updated, local_deleted, remote_created, remote_updated, remote_deleted,
	conflicts, requeued, skipped, started_at, ended_at`

// ListRuns returns the most recent runs of a binding, newest first.
func (db *DB) ListRuns(bindingID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE binding_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := db.conn.Query(query, bindingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var out []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// FailInterruptedRuns finalizes runs left running by a previous process.
func (db *DB) FailInterruptedRuns() (int64, error) {
	now := time.Now().UTC()
	res, err := db.conn.Exec(`UPDATE sync_runs SET status = ?, reason = 'cancelled',
		message = 'interrupted by restart', ended_at = ? WHERE status = ?`,
		RunStatusFailed, now, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeRuns deletes finalized runs that ended before cutoff.
func (db *DB) PurgeRuns(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM sync_runs WHERE status != ? AND ended_at < ?`, RunStatusRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync runs: %w", err)
	}
	return res.RowsAffected()
}

// SaveCredential creates or replaces a credential.
func (db *DB) SaveCredential(c *Credential) error {
	if c.Ref == "" {
		c.Ref = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `INSERT INTO credentials (ref, kind, username, secret, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET kind = excluded.kind, username = excluded.username,
		secret = excluded.secret, token = excluded.token, updated_at = excluded.updated_at`
	if _, err := db.conn.Exec(query, c.Ref, c.Kind, c.Username, c.Secret, c.Token, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential returns a credential by reference.
func (db *DB) GetCredential(ref string) (*Credential, error) {
	c := &Credential{}
	err := db.conn.QueryRow(`SELECT ref, kind, username, secret, token, created_at, updated_at
		FROM credentials WHERE ref = ?`, ref).
		Scan(&c.Ref, &c.Kind, &c.Username, &c.Secret, &c.Token, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// UpdateCredentialToken stores a refreshed (encrypted) OAuth2 token.
func (db *DB) UpdateCredentialToken(ref, token string) error {
	return db.execOne(`UPDATE credentials SET token = ?, updated_at = ? WHERE ref = ?`,
		"credential", token, time.Now().UTC(), ref)
}

// DeleteCredential deletes a credential that no integration references.
func (db *DB) DeleteCredential(ref string) error {
	return db.execOne(`DELETE FROM credentials WHERE ref = ?`, "credential", ref)
}

// ReplaceMalformedItems replaces the malformed item list of a binding.
func (db *DB) ReplaceMalformedItems(bindingID string, items []MalformedItem) error {
	now := time.Now().UTC()
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM malformed_items WHERE binding_id = ?`, bindingID); err != nil {
			return fmt.Errorf("failed to clear malformed items: %w", err)
		}
		for _, item := range items {
			if _, err := tx.Exec(`INSERT INTO malformed_items (id, binding_id, path, error_message, discovered_at)
				VALUES (?, ?, ?, ?, ?) ON CONFLICT(binding_id, path) DO UPDATE SET error_message = excluded.error_message`,
				uuid.New().String(), bindingID, item.Path, item.ErrorMessage, now); err != nil {
				return fmt.Errorf("failed to save malformed item: %w", err)
			}
		}
		return nil
	})
}

// ListMalformedItems returns the malformed items of a binding.
func (db *DB) ListMalformedItems(bindingID string) ([]MalformedItem, error) {
	rows, err := db.conn.Query(`SELECT id, binding_id, path, error_message, discovered_at
		FROM malformed_items WHERE binding_id = ? ORDER BY path`, bindingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query malformed items: %w", err)
	}
	defer rows.Close()

	var out []MalformedItem
	for rows.Next() {
		var m MalformedItem
		if err := rows.Scan(&m.ID, &m.BindingID, &m.Path, &m.ErrorMessage, &m.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan malformed item: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// execOne executes an update that must touch exactly one row.
func (db *DB) execOne(query, what string, args ...any) error {
	res, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row scanner) (*Integration, error) {
	in := &Integration{}
	var reason sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&in.ID, &in.AccountID, &in.Name, &in.Provider, &in.BaseURL, &in.CredentialRef,
		&in.Health, &reason, &deletedAt, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}
	in.HealthReason = reason.String
	in.DeletedAt = timePtr(deletedAt)
	return in, nil
}

func scanBinding(row scanner) (*CollectionBinding, error) {
	b := &CollectionBinding{}
	var changeToken, syncToken, reason sql.NullString
	var lastSynced sql.NullTime
	err := row.Scan(&b.ID, &b.IntegrationID, &b.CalendarID, &b.CollectionURL, &b.DisplayName,
		&changeToken, &syncToken, &lastSynced, &b.Direction, &b.SyncInterval, &b.Enabled,
		&b.Health, &reason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan binding: %w", err)
	}
	b.ChangeToken = changeToken.String
	b.SyncToken = syncToken.String
	b.HealthReason = reason.String
	b.LastSyncedAt = timePtr(lastSynced)
	return b, nil
}

func scanRun(row scanner) (*SyncRun, error) {
	run := &SyncRun{}
	var reason, message sql.NullString
	var ended sql.NullTime
	c := &run.Counts
	err := row.Scan(&run.ID, &run.BindingID, &run.Trigger, &run.Status, &run.State, &reason, &message,
		&c.LocalCreated, &c.LocalUpdated, &c.LocalDeleted, &c.RemoteCreated, &c.RemoteUpdated, &c.RemoteDeleted,
		&c.Conflicts, &c.Requeued, &c.Skipped, &run.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}
	run.Reason = reason.String
	run.Message = message.String
	run.EndedAt = timePtr(ended)
	return run, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
