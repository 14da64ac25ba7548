package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const syncedEventColumns = `id, binding_id, event_id, uid, remote_path, remote_etag, content_hash,
	local_modified_at, remote_modified_at, tombstone, tombstoned_at, created_at, updated_at`

// ListSyncedEvents returns every SyncedEvent of a binding, tombstones included.
func (db *DB) ListSyncedEvents(bindingID string) ([]SyncedEvent, error) {
	rows, err := db.conn.Query(`SELECT `+syncedEventColumns+` FROM synced_events
		WHERE binding_id = ? ORDER BY remote_path`, bindingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query synced events: %w", err)
	}
	defer rows.Close()

	var out []SyncedEvent
	for rows.Next() {
		var se SyncedEvent
		var etag, hash sql.NullString
		var localMod, remoteMod, tombstonedAt sql.NullTime
		if err := rows.Scan(&se.ID, &se.BindingID, &se.EventID, &se.UID, &se.RemotePath, &etag, &hash,
			&localMod, &remoteMod, &se.Tombstone, &tombstonedAt, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan synced event: %w", err)
		}
		se.RemoteETag = etag.String
		se.ContentHash = hash.String
		se.LocalModifiedAt = localMod.Time
		se.RemoteModifiedAt = remoteMod.Time
		se.TombstonedAt = timePtr(tombstonedAt)
		out = append(out, se)
	}
	return out, rows.Err()
}

// PurgeTombstones hard-deletes tombstoned SyncedEvents older than cutoff.
func (db *DB) PurgeTombstones(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM synced_events WHERE tombstone = 1 AND tombstoned_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return res.RowsAffected()
}

// ListPendingChanges returns the queued local mutations of a binding, oldest first.
func (db *DB) ListPendingChanges(bindingID string) ([]PendingChange, error) {
	rows, err := db.conn.Query(`SELECT id, binding_id, event_id, op, payload, enqueued_at, attempts, version
		FROM pending_changes WHERE binding_id = ? ORDER BY enqueued_at, event_id`, bindingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var out []PendingChange
	for rows.Next() {
		var pc PendingChange
		if err := rows.Scan(&pc.ID, &pc.BindingID, &pc.EventID, &pc.Op, &pc.Payload,
			&pc.EnqueuedAt, &pc.Attempts, &pc.Version); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// EnqueueChange queues a local mutation, merging it with any mutation already
// queued for the same event.
func (db *DB) EnqueueChange(bindingID, eventID string, op ChangeOp, payload string) error {
	return db.withTx(func(tx *sql.Tx) error {
		return enqueueChange(tx, bindingID, eventID, op, payload)
	})
}

// enqueueChange merges op into the queue: a create followed by an update stays
// a create with the new payload, a create followed by a delete cancels out,
// and anything else is last-write-wins.
func enqueueChange(tx *sql.Tx, bindingID, eventID string, op ChangeOp, payload string) error {
	var existingID string
	var existingOp ChangeOp
	err := tx.QueryRow(`SELECT id, op FROM pending_changes WHERE binding_id = ? AND event_id = ?`,
		bindingID, eventID).Scan(&existingID, &existingOp)
	now := time.Now().UTC()

	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.Exec(`INSERT INTO pending_changes (id, binding_id, event_id, op, payload, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?)`, uuid.New().String(), bindingID, eventID, op, payload, now)
		if err != nil {
			return fmt.Errorf("failed to enqueue change: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pending change: %w", err)
	}

	merged := op
	switch {
	case existingOp == OpCreate && op == OpUpdate:
		merged = OpCreate
	case existingOp == OpCreate && op == OpDelete:
		if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ?`, existingID); err != nil {
			return fmt.Errorf("failed to cancel pending create: %w", err)
		}
		return nil
	case existingOp == OpDelete && op == OpCreate:
		merged = OpUpdate
	}

	_, err = tx.Exec(`UPDATE pending_changes SET op = ?, payload = ?, enqueued_at = ?, attempts = 0,
		version = version + 1 WHERE id = ?`, merged, payload, now, existingID)
	if err != nil {
		return fmt.Errorf("failed to merge pending change: %w", err)
	}
	return nil
}

// PutLocalEvent writes a local event and queues the matching mutation in one
// transaction. This is the local mutation path used by the API.
func (db *DB) PutLocalEvent(ev *LocalEvent) (ChangeOp, error) {
	ev.UpdatedAt = time.Now().UTC()
	var op ChangeOp
	err := db.withTx(func(tx *sql.Tx) error {
		var deleted bool
		err := tx.QueryRow(`SELECT deleted FROM local_events WHERE binding_id = ? AND id = ?`,
			ev.BindingID, ev.ID).Scan(&deleted)
		switch {
		case errors.Is(err, sql.ErrNoRows), err == nil && deleted:
			op = OpCreate
		case err != nil:
			return fmt.Errorf("failed to read local event: %w", err)
		default:
			op = OpUpdate
		}

		if err := upsertLocalEvent(tx, ev); err != nil {
			return err
		}
		return enqueueChange(tx, ev.BindingID, ev.ID, op, ev.Payload)
	})
	return op, err
}

// DeleteLocalEvent marks a local event deleted and queues the deletion.
func (db *DB) DeleteLocalEvent(bindingID, eventID string) error {
	return db.withTx(func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRow(`SELECT payload FROM local_events WHERE binding_id = ? AND id = ? AND deleted = 0`,
			bindingID, eventID).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read local event: %w", err)
		}
		if _, err := tx.Exec(`UPDATE local_events SET deleted = 1, updated_at = ? WHERE binding_id = ? AND id = ?`,
			time.Now().UTC(), bindingID, eventID); err != nil {
			return fmt.Errorf("failed to delete local event: %w", err)
		}
		return enqueueChange(tx, bindingID, eventID, OpDelete, payload)
	})
}

// GetLocalEvent returns a local event by ID, including deleted ones.
func (db *DB) GetLocalEvent(bindingID, eventID string) (*LocalEvent, error) {
	return scanLocalEvent(db.conn.QueryRow(`SELECT id, binding_id, uid, payload, deleted, removed_elsewhere, updated_at
		FROM local_events WHERE binding_id = ? AND id = ?`, bindingID, eventID))
}

// FindLocalEventByUID returns the local event carrying an iCalendar UID.
func (db *DB) FindLocalEventByUID(bindingID, uid string) (*LocalEvent, error) {
	return scanLocalEvent(db.conn.QueryRow(`SELECT id, binding_id, uid, payload, deleted, removed_elsewhere, updated_at
		FROM local_events WHERE binding_id = ? AND uid = ? ORDER BY deleted, updated_at DESC LIMIT 1`, bindingID, uid))
}

// ListLocalEvents returns the live local events of a binding.
func (db *DB) ListLocalEvents(bindingID string) ([]*LocalEvent, error) {
	rows, err := db.conn.Query(`SELECT id, binding_id, uid, payload, deleted, removed_elsewhere, updated_at
		FROM local_events WHERE binding_id = ? AND deleted = 0 ORDER BY id`, bindingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local events: %w", err)
	}
	defer rows.Close()

	var out []*LocalEvent
	for rows.Next() {
		ev, err := scanLocalEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ApplyLocalOperation applies one locally-bound operation produced by a run.
// It never queues a PendingChange. With KeepNewerLocal set it returns
// ErrLocalChanged instead of overwriting a mutation queued after the run
// loaded the queue.
func (db *DB) ApplyLocalOperation(op LocalOp) error {
	return db.withTx(func(tx *sql.Tx) error {
		if op.KeepNewerLocal {
			var version int
			err := tx.QueryRow(`SELECT version FROM pending_changes WHERE binding_id = ? AND event_id = ?`,
				op.BindingID, op.EventID).Scan(&version)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read pending change: %w", err)
			}
			if version != op.PendingVersion {
				return fmt.Errorf("%w: event %s", ErrLocalChanged, op.EventID)
			}
		}
		if op.Delete {
			_, err := tx.Exec(`UPDATE local_events SET deleted = 1, removed_elsewhere = ?, updated_at = ?
				WHERE binding_id = ? AND id = ?`, op.RemovedElsewhere, time.Now().UTC(), op.BindingID, op.EventID)
			if err != nil {
				return fmt.Errorf("failed to apply local delete: %w", err)
			}
			return nil
		}
		return upsertLocalEvent(tx, &LocalEvent{
			ID:        op.EventID,
			BindingID: op.BindingID,
			UID:       op.UID,
			Payload:   op.Payload,
			UpdatedAt: time.Now().UTC(),
		})
	})
}

// CommitBindingState persists everything a run produced in a single
// transaction: binding tokens, SyncedEvent rows and the consumed queue.
func (db *DB) CommitBindingState(state BindingState) error {
	now := time.Now().UTC()
	return db.withTx(func(tx *sql.Tx) error {
		if state.AdvanceTokens {
			syncedAt := state.SyncedAt
			if syncedAt.IsZero() {
				syncedAt = now
			}
			res, err := tx.Exec(`UPDATE collection_bindings SET change_token = ?, sync_token = ?,
				last_synced_at = ?, updated_at = ? WHERE id = ?`,
				nullString(state.ChangeToken), nullString(state.SyncToken), syncedAt.UTC(), now, state.BindingID)
			if err != nil {
				return fmt.Errorf("failed to update binding tokens: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
		}

		for _, id := range state.Deletes {
			if _, err := tx.Exec(`DELETE FROM synced_events WHERE id = ? AND binding_id = ?`, id, state.BindingID); err != nil {
				return fmt.Errorf("failed to delete synced event: %w", err)
			}
		}

		for i := range state.Upserts {
			if err := upsertSyncedEvent(tx, state.BindingID, &state.Upserts[i], now); err != nil {
				return err
			}
		}

		for _, pc := range state.Consumed {
			if _, err := tx.Exec(`DELETE FROM pending_changes WHERE id = ? AND version = ?`, pc.ID, pc.Version); err != nil {
				return fmt.Errorf("failed to consume pending change: %w", err)
			}
		}
		for _, pc := range state.Requeued {
			if _, err := tx.Exec(`UPDATE pending_changes SET attempts = attempts + 1 WHERE id = ? AND version = ?`,
				pc.ID, pc.Version); err != nil {
				return fmt.Errorf("failed to requeue pending change: %w", err)
			}
		}
		return nil
	})
}

func upsertSyncedEvent(tx *sql.Tx, bindingID string, se *SyncedEvent, now time.Time) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	se.BindingID = bindingID
	se.UpdatedAt = now
	if se.CreatedAt.IsZero() {
		se.CreatedAt = now
	}
	if se.Tombstone && se.TombstonedAt == nil {
		t := now
		se.TombstonedAt = &t
	}

	// A remote path belongs to one event; drop a stale link left by an
	// earlier event at the same path.
	if _, err := tx.Exec(`DELETE FROM synced_events WHERE binding_id = ? AND remote_path = ? AND event_id != ?`,
		bindingID, se.RemotePath, se.EventID); err != nil {
		return fmt.Errorf("failed to clear stale synced event: %w", err)
	}

	_, err := tx.Exec(`INSERT INTO synced_events (`+syncedEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(binding_id, event_id) DO UPDATE SET
			uid = excluded.uid,
			remote_path = excluded.remote_path,
			remote_etag = excluded.remote_etag,
			content_hash = excluded.content_hash,
			local_modified_at = excluded.local_modified_at,
			remote_modified_at = excluded.remote_modified_at,
			tombstone = excluded.tombstone,
			tombstoned_at = excluded.tombstoned_at,
			updated_at = excluded.updated_at`,
		se.ID, bindingID, se.EventID, se.UID, se.RemotePath, nullString(se.RemoteETag), nullString(se.ContentHash),
		nullTime(&se.LocalModifiedAt), nullTime(&se.RemoteModifiedAt), se.Tombstone, nullTime(se.TombstonedAt),
		se.CreatedAt, se.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert synced event: %w", err)
	}
	return nil
}

func upsertLocalEvent(tx *sql.Tx, ev *LocalEvent) error {
	_, err := tx.Exec(`INSERT INTO local_events (id, binding_id, uid, payload, deleted, removed_elsewhere, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(binding_id, id) DO UPDATE SET uid = excluded.uid, payload = excluded.payload,
			deleted = 0, removed_elsewhere = 0, updated_at = excluded.updated_at`,
		ev.ID, ev.BindingID, ev.UID, ev.Payload, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write local event: %w", err)
	}
	return nil
}

func scanLocalEvent(row scanner) (*LocalEvent, error) {
	ev := &LocalEvent{}
	err := row.Scan(&ev.ID, &ev.BindingID, &ev.UID, &ev.Payload, &ev.Deleted, &ev.RemovedElsewhere, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan local event: %w", err)
	}
	return ev, nil
}
