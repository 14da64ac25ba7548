package db

import (
	"time"
)

// Health represents the health of an integration or collection binding.
type Health string

const (
	HealthActive    Health = "active"
	HealthDegraded  Health = "degraded"
	HealthSuspended Health = "suspended"
)

// SyncDirection represents the direction of synchronization for a binding.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionRemoteToLocal SyncDirection = "remote-to-local"
	DirectionLocalToRemote SyncDirection = "local-to-remote"
)

// ValidDirections contains all valid sync direction values.
var ValidDirections = map[SyncDirection]bool{
	DirectionBidirectional: true,
	DirectionRemoteToLocal: true,
	DirectionLocalToRemote: true,
}

// IsValid checks if the sync direction is valid.
func (d SyncDirection) IsValid() bool {
	return ValidDirections[d]
}

// PullsRemote reports whether remote changes flow into local storage.
func (d SyncDirection) PullsRemote() bool {
	return d != DirectionLocalToRemote
}

// PushesLocal reports whether local changes flow to the remote collection.
func (d SyncDirection) PushesLocal() bool {
	return d != DirectionRemoteToLocal
}

// ChangeOp is the kind of a queued local mutation.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// RunStatus is the terminal status of a sync run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// CredentialKind identifies how a credential authenticates.
type CredentialKind string

const (
	CredentialBasic  CredentialKind = "basic"
	CredentialOAuth2 CredentialKind = "oauth2"
)

// Integration is one user's connection to one remote calendar account.
type Integration struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	BaseURL       string     `json:"base_url"`
	CredentialRef string     `json:"-"`
	Health        Health     `json:"health"`
	HealthReason  string     `json:"health_reason,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CollectionBinding maps one local calendar to one remote collection.
type CollectionBinding struct {
	ID            string        `json:"id"`
	IntegrationID string        `json:"integration_id"`
	CalendarID    string        `json:"calendar_id"`
	CollectionURL string        `json:"collection_url"`
	DisplayName   string        `json:"display_name"`
	ChangeToken   string        `json:"change_token"`
	SyncToken     string        `json:"sync_token"`
	LastSyncedAt  *time.Time    `json:"last_synced_at"`
	Direction     SyncDirection `json:"direction"`
	SyncInterval  int           `json:"sync_interval"`
	Enabled       bool          `json:"enabled"`
	Health        Health        `json:"health"`
	HealthReason  string        `json:"health_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SyncedEvent is the durable link between one local event and one remote item.
// LocalModifiedAt and RemoteModifiedAt advance independently.
type SyncedEvent struct {
	ID               string     `json:"id"`
	BindingID        string     `json:"binding_id"`
	EventID          string     `json:"event_id"`
	UID              string     `json:"uid"`
	RemotePath       string     `json:"remote_path"`
	RemoteETag       string     `json:"remote_etag"`
	ContentHash      string     `json:"content_hash"`
	LocalModifiedAt  time.Time  `json:"local_modified_at"`
	RemoteModifiedAt time.Time  `json:"remote_modified_at"`
	Tombstone        bool       `json:"tombstone"`
	TombstonedAt     *time.Time `json:"tombstoned_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PendingChange is a queued local mutation not yet reconciled with the remote.
type PendingChange struct {
	ID         string    `json:"id"`
	BindingID  string    `json:"binding_id"`
	EventID    string    `json:"event_id"`
	Op         ChangeOp  `json:"op"`
	Payload    string    `json:"payload"` // codec.Event JSON snapshot
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	// Version increases on every merge so a run only consumes the exact
	// mutation it loaded.
	Version int `json:"version"`
}

// LocalEvent is an event in the platform's own store.
type LocalEvent struct {
	ID               string    `json:"id"`
	BindingID        string    `json:"binding_id"`
	UID              string    `json:"uid"`
	Payload          string    `json:"payload"`
	Deleted          bool      `json:"deleted"`
	RemovedElsewhere bool      `json:"removed_elsewhere"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RunCounts are the per-direction counters of a sync run.
type RunCounts struct {
	LocalCreated  int `json:"local_created"`
	LocalUpdated  int `json:"local_updated"`
	LocalDeleted  int `json:"local_deleted"`
	RemoteCreated int `json:"remote_created"`
	RemoteUpdated int `json:"remote_updated"`
	RemoteDeleted int `json:"remote_deleted"`
	Conflicts     int `json:"conflicts"`
	Requeued      int `json:"requeued"`
	Skipped       int `json:"skipped"`
}

// Writes returns the number of writes applied to either side.
func (c RunCounts) Writes() int {
	return c.LocalCreated + c.LocalUpdated + c.LocalDeleted +
		c.RemoteCreated + c.RemoteUpdated + c.RemoteDeleted
}

// SyncRun is one execution of the sync orchestrator for one binding.
type SyncRun struct {
	ID        string     `json:"id"`
	BindingID string     `json:"binding_id"`
	Trigger   string     `json:"trigger"`
	Status    RunStatus  `json:"status"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message,omitempty"`
	Counts    RunCounts  `json:"counts"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Credential stores the secret material behind a credential reference.
// Secret and Token are encrypted at rest.
type Credential struct {
	Ref       string         `json:"ref"`
	Kind      CredentialKind `json:"kind"`
	Username  string         `json:"username"`
	Secret    string         `json:"-"`
	Token     string         `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MalformedItem tracks a remote item that could not be decoded.
type MalformedItem struct {
	ID           string    `json:"id"`
	BindingID    string    `json:"binding_id"`
	Path         string    `json:"path"`
	ErrorMessage string    `json:"error_message"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// BindingState is everything a run commits for a binding in one transaction.
type BindingState struct {
	BindingID   string
	ChangeToken string
	SyncToken   string
	// AdvanceTokens is false when the run applied only part of its work and
	// must not move the binding's tokens.
	AdvanceTokens bool
	SyncedAt      time.Time
	Upserts       []SyncedEvent
	Deletes       []string        // SyncedEvent ids removed outright
	Consumed      []PendingChange // applied by the run
	Requeued      []PendingChange // kept for the next run
}

// LocalOp is one locally-bound operation produced by a run.
type LocalOp struct {
	BindingID string
	EventID   string
	UID       string
	Payload   string
	Delete    bool
	// RemovedElsewhere flags a delete that acknowledges a removal on the
	// remote side, so the UI can tell the user.
	RemovedElsewhere bool
	// KeepNewerLocal refuses the operation when the event's queued mutation
	// is not the one the run resolved against. PendingVersion is that
	// mutation's version, 0 when the run saw none.
	KeepNewerLocal bool
	PendingVersion int
}
