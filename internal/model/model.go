// Package model defines domain entities used by the persistence and sync layers.
package model

import (
	"fmt"
	"time"
)

// DraftSnapshot is an in-progress edit of one document.
type DraftSnapshot struct {
	Fields     map[string]*string // field name -> value; nil value is JSON null
	Version    int64              // server-assigned optimistic-lock counter
	CapturedAt time.Time          // moment the edit was taken
}

// Clone returns a deep copy so callers can keep editing their own map.
func (s DraftSnapshot) Clone() DraftSnapshot {
	out := DraftSnapshot{Version: s.Version, CapturedAt: s.CapturedAt}
	if s.Fields == nil {
		return out
	}
	out.Fields = make(map[string]*string, len(s.Fields))
	for k, v := range s.Fields {
		if v == nil {
			out.Fields[k] = nil
			continue
		}
		val := *v
		out.Fields[k] = &val
	}
	return out
}

// Envelope is the only representation of a draft that is ever written to durable storage.
type Envelope struct {
	Ciphertext []byte    // AEAD output, opaque
	Nonce      []byte    // 12 bytes, unique per seal
	CapturedAt time.Time // millisecond precision
	Version    int64
}

// Restored is the result of a successful restore.
type Restored struct {
	Snapshot   DraftSnapshot
	Version    int64
	CapturedAt time.Time
}

// BackupStatus classifies the result of a local backup.
type BackupStatus string

// Backup statuses.
const (
	BackupStored             BackupStatus = "stored"
	BackupNoKey              BackupStatus = "no_key"
	BackupStorageUnavailable BackupStatus = "storage_unavailable"
	BackupFailed             BackupStatus = "failed"
)

// BackupOutcome is the typed result of a backup. Err is nil only for BackupStored.
type BackupOutcome struct {
	Status BackupStatus
	Err    error
}

// OK reports whether the envelope reached the local store.
func (o BackupOutcome) OK() bool { return o.Status == BackupStored }

// SyncPhase is the coarse state of a document in the sync scheduler.
type SyncPhase string

// Sync phases.
const (
	PhaseIdle    SyncPhase = "idle"
	PhaseSyncing SyncPhase = "syncing"
	PhaseOffline SyncPhase = "offline"
	PhaseError   SyncPhase = "error"
)

// SyncState is the observable per-document scheduler state.
type SyncState struct {
	Phase       SyncPhase
	Attempt     int   // syncing: 1-based attempt number
	QueuedCount int   // offline: documents waiting for connectivity
	Cause       error // error: last failure
	Recoverable bool  // error: true when retries were exhausted on a transient cause
	Since       time.Time
}

// String renders the state for logs and the CLI.
func (s SyncState) String() string {
	switch s.Phase {
	case PhaseSyncing:
		return fmt.Sprintf("syncing(%d)", s.Attempt)
	case PhaseOffline:
		return fmt.Sprintf("offline(%d)", s.QueuedCount)
	case PhaseError:
		return fmt.Sprintf("error(%v, recoverable=%t)", s.Cause, s.Recoverable)
	case "":
		return string(PhaseIdle)
	default:
		return string(s.Phase)
	}
}

// PushRequest is the argument of one remote-save call.
type PushRequest struct {
	DocumentID     string
	IdempotencyKey string // reused verbatim by every retry of the same push
	Fields         map[string]*string
	Version        int64
}
