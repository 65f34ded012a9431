// Package service contains the draft persistence service.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/crypto/envelope"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

// DraftTTL is how long a local envelope stays restorable.
const DraftTTL = 24 * time.Hour

// DraftService backs up and restores encrypted drafts of documents.
type DraftService interface {
	// Backup seals the snapshot and stores it, replacing any previous envelope.
	Backup(ctx context.Context, documentID string, s model.DraftSnapshot, version int64) model.BackupOutcome
	// Restore returns the stored snapshot if it is fresh and opens under the current key.
	Restore(ctx context.Context, documentID string) (*model.Restored, bool)
	// Discard removes the envelope after the server accepted the draft.
	Discard(ctx context.Context, documentID string) error
	// PurgeAll removes every draft envelope (logout).
	PurgeAll(ctx context.Context) (int, error)
	// Pending lists documents that hold an envelope.
	Pending(ctx context.Context) ([]string, error)
}

// EnvelopeStore is the storage the service writes envelopes to.
type EnvelopeStore interface {
	Put(ctx context.Context, documentID string, e model.Envelope) error
	Get(ctx context.Context, documentID string) (model.Envelope, bool, error)
	Remove(ctx context.Context, documentID string) error
	RemoveAllMatching(ctx context.Context, prefix string) (int, error)
	DocumentIDs(ctx context.Context) ([]string, error)
	Prefix() string
}

// KeyProvider yields the key for the current session; errs.ErrNoKey when logged out.
type KeyProvider interface {
	CurrentKey() (*clientcrypto.Key, error)
}

// Recorder receives backup and purge outcomes for metrics.
type Recorder interface {
	ObserveBackup(status model.BackupStatus)
	AddPurged(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBackup(model.BackupStatus) {}
func (nopRecorder) AddPurged(int)                    {}

type DraftServiceImpl struct {
	store EnvelopeStore
	keys  KeyProvider
	clock clock.PassiveClock
	rec   Recorder
	log   *zap.Logger
}

// NewDraftService constructs DraftService. Nil clock, recorder and logger get defaults.
func NewDraftService(st EnvelopeStore, keys KeyProvider, clk clock.PassiveClock, rec Recorder, log *zap.Logger) *DraftServiceImpl {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DraftServiceImpl{store: st, keys: keys, clock: clk, rec: rec, log: log}
}

// Backup never returns crypto or storage errors directly; they are carried in the outcome.
func (s *DraftServiceImpl) Backup(ctx context.Context, documentID string, snap model.DraftSnapshot, version int64) (out model.BackupOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = model.BackupOutcome{Status: model.BackupFailed, Err: fmt.Errorf("backup panic: %v", r)}
		}
		s.rec.ObserveBackup(out.Status)
	}()

	key, err := s.keys.CurrentKey()
	if err != nil {
		if errors.Is(err, errs.ErrNoKey) {
			s.log.Warn("draft backup skipped: no key", zap.String("document_id", documentID))
			return model.BackupOutcome{Status: model.BackupNoKey, Err: err}
		}
		s.log.Warn("draft backup: key derivation failed", zap.String("document_id", documentID), zap.Error(err))
		return model.BackupOutcome{Status: model.BackupFailed, Err: err}
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.clock.Now()
	}
	env, err := envelope.Seal(snap, version, key)
	if err != nil {
		s.log.Warn("draft backup: seal failed", zap.String("document_id", documentID), zap.Error(err))
		return model.BackupOutcome{Status: model.BackupFailed, Err: err}
	}
	if err := s.store.Put(ctx, documentID, env); err != nil {
		s.log.Warn("draft backup: storage unavailable",
			zap.String("document_id", documentID),
			zap.Bool("quota", errors.Is(err, errs.ErrQuotaExceeded)),
			zap.Error(err))
		return model.BackupOutcome{Status: model.BackupStorageUnavailable, Err: err}
	}
	return model.BackupOutcome{Status: model.BackupStored}
}

// Restore checks, in order: presence, TTL, key availability, authenticity.
// Expired and undecryptable entries are deleted. Without a key the entry is kept.
func (s *DraftServiceImpl) Restore(ctx context.Context, documentID string) (*model.Restored, bool) {
	env, ok, err := s.store.Get(ctx, documentID)
	if err != nil {
		s.log.Warn("draft restore: storage read failed", zap.String("document_id", documentID), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if s.clock.Since(env.CapturedAt) > DraftTTL {
		s.log.Info("draft expired", zap.String("document_id", documentID), zap.Time("captured_at", env.CapturedAt))
		s.remove(ctx, documentID)
		return nil, false
	}
	key, err := s.keys.CurrentKey()
	if err != nil {
		return nil, false
	}
	snap, ver, err := envelope.Open(env, key)
	if err != nil {
		s.log.Warn("draft restore: cannot open envelope, discarding", zap.String("document_id", documentID), zap.Error(err))
		s.remove(ctx, documentID)
		return nil, false
	}
	return &model.Restored{Snapshot: snap, Version: ver, CapturedAt: snap.CapturedAt}, true
}

// Discard removes the local envelope of a document.
func (s *DraftServiceImpl) Discard(ctx context.Context, documentID string) error {
	return s.store.Remove(ctx, documentID)
}

// PurgeAll removes every draft under the store prefix and reports how many were removed.
func (s *DraftServiceImpl) PurgeAll(ctx context.Context) (int, error) {
	n, err := s.store.RemoveAllMatching(ctx, s.store.Prefix())
	s.rec.AddPurged(n)
	if err != nil {
		s.log.Warn("draft purge incomplete", zap.Int("removed", n), zap.Error(err))
		return n, err
	}
	s.log.Info("drafts purged", zap.Int("removed", n))
	return n, nil
}

// Pending lists documents that hold a local envelope.
func (s *DraftServiceImpl) Pending(ctx context.Context) ([]string, error) {
	return s.store.DocumentIDs(ctx)
}

func (s *DraftServiceImpl) remove(ctx context.Context, documentID string) {
	if err := s.store.Remove(ctx, documentID); err != nil {
		s.log.Warn("draft remove failed", zap.String("document_id", documentID), zap.Error(err))
	}
}
