// Package store persists draft envelopes under namespaced keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/draft-keeper/internal/convert"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/repository"
)

// Default key namespace.
const (
	DefaultPrefix = "dk:draft:"
	DefaultSuffix = ":backup"
)

// Store maps documentIDs to envelope records in a KVRepository.
type Store struct {
	kv     repository.KVRepository
	prefix string
	suffix string
	log    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithSuffix overrides the key suffix.
func WithSuffix(sfx string) Option { return func(s *Store) { s.suffix = sfx } }

// WithLogger sets the logger used for self-healing reports.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// New constructs a Store over kv.
func New(kv repository.KVRepository, opts ...Option) *Store {
	s := &Store{kv: kv, prefix: DefaultPrefix, suffix: DefaultSuffix}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Prefix returns the configured key prefix.
func (s *Store) Prefix() string { return s.prefix }

// Key returns the storage key for a document.
func (s *Store) Key(documentID string) string {
	return s.prefix + documentID + s.suffix
}

// Put writes (replacing) the envelope for documentID.
// A full backend surfaces as errs.ErrQuotaExceeded.
func (s *Store) Put(ctx context.Context, documentID string, e model.Envelope) error {
	b, err := convert.MarshalEnvelope(e)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.Key(documentID), b); err != nil {
		return fmt.Errorf("put %s: %w", documentID, err)
	}
	return nil
}

// Get returns the envelope for documentID. A malformed entry is deleted and reported absent.
func (s *Store) Get(ctx context.Context, documentID string) (model.Envelope, bool, error) {
	key := s.Key(documentID)
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Envelope{}, false, nil
	}
	if err != nil {
		return model.Envelope{}, false, fmt.Errorf("get %s: %w", documentID, err)
	}
	e, err := convert.UnmarshalEnvelope(b)
	if err != nil {
		s.log.Warn("dropping malformed draft entry", zap.String("document_id", documentID), zap.Error(err))
		if derr := s.kv.Delete(ctx, key); derr != nil {
			s.log.Warn("delete malformed draft entry", zap.String("document_id", documentID), zap.Error(derr))
		}
		return model.Envelope{}, false, nil
	}
	return e, true, nil
}

// Remove deletes the envelope for documentID if present.
func (s *Store) Remove(ctx context.Context, documentID string) error {
	if err := s.kv.Delete(ctx, s.Key(documentID)); err != nil {
		return fmt.Errorf("remove %s: %w", documentID, err)
	}
	return nil
}

// RemoveAllMatching deletes every key that starts with prefix and ends with the draft suffix.
// It returns the number of deleted entries.
func (s *Store) RemoveAllMatching(ctx context.Context, prefix string) (int, error) {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %q: %w", prefix, err)
	}
	n := 0
	var firstErr error
	for _, k := range keys {
		if !strings.HasSuffix(k, s.suffix) {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %q: %w", k, err)
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// DocumentIDs lists documents that currently hold an entry.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) < len(s.prefix)+len(s.suffix) || !strings.HasSuffix(k, s.suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(k, s.prefix), s.suffix))
	}
	return out, nil
}
