// Package session ties the draft engine to the editor and login lifecycle.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/draft-keeper/internal/netmon"
)

// Scheduler is the part of the sync scheduler driven by lifecycle events.
type Scheduler interface {
	netmon.Flusher
	Flush(ctx context.Context, documentID string) error
	Start()
	Stop()
	Teardown()
	Close()
}

// Purger removes every local draft.
type Purger interface {
	PurgeAll(ctx context.Context) (int, error)
}

// KeyForgetter drops cached key material.
type KeyForgetter interface {
	Forget()
}

// Session is the lifecycle of one editing session.
type Session struct {
	sched  Scheduler
	drafts Purger
	keys   KeyForgetter
	net    netmon.Monitor
	log    *zap.Logger

	mu      sync.Mutex
	unbind  func()
	mounted bool
}

// New constructs a Session. A nil monitor means connectivity is never observed.
func New(sched Scheduler, drafts Purger, keys KeyForgetter, net netmon.Monitor, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{sched: sched, drafts: drafts, keys: keys, net: net, log: log}
}

// Mount starts automatic pushes, subscribes to connectivity and flushes leftovers when online.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.sched.Start()
	online := true
	if s.net != nil {
		s.unbind = netmon.Bind(s.net, s.sched, s.log)
		online = s.net.Online()
	}
	s.mu.Unlock()

	if !online {
		s.sched.MarkOffline()
		return nil
	}
	return s.sched.FlushPending(ctx)
}

// Unmount stops automatic pushes and cancels debounce timers. In-flight pushes continue.
func (s *Session) Unmount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return
	}
	s.mounted = false
	if s.unbind != nil {
		s.unbind()
		s.unbind = nil
	}
	s.sched.Stop()
	s.sched.Teardown()
}

// Finalize pushes the document immediately, e.g. when the user signs the note.
func (s *Session) Finalize(ctx context.Context, documentID string) error {
	return s.sched.Flush(ctx, documentID)
}

// Logout closes the scheduler, purges every local draft and forgets the key.
func (s *Session) Logout(ctx context.Context) (int, error) {
	s.Unmount()
	s.sched.Close()
	n, err := s.drafts.PurgeAll(ctx)
	if s.keys != nil {
		s.keys.Forget()
	}
	if err != nil {
		return n, errors.Join(errors.New("logout purge incomplete"), err)
	}
	s.log.Info("logged out", zap.Int("drafts_purged", n))
	return n, nil
}
