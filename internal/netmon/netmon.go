// Package netmon tracks server reachability and wires it to the sync scheduler.
package netmon

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Monitor reports connectivity and notifies subscribers on transitions.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for transitions and returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Flusher is the part of the scheduler driven by connectivity changes.
type Flusher interface {
	FlushPending(ctx context.Context) error
	MarkOffline()
}

// Bind flushes pending drafts when m goes online and marks them offline when it goes offline.
func Bind(m Monitor, f Flusher, log *zap.Logger) (unbind func()) {
	if log == nil {
		log = zap.NewNop()
	}
	return m.Subscribe(func(online bool) {
		if !online {
			log.Info("network offline")
			f.MarkOffline()
			return
		}
		log.Info("network online, flushing pending drafts")
		if err := f.FlushPending(context.Background()); err != nil {
			log.Warn("flush pending drafts", zap.Error(err))
		}
	})
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
		})
	}
}

// notify calls subscribers outside the lock so they may (un)subscribe.
func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for i := 0; i < s.next; i++ {
		if fn, ok := s.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Manual is a Monitor driven by the host (platform signal, tests).
type Manual struct {
	mu     sync.RWMutex
	online bool
	subs   subscribers
}

// NewManual returns a Manual monitor in the given state.
func NewManual(online bool) *Manual { return &Manual{online: online} }

// Online implements Monitor.
func (m *Manual) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe(fn func(online bool)) func() { return m.subs.add(fn) }

// SetOnline updates the state and notifies subscribers only on a transition.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.subs.notify(online)
	}
}
