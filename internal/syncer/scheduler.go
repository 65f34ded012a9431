// Package syncer pushes locally backed-up drafts to the server.
//
// Each document has its own debounce timer, at most one remote call in flight,
// a depth-1 queue behind it and a fixed backoff sequence for transient failures.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

// Defaults.
const (
	DefaultDebounce       = 750 * time.Millisecond
	DefaultRequestTimeout = 15 * time.Second
)

// DefaultBackoff returns the delays between attempts of one push.
func DefaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
}

// Push outcomes reported to the Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomePermanent = "permanent"
	OutcomeAuth      = "auth"
	OutcomeOffline   = "offline"
)

// RemoteSaver is the server's idempotent "save draft" endpoint.
type RemoteSaver interface {
	SaveDraft(ctx context.Context, req model.PushRequest) error
}

// Drafts is the local persistence the scheduler backs up to and purges from.
type Drafts interface {
	Backup(ctx context.Context, documentID string, s model.DraftSnapshot, version int64) model.BackupOutcome
	Restore(ctx context.Context, documentID string) (*model.Restored, bool)
	Discard(ctx context.Context, documentID string) error
	Pending(ctx context.Context) ([]string, error)
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// Recorder receives push and state metrics.
type Recorder interface {
	ObservePush(outcome string, elapsed time.Duration)
	ObserveState(phase model.SyncPhase)
}

type nopRecorder struct{}

func (nopRecorder) ObservePush(string, time.Duration) {}
func (nopRecorder) ObserveState(model.SyncPhase)      {}

// Options configures a Scheduler. Zero values get defaults.
type Options struct {
	Debounce       time.Duration
	Backoff        []time.Duration
	RequestTimeout time.Duration
	Clock          clock.WithDelayedExecution
	Logger         *zap.Logger
	Metrics        Recorder

	// NewIdempotencyKey generates the per-push key. Defaults to a random UUID.
	NewIdempotencyKey func() string

	OnSuccess     func(documentID string, version int64)
	OnError       func(documentID string, err error, recoverable bool)
	OnAuthFailure func(documentID string, err error)
	OnStateChange func(documentID string, st model.SyncState)
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
	if o.NewIdempotencyKey == nil {
		o.NewIdempotencyKey = func() string { return uuid.Must(uuid.NewV4()).String() }
	}
}

// Scheduler coalesces edits and pushes them to the server.
type Scheduler struct {
	remote RemoteSaver
	drafts Drafts
	net    Connectivity
	opts   Options
	clock  clock.WithDelayedExecution
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	docs    map[string]*doc
	events  []stateEvent
	stopped bool
	closed  bool
}

type job struct {
	req     model.PushRequest
	seq     uint64
	attempt int
}

type doc struct {
	// ioMu serialises local backup against post-success discard. Lock order: ioMu, then Scheduler.mu.
	ioMu sync.Mutex

	latest  *model.DraftSnapshot
	version int64
	seq     uint64

	debounce    clock.Timer
	debounceGen uint64
	retry       clock.Timer
	retryGen    uint64
	retryJob    *job

	inFlight bool
	queued   bool
	offline  bool

	key    string
	keySeq uint64

	state       model.SyncState
	lastSuccess time.Time
	lastErr     error
	settled     chan struct{}
}

type stateEvent struct {
	id string
	st model.SyncState
}

// New constructs a Scheduler. A nil Connectivity means always online.
func New(remote RemoteSaver, drafts Drafts, net Connectivity, opts Options) *Scheduler {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		remote: remote,
		drafts: drafts,
		net:    net,
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*doc),
	}
}

// Edit backs the snapshot up locally and (re)arms the debounce timer.
// The backup happens even while the scheduler is stopped.
func (s *Scheduler) Edit(ctx context.Context, documentID string, snap model.DraftSnapshot, version int64) model.BackupOutcome {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.BackupOutcome{Status: model.BackupFailed, Err: errs.ErrClosed}
	}
	d := s.docLocked(documentID)
	s.mu.Unlock()

	d.ioMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		d.ioMu.Unlock()
		return model.BackupOutcome{Status: model.BackupFailed, Err: errs.ErrClosed}
	}
	cp := snap.Clone()
	if cp.CapturedAt.IsZero() {
		cp.CapturedAt = s.clock.Now()
	}
	cp.Version = version
	d.seq++
	d.latest = &cp
	d.version = version
	s.mu.Unlock()
	out := s.drafts.Backup(ctx, documentID, cp, version)
	d.ioMu.Unlock()

	s.mu.Lock()
	if !s.stopped && !s.closed {
		s.armDebounceLocked(documentID, d)
	}
	s.unlockAndNotify()
	return out
}

// Flush pushes a document now, bypassing the debounce window. When nothing is
// held in memory the snapshot is restored from local storage.
func (s *Scheduler) Flush(ctx context.Context, documentID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	d := s.docLocked(documentID)
	s.stopDebounceLocked(d)
	if d.latest == nil {
		s.mu.Unlock()
		r, ok := s.drafts.Restore(ctx, documentID)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errs.ErrClosed
		}
		if ok && d.latest == nil {
			snap := r.Snapshot
			d.latest = &snap
			d.version = r.Version
			d.seq++
		}
	}
	s.startPushLocked(documentID, d)
	s.unlockAndNotify()
	return nil
}

// FlushPending flushes every document with an offline-queued push or a local envelope.
func (s *Scheduler) FlushPending(ctx context.Context) error {
	ids := make(map[string]struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	for id, d := range s.docs {
		if d.offline || (d.latest != nil && !d.inFlight) {
			ids[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	pending, err := s.drafts.Pending(ctx)
	if err != nil {
		s.log.Warn("list pending drafts", zap.Error(err))
	}
	for _, id := range pending {
		ids[id] = struct{}{}
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	for _, id := range ordered {
		if err := s.Flush(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkOffline moves documents with unsynced edits to the offline state.
// In-flight pushes are left to finish or fail on their own.
func (s *Scheduler) MarkOffline() {
	s.mu.Lock()
	for _, d := range s.docs {
		if d.latest != nil && !d.inFlight {
			d.offline = true
		}
	}
	s.refreshOfflineLocked()
	s.unlockAndNotify()
}

// Stop suppresses new automatic pushes. Edits are still backed up and Flush still works.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Start resumes automatic pushes and re-arms debounce for documents with unsynced edits.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	for id, d := range s.docs {
		if d.latest != nil && d.debounce == nil && d.retry == nil && !d.inFlight && !d.offline {
			s.armDebounceLocked(id, d)
		}
	}
	s.unlockAndNotify()
}

// Teardown cancels pending debounce timers. In-flight pushes and their retries continue.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	for _, d := range s.docs {
		s.stopDebounceLocked(d)
		s.updateSettledLocked(d)
	}
	s.unlockAndNotify()
}

// Close cancels every timer and in-flight call. Later edits are rejected with errs.ErrClosed.
// It returns only after local backups that were already writing have finished, so a purge
// that follows Close sees every envelope.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	docs := make([]*doc, 0, len(s.docs))
	for _, d := range s.docs {
		s.stopDebounceLocked(d)
		if d.retry != nil {
			d.retry.Stop()
			d.retry, d.retryJob = nil, nil
		}
		s.updateSettledLocked(d)
		docs = append(docs, d)
	}
	s.mu.Unlock()
	s.cancel()

	for _, d := range docs {
		d.ioMu.Lock()
		//nolint:staticcheck // empty critical section waits out a running backup
		d.ioMu.Unlock()
	}
}

// State returns the observable state of a document.
func (s *Scheduler) State(documentID string) model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok || d.state.Phase == "" {
		return model.SyncState{Phase: model.PhaseIdle}
	}
	return d.state
}

// LastSuccess returns the time of the last accepted push, zero if none.
func (s *Scheduler) LastSuccess(documentID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[documentID]; ok {
		return d.lastSuccess
	}
	return time.Time{}
}

// LastError returns the most recent push failure, nil after a success.
func (s *Scheduler) LastError(documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[documentID]; ok {
		return d.lastErr
	}
	return nil
}

// Await blocks until the document has nothing debouncing, retrying or in flight.
func (s *Scheduler) Await(ctx context.Context, documentID string) error {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok || d.settled == nil {
		s.mu.Unlock()
		return nil
	}
	ch := d.settled
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) docLocked(id string) *doc {
	d, ok := s.docs[id]
	if !ok {
		d = &doc{}
		s.docs[id] = d
	}
	return d
}

func (s *Scheduler) online() bool {
	return s.net == nil || s.net.Online()
}

func (s *Scheduler) armDebounceLocked(id string, d *doc) {
	s.stopDebounceLocked(d)
	d.debounceGen++
	gen := d.debounceGen
	// the fake clock runs callbacks under its own lock
	d.debounce = s.clock.AfterFunc(s.opts.Debounce, func() { go s.debounceFired(id, gen) })
	s.updateSettledLocked(d)
}

func (s *Scheduler) stopDebounceLocked(d *doc) {
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
}

func (s *Scheduler) debounceFired(id string, gen uint64) {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.debounce == nil || d.debounceGen != gen {
		s.mu.Unlock()
		return
	}
	d.debounce = nil
	if s.stopped || s.closed {
		s.updateSettledLocked(d)
		s.unlockAndNotify()
		return
	}
	s.startPushLocked(id, d)
	s.unlockAndNotify()
}

// startPushLocked begins a push of the latest snapshot, queues it behind an
// in-flight call or parks it while offline.
func (s *Scheduler) startPushLocked(id string, d *doc) {
	defer s.updateSettledLocked(d)
	if d.inFlight {
		d.queued = true
		return
	}
	if d.retry != nil {
		d.retry.Stop()
		d.retry, d.retryJob = nil, nil
	}
	if d.latest == nil {
		return
	}
	if !s.online() {
		if !d.offline {
			s.opts.Metrics.ObservePush(OutcomeOffline, 0)
		}
		d.offline = true
		s.refreshOfflineLocked()
		return
	}
	wasOffline := d.offline
	d.offline = false
	if wasOffline {
		s.refreshOfflineLocked()
	}
	// the same content keeps its idempotency key across retries and re-flushes
	if d.key == "" || d.keySeq != d.seq {
		d.key = s.opts.NewIdempotencyKey()
		d.keySeq = d.seq
	}
	snap := d.latest.Clone()
	j := &job{
		req: model.PushRequest{
			DocumentID:     id,
			IdempotencyKey: d.key,
			Fields:         snap.Fields,
			Version:        d.version,
		},
		seq: d.seq,
	}
	d.inFlight = true
	go s.attempt(j)
}

func (s *Scheduler) attempt(j *job) {
	id := j.req.DocumentID
	j.attempt++

	s.mu.Lock()
	d := s.docLocked(id)
	if s.closed {
		d.inFlight = false
		s.updateSettledLocked(d)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(id, d, model.SyncState{Phase: model.PhaseSyncing, Attempt: j.attempt})
	s.unlockAndNotify()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	start := s.clock.Now()
	err := s.remote.SaveDraft(ctx, j.req)
	cancel()
	elapsed := s.clock.Since(start)

	if err == nil {
		s.opts.Metrics.ObservePush(OutcomeSuccess, elapsed)
		s.succeeded(j)
		return
	}
	s.failed(j, err, elapsed)
}

func (s *Scheduler) succeeded(j *job) {
	id := j.req.DocumentID
	s.mu.Lock()
	d := s.docLocked(id)
	s.mu.Unlock()

	d.ioMu.Lock()
	s.mu.Lock()
	discard := d.seq == j.seq
	s.mu.Unlock()
	var derr error
	if discard {
		derr = s.drafts.Discard(context.Background(), id)
	}
	d.ioMu.Unlock()
	if derr != nil {
		s.log.Warn("discard synced draft", zap.String("document_id", id), zap.Error(derr))
	}

	s.mu.Lock()
	d.inFlight = false
	d.lastSuccess = s.clock.Now()
	d.lastErr = nil
	if discard {
		d.latest = nil
		d.key = ""
	}
	s.setStateLocked(id, d, model.SyncState{Phase: model.PhaseIdle})
	queued := d.queued
	d.queued = false
	if queued && d.latest != nil && !s.closed {
		s.startPushLocked(id, d)
	}
	s.updateSettledLocked(d)
	s.unlockAndNotify()

	s.log.Debug("draft synced", zap.String("document_id", id), zap.Int64("version", j.req.Version), zap.Int("attempt", j.attempt))
	if s.opts.OnSuccess != nil {
		s.opts.OnSuccess(id, j.req.Version)
	}
}

func (s *Scheduler) failed(j *job, err error, elapsed time.Duration) {
	id := j.req.DocumentID
	class := Classify(err)

	s.mu.Lock()
	d := s.docLocked(id)
	d.lastErr = err
	if s.closed {
		d.inFlight = false
		s.updateSettledLocked(d)
		s.mu.Unlock()
		return
	}

	if class == Transient && j.attempt <= len(s.opts.Backoff) {
		delay := s.opts.Backoff[j.attempt-1]
		d.inFlight = false
		d.queued = false
		d.retryGen++
		gen := d.retryGen
		d.retryJob = j
		d.retry = s.clock.AfterFunc(delay, func() { go s.retryFired(id, gen) })
		s.updateSettledLocked(d)
		s.mu.Unlock()

		s.opts.Metrics.ObservePush(OutcomeRetry, elapsed)
		s.log.Info("draft push failed, retrying",
			zap.String("document_id", id), zap.Int("attempt", j.attempt),
			zap.Duration("backoff", delay), zap.Error(err))
		return
	}

	recoverable := class == Transient
	d.inFlight = false
	s.setStateLocked(id, d, model.SyncState{Phase: model.PhaseError, Cause: err, Recoverable: recoverable})
	queued := d.queued
	d.queued = false
	if queued && d.seq != j.seq {
		s.startPushLocked(id, d)
	}
	s.updateSettledLocked(d)
	s.unlockAndNotify()

	outcome := OutcomePermanent
	switch {
	case class == Auth:
		outcome = OutcomeAuth
	case recoverable:
		outcome = OutcomeExhausted
	}
	s.opts.Metrics.ObservePush(outcome, elapsed)
	s.log.Warn("draft push failed",
		zap.String("document_id", id), zap.Int("attempt", j.attempt),
		zap.Stringer("class", class), zap.Bool("recoverable", recoverable), zap.Error(err))

	if s.opts.OnError != nil {
		s.opts.OnError(id, err, recoverable)
	}
	if class == Auth && s.opts.OnAuthFailure != nil {
		s.opts.OnAuthFailure(id, err)
	}
}

func (s *Scheduler) retryFired(id string, gen uint64) {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.retry == nil || d.retryGen != gen {
		s.mu.Unlock()
		return
	}
	j := d.retryJob
	d.retry, d.retryJob = nil, nil
	switch {
	case s.closed:
		s.updateSettledLocked(d)
	case !s.online():
		d.offline = true
		s.refreshOfflineLocked()
		s.updateSettledLocked(d)
	case d.seq != j.seq:
		// a newer edit supersedes the failed snapshot
		s.startPushLocked(id, d)
	default:
		d.inFlight = true
		s.updateSettledLocked(d)
		s.unlockAndNotify()
		s.attempt(j)
		return
	}
	s.unlockAndNotify()
}

// refreshOfflineLocked publishes offline(queuedCount) to every parked document.
func (s *Scheduler) refreshOfflineLocked() {
	n := 0
	for _, d := range s.docs {
		if d.offline {
			n++
		}
	}
	for id, d := range s.docs {
		if !d.offline {
			continue
		}
		if d.state.Phase == model.PhaseOffline && d.state.QueuedCount == n {
			continue
		}
		s.setStateLocked(id, d, model.SyncState{Phase: model.PhaseOffline, QueuedCount: n})
	}
}

func (s *Scheduler) setStateLocked(id string, d *doc, st model.SyncState) {
	st.Since = s.clock.Now()
	d.state = st
	s.events = append(s.events, stateEvent{id: id, st: st})
	s.opts.Metrics.ObserveState(st.Phase)
}

func (s *Scheduler) updateSettledLocked(d *doc) {
	busy := d.debounce != nil || d.retry != nil || d.inFlight
	switch {
	case busy && d.settled == nil:
		d.settled = make(chan struct{})
	case !busy && d.settled != nil:
		close(d.settled)
		d.settled = nil
	}
}

// unlockAndNotify releases s.mu and delivers queued state changes outside the lock.
func (s *Scheduler) unlockAndNotify() {
	events := s.events
	s.events = nil
	s.mu.Unlock()
	if s.opts.OnStateChange == nil {
		return
	}
	for _, e := range events {
		s.opts.OnStateChange(e.id, e.st)
	}
}
