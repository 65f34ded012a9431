package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/repository/memory"
	"github.com/and161185/draft-keeper/internal/store"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu      sync.Mutex
	backups map[model.BackupStatus]int
	purged  int
}

func (r *fakeRecorder) ObserveBackup(s model.BackupStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backups == nil {
		r.backups = map[model.BackupStatus]int{}
	}
	r.backups[s]++
}

func (r *fakeRecorder) AddPurged(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged += n
}

type fixture struct {
	svc   *DraftServiceImpl
	kv    *memory.KV
	st    *store.Store
	clock *testingclock.FakeClock
	cred  *atomic.Value
	rec   *fakeRecorder
}

func newFixture(t *testing.T, quota int) *fixture {
	t.Helper()
	kv := memory.New(quota)
	st := store.New(kv)
	fc := testingclock.NewFakeClock(t0)
	cred := &atomic.Value{}
	cred.Store("token-1")
	p := clientcrypto.DefaultParams()
	p.Iterations = 1000
	ring := clientcrypto.NewKeyRing(clientcrypto.CredentialFunc(func() string { return cred.Load().(string) }), p, fc)
	rec := &fakeRecorder{}
	return &fixture{
		svc:   NewDraftService(st, ring, fc, rec, nil),
		kv:    kv,
		st:    st,
		clock: fc,
		cred:  cred,
		rec:   rec,
	}
}

func str(s string) *string { return &s }

func snap(text string) model.DraftSnapshot {
	return model.DraftSnapshot{Fields: map[string]*string{"note": str(text), "dx": nil}}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	out := f.svc.Backup(ctx, "doc", snap("first"), 4)
	require.True(t, out.OK(), "outcome: %+v", out)
	require.NoError(t, out.Err)

	r, ok := f.svc.Restore(ctx, "doc")
	require.True(t, ok)
	require.Equal(t, int64(4), r.Version)
	require.Equal(t, "first", *r.Snapshot.Fields["note"])
	require.Nil(t, r.Snapshot.Fields["dx"])
	require.True(t, r.CapturedAt.Equal(t0))
	require.Equal(t, 1, f.rec.backups[model.BackupStored])
}

func TestBackup_ReplacesPrevious(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	f.svc.Backup(ctx, "doc", snap("a"), 1)
	f.clock.Step(time.Second)
	f.svc.Backup(ctx, "doc", snap("b"), 2)

	require.Equal(t, 1, f.kv.Len())
	r, ok := f.svc.Restore(ctx, "doc")
	require.True(t, ok)
	require.Equal(t, "b", *r.Snapshot.Fields["note"])
	require.Equal(t, int64(2), r.Version)
}

func TestBackup_NoKeyWritesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	f.cred.Store("")

	out := f.svc.Backup(context.Background(), "doc", snap("x"), 1)
	require.Equal(t, model.BackupNoKey, out.Status)
	require.ErrorIs(t, out.Err, errs.ErrNoKey)
	require.Equal(t, 0, f.kv.Len())
}

func TestBackup_QuotaIsStorageUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 32)
	out := f.svc.Backup(context.Background(), "doc", snap("a long clinical note"), 1)
	require.Equal(t, model.BackupStorageUnavailable, out.Status)
	require.ErrorIs(t, out.Err, errs.ErrQuotaExceeded)
	require.False(t, out.OK())
}

func TestRestore_Absent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	r, ok := f.svc.Restore(context.Background(), "nothing")
	require.False(t, ok)
	require.Nil(t, r)
}

func TestRestore_ExpiredIsDeletedAndIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	f.svc.Backup(ctx, "doc", snap("old"), 1)

	f.clock.Step(DraftTTL)
	_, ok := f.svc.Restore(ctx, "doc")
	require.True(t, ok, "exactly 24h is still fresh")

	f.clock.Step(time.Millisecond)
	_, ok = f.svc.Restore(ctx, "doc")
	require.False(t, ok)
	require.Equal(t, 0, f.kv.Len())

	_, ok = f.svc.Restore(ctx, "doc")
	require.False(t, ok)
}

func TestRestore_NoKeyKeepsEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	f.svc.Backup(ctx, "doc", snap("x"), 1)

	f.cred.Store("")
	_, ok := f.svc.Restore(ctx, "doc")
	require.False(t, ok)
	require.Equal(t, 1, f.kv.Len())

	f.cred.Store("token-1")
	_, ok = f.svc.Restore(ctx, "doc")
	require.True(t, ok)
}

func TestRestore_RotatedKeyDeletesEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	f.svc.Backup(ctx, "doc", snap("x"), 1)

	f.cred.Store("token-2")
	_, ok := f.svc.Restore(ctx, "doc")
	require.False(t, ok)
	require.Equal(t, 0, f.kv.Len())
}

func TestRestore_CorruptEntrySelfHeals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, f.st.Key("doc"), []byte(`{"ciphertext":"AQID"}`)))

	_, ok := f.svc.Restore(ctx, "doc")
	require.False(t, ok)
	require.Equal(t, 0, f.kv.Len())
}

func TestDiscardPendingPurge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, f.svc.Backup(ctx, id, snap(id), 1).OK())
	}
	require.NoError(t, f.kv.Set(ctx, "prefs:D", []byte("d")))

	require.NoError(t, f.svc.Discard(ctx, "B"))
	ids, err := f.svc.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "C"}, ids)

	n, err := f.svc.PurgeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, f.rec.purged)
	ids, _ = f.svc.Pending(ctx)
	require.Empty(t, ids)
	_, err = f.kv.Get(ctx, "prefs:D")
	require.NoError(t, err)
}

type failingKeys struct{}

func (failingKeys) CurrentKey() (*clientcrypto.Key, error) { return nil, errors.New("kdf broke") }

func TestBackup_KeyFailureIsFailedOutcome(t *testing.T) {
	t.Parallel()
	svc := NewDraftService(store.New(memory.New(0)), failingKeys{}, nil, nil, nil)
	out := svc.Backup(context.Background(), "doc", snap("x"), 1)
	require.Equal(t, model.BackupFailed, out.Status)
	require.Error(t, out.Err)
}
