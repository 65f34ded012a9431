package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/netmon"
	"github.com/and161185/draft-keeper/internal/repository"
	"github.com/and161185/draft-keeper/internal/repository/memory"
	"github.com/and161185/draft-keeper/internal/service"
	"github.com/and161185/draft-keeper/internal/store"
	"github.com/and161185/draft-keeper/internal/syncer"
)

type countingRemote struct {
	mu   sync.Mutex
	reqs []model.PushRequest
}

func (r *countingRemote) SaveDraft(_ context.Context, req model.PushRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *countingRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

type env struct {
	sess   *Session
	sched  *syncer.Scheduler
	drafts *service.DraftServiceImpl
	kv     *memory.KV
	ring   *clientcrypto.KeyRing
	net    *netmon.Manual
	remote *countingRemote
	clock  *testingclock.FakeClock
}

// gatedKV blocks every Set until release is closed.
type gatedKV struct {
	*memory.KV
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Set(ctx context.Context, key string, value []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return g.KV.Set(ctx, key, value)
}

func newEnv(t *testing.T, online bool) *env {
	t.Helper()
	kv := memory.New(0)
	return newEnvWithKV(t, online, kv, kv)
}

func newEnvWithKV(t *testing.T, online bool, kv *memory.KV, backing repository.KVRepository) *env {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC))
	p := clientcrypto.DefaultParams()
	p.Iterations = 1000
	var cred atomic.Value
	cred.Store("tok")
	ring := clientcrypto.NewKeyRing(clientcrypto.CredentialFunc(func() string { return cred.Load().(string) }), p, fc)
	drafts := service.NewDraftService(store.New(backing), ring, fc, nil, nil)
	remote := &countingRemote{}
	net := netmon.NewManual(online)
	sched := syncer.New(remote, drafts, net, syncer.Options{Clock: fc})
	t.Cleanup(sched.Close)
	return &env{
		sess:   New(sched, drafts, ring, net, nil),
		sched:  sched,
		drafts: drafts,
		kv:     kv,
		ring:   ring,
		net:    net,
		remote: remote,
		clock:  fc,
	}
}

func (e *env) edit(t *testing.T, id string) {
	t.Helper()
	v := "text of " + id
	out := e.sched.Edit(context.Background(), id, model.DraftSnapshot{Fields: map[string]*string{"note": &v}}, 1)
	require.True(t, out.OK())
}

func TestLogout_PurgesAllDraftsAndKeepsUnrelatedKeys(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.sess.Mount(ctx))
	for _, id := range []string{"A", "B", "C"} {
		e.edit(t, id)
	}
	require.NoError(t, e.kv.Set(ctx, "prefs:D", []byte("theme=dark")))

	n, err := e.sess.Logout(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ids, err := e.drafts.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	_, err = e.kv.Get(ctx, "prefs:D")
	require.NoError(t, err)

	v := "after logout"
	out := e.sched.Edit(ctx, "A", model.DraftSnapshot{Fields: map[string]*string{"note": &v}}, 1)
	require.ErrorIs(t, out.Err, errs.ErrClosed)
	require.False(t, e.clock.HasWaiters())
}

func TestLogout_WaitsForBackupInProgress(t *testing.T) {
	mem := memory.New(0)
	kv := &gatedKV{KV: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnvWithKV(t, false, mem, kv)
	ctx := context.Background()

	edited := make(chan model.BackupOutcome, 1)
	go func() {
		v := "typed just before logout"
		edited <- e.sched.Edit(ctx, "A", model.DraftSnapshot{Fields: map[string]*string{"note": &v}}, 1)
	}()
	<-kv.entered

	type result struct {
		n   int
		err error
	}
	loggedOut := make(chan result, 1)
	go func() {
		n, err := e.sess.Logout(ctx)
		loggedOut <- result{n, err}
	}()

	select {
	case <-loggedOut:
		t.Fatal("logout finished while a backup was still being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(kv.release)
	res := <-loggedOut
	require.NoError(t, res.err)
	require.Equal(t, 1, res.n)
	<-edited

	keys, err := mem.Keys(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys, "no envelope may outlive logout")

	// an edit racing Close is rejected instead of written
	out := e.sched.Edit(ctx, "B", model.DraftSnapshot{}, 1)
	require.ErrorIs(t, out.Err, errs.ErrClosed)
	require.Equal(t, 0, mem.Len())
}

func TestMount_FlushesLeftoversWhenOnline(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	v := "left from a crash"
	require.True(t, e.drafts.Backup(ctx, "doc", model.DraftSnapshot{Fields: map[string]*string{"note": &v}}, 2).OK())

	require.NoError(t, e.sess.Mount(ctx))
	require.Eventually(t, func() bool { return e.remote.count() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.sched.Await(ctx, "doc"))
	ids, _ := e.drafts.Pending(ctx)
	require.Empty(t, ids)
}

func TestMount_OfflineMarksQueued(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.sess.Mount(ctx))
	e.edit(t, "doc")
	e.clock.Step(syncer.DefaultDebounce)
	require.Eventually(t, func() bool { return e.sched.State("doc").Phase == model.PhaseOffline }, 2*time.Second, time.Millisecond)

	e.net.SetOnline(true)
	require.Eventually(t, func() bool { return e.remote.count() == 1 }, 2*time.Second, time.Millisecond)
}

func TestUnmount_StopsAutomaticPushesButFinalizeWorks(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	require.NoError(t, e.sess.Mount(ctx))
	e.edit(t, "doc")
	e.sess.Unmount()
	require.False(t, e.clock.HasWaiters(), "debounce timers are cancelled")

	e.edit(t, "doc")
	e.clock.Step(time.Minute)
	require.Never(t, func() bool { return e.remote.count() > 0 }, 50*time.Millisecond, time.Millisecond)

	// connectivity changes no longer reach the scheduler
	e.net.SetOnline(false)
	require.Equal(t, model.PhaseIdle, e.sched.State("doc").Phase)

	e.net.SetOnline(true)
	require.NoError(t, e.sess.Finalize(ctx, "doc"))
	require.Eventually(t, func() bool { return e.remote.count() == 1 }, 2*time.Second, time.Millisecond)
}
