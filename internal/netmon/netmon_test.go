package netmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeFlusher struct {
	flushes  atomic.Int32
	offlines atomic.Int32
	err      error
}

func (f *fakeFlusher) FlushPending(context.Context) error { f.flushes.Add(1); return f.err }
func (f *fakeFlusher) MarkOffline()                       { f.offlines.Add(1) }

func TestManual_NotifiesOnlyOnTransitions(t *testing.T) {
	t.Parallel()
	m := NewManual(true)
	var mu sync.Mutex
	var got []bool
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, online)
	})

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	unsub()
	unsub()
	m.SetOnline(false)

	require.Equal(t, []bool{false, true}, got)
	require.False(t, m.Online())
}

func TestBind(t *testing.T) {
	t.Parallel()
	m := NewManual(true)
	f := &fakeFlusher{err: errors.New("ignored")}
	unbind := Bind(m, f, nil)

	m.SetOnline(false)
	require.EqualValues(t, 1, f.offlines.Load())
	require.EqualValues(t, 0, f.flushes.Load())

	m.SetOnline(true)
	require.EqualValues(t, 1, f.flushes.Load())

	unbind()
	m.SetOnline(false)
	m.SetOnline(true)
	require.EqualValues(t, 1, f.offlines.Load())
	require.EqualValues(t, 1, f.flushes.Load())
}

func TestProber_CheckTransitions(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	p := NewProber(func(context.Context) error {
		if fail.Load() {
			return errors.New("unreachable")
		}
		return nil
	}, time.Second, testingclock.NewFakeClock(time.Now()), nil)

	var transitions atomic.Int32
	p.Subscribe(func(bool) { transitions.Add(1) })

	require.True(t, p.Online(), "prober starts optimistic")
	require.True(t, p.Check(context.Background()))
	require.EqualValues(t, 0, transitions.Load())

	fail.Store(true)
	require.False(t, p.Check(context.Background()))
	require.False(t, p.Check(context.Background()))
	require.EqualValues(t, 1, transitions.Load())

	fail.Store(false)
	require.True(t, p.Check(context.Background()))
	require.EqualValues(t, 2, transitions.Load())
}

func TestProber_RunPollsOnInterval(t *testing.T) {
	t.Parallel()
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var probes atomic.Int32
	p := NewProber(func(context.Context) error { probes.Add(1); return nil }, 3*time.Second, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return probes.Load() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)
	fc.Step(2 * time.Second)
	require.Never(t, func() bool { return probes.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	fc.Step(time.Second)
	require.Eventually(t, func() bool { return probes.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	probe := HTTPProbe(srv.Client(), srv.URL+"/healthz")
	require.NoError(t, probe(context.Background()), "any response means reachable")

	srv.Close()
	require.Error(t, probe(context.Background()))
}
