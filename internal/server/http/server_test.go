package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

type fakeScheduler struct {
	mu       sync.Mutex
	states   map[string]model.SyncState
	success  map[string]time.Time
	lastErr  map[string]error
	flushed  []string
	flushErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		states:  map[string]model.SyncState{},
		success: map[string]time.Time{},
		lastErr: map[string]error{},
	}
}

func (f *fakeScheduler) State(id string) model.SyncState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[id]; ok {
		return st
	}
	return model.SyncState{Phase: model.PhaseIdle}
}

func (f *fakeScheduler) LastSuccess(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.success[id]
}

func (f *fakeScheduler) LastError(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr[id]
}

func (f *fakeScheduler) Flush(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushErr != nil {
		return f.flushErr
	}
	f.flushed = append(f.flushed, id)
	f.states[id] = model.SyncState{Phase: model.PhaseSyncing, Attempt: 1}
	return nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	online := false
	h := New(newFakeScheduler(), nil, func() bool { return online }, zaptest.NewLogger(t)).Handler()

	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"online":false}`, rec.Body.String())

	online = true
	rec = do(t, h, http.MethodGet, "/healthz")
	require.JSONEq(t, `{"online":true}`, rec.Body.String())
}

func TestServer_DraftState(t *testing.T) {
	t.Parallel()
	fs := newFakeScheduler()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fs.states["doc-1"] = model.SyncState{Phase: model.PhaseError, Cause: errors.New("http 400"), Since: at}
	fs.lastErr["doc-1"] = errors.New("http 400")
	fs.success["doc-1"] = at.Add(-time.Hour)
	h := New(fs, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/drafts/doc-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"document_id": "doc-1",
		"state": "error(http 400, recoverable=false)",
		"phase": "error",
		"recoverable": false,
		"since": "2026-01-02T03:04:05Z",
		"last_success": "2026-01-02T02:04:05Z",
		"last_error": "http 400"
	}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/drafts/unknown")
	require.JSONEq(t, `{"document_id":"unknown","state":"idle","phase":"idle"}`, rec.Body.String())
}

func TestServer_Flush(t *testing.T) {
	t.Parallel()
	fs := newFakeScheduler()
	h := New(fs, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/drafts/doc-1/flush")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"doc-1"}, fs.flushed)
	require.Contains(t, rec.Body.String(), `"state":"syncing(1)"`)

	rec = do(t, h, http.MethodGet, "/v1/drafts/doc-1/flush")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	fs.flushErr = errs.ErrClosed
	rec = do(t, h, http.MethodPost, "/v1/drafts/doc-1/flush")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dk_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	rec := do(t, New(newFakeScheduler(), reg, nil, nil).Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dk_test_total 3")

	rec = do(t, New(newFakeScheduler(), nil, nil, nil).Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(newFakeScheduler(), nil, nil, nil).Serve(ctx, lis) }()

	url := "http://" + lis.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("server did not stop")
	}
}
