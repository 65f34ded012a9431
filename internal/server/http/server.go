// Package httpserver exposes sync status, manual flushes and metrics of a running dk watch.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/draft-keeper/internal/errs"
	"github.com/and161185/draft-keeper/internal/model"
)

const shutdownTimeout = 5 * time.Second

// Scheduler is the read side of the sync scheduler plus manual flush.
type Scheduler interface {
	State(documentID string) model.SyncState
	LastSuccess(documentID string) time.Time
	LastError(documentID string) error
	Flush(ctx context.Context, documentID string) error
}

// Server routes status requests to the scheduler.
type Server struct {
	sched    Scheduler
	gatherer prometheus.Gatherer
	online   func() bool
	log      *zap.Logger
}

// New constructs a Server. A nil gatherer disables /metrics, a nil online func reports always online.
func New(sched Scheduler, gatherer prometheus.Gatherer, online func() bool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Server{sched: sched, gatherer: gatherer, online: online, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/v1/drafts/{id}", s.draftState).Methods(http.MethodGet)
	r.HandleFunc("/v1/drafts/{id}/flush", s.flush).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Online bool `json:"online"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Online: s.online()})
}

// StateResponse is the JSON view of one document's sync status.
type StateResponse struct {
	DocumentID  string     `json:"document_id"`
	State       string     `json:"state"`
	Phase       string     `json:"phase"`
	QueuedCount int        `json:"queued_count,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	Recoverable *bool      `json:"recoverable,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// StateView renders a document's sync status.
func StateView(id string, st model.SyncState, lastSuccess time.Time, lastErr error) StateResponse {
	out := StateResponse{
		DocumentID:  id,
		State:       st.String(),
		Phase:       string(st.Phase),
		QueuedCount: st.QueuedCount,
		Attempt:     st.Attempt,
	}
	if out.Phase == "" {
		out.Phase = string(model.PhaseIdle)
	}
	if st.Phase == model.PhaseError {
		rec := st.Recoverable
		out.Recoverable = &rec
	}
	if !st.Since.IsZero() {
		t := st.Since.UTC()
		out.Since = &t
	}
	if !lastSuccess.IsZero() {
		t := lastSuccess.UTC()
		out.LastSuccess = &t
	}
	if lastErr != nil {
		out.LastError = lastErr.Error()
	}
	return out
}

func (s *Server) draftState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, StateView(id, s.sched.State(id), s.sched.LastSuccess(id), s.sched.LastError(id)))
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sched.Flush(r.Context(), id); err != nil {
		if errors.Is(err, errs.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "scheduler closed")
			return
		}
		s.log.Warn("flush", zap.String("document_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "flush failed")
		return
	}
	writeJSON(w, http.StatusAccepted, StateView(id, s.sched.State(id), s.sched.LastSuccess(id), s.sched.LastError(id)))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
