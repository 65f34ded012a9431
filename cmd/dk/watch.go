package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/netmon"
	httpserver "github.com/and161185/draft-keeper/internal/server/http"
	"github.com/and161185/draft-keeper/internal/session"
	"github.com/and161185/draft-keeper/internal/syncer"
)

const (
	probeTimeout = 2 * time.Second
	maxLineLen   = 1 << 20
)

// Watch input operations.
const (
	opEdit    = "edit"
	opFlush   = "flush"
	opUnmount = "unmount"
	opMount   = "mount"
)

// editEvent is one line of watch input.
type editEvent struct {
	Op      string             `json:"op,omitempty"`
	Doc     string             `json:"doc"`
	Fields  map[string]*string `json:"fields,omitempty"`
	Version int64              `json:"version,omitempty"`
}

func decodeEvent(line []byte) (editEvent, error) {
	var ev editEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, fmt.Errorf("bad input line: %w", err)
	}
	if ev.Op == "" {
		ev.Op = opEdit
	}
	switch ev.Op {
	case opEdit, opFlush:
		if ev.Doc == "" {
			return ev, fmt.Errorf("%s: missing doc", ev.Op)
		}
	case opMount, opUnmount:
	default:
		return ev, fmt.Errorf("unknown op %q", ev.Op)
	}
	return ev, nil
}

// stateEvent is one line of watch output.
type stateEvent struct {
	Doc       string    `json:"doc"`
	State     string    `json:"state,omitempty"`
	Backup    string    `json:"backup,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"at"`
}

// lineWriter serialises JSON lines from scheduler callbacks.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter { return &lineWriter{enc: json.NewEncoder(w)} }

func (w *lineWriter) write(ev stateEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(ev)
}

type watchOptions struct {
	metricsAddr string
}

func newWatchCmd(o *rootOptions) *cobra.Command {
	wo := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Back up and sync JSON-lines edits from stdin until EOF",
		Long: `Reads one JSON object per line from stdin:
  {"doc":"note-1","fields":{"body":"..."},"version":3}   edit (default op)
  {"op":"flush","doc":"note-1"}                          push now
  {"op":"unmount"} / {"op":"mount"}                      pause / resume automatic pushes
State changes are written to stdout as JSON lines. At EOF every edited
document is flushed and awaited.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app) error {
				if a.cfg.Remote.BaseURL == "" {
					return errNoRemote
				}
				addr := a.cfg.Metrics.Addr
				if wo.metricsAddr != "" {
					addr = wo.metricsAddr
				}
				return runWatch(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout(), addr)
			})
		},
	}
	cmd.Flags().StringVar(&wo.metricsAddr, "metrics-addr", "", "serve /metrics and draft status on this address")
	return cmd
}

func runWatch(ctx context.Context, a *app, in io.Reader, out io.Writer, metricsAddr string) error {
	lw := newLineWriter(out)
	clk := clock.RealClock{}

	var (
		mon    netmon.Monitor
		prober *netmon.Prober
	)
	if a.cfg.Network.ProbeURL != "" {
		prober = netmon.NewProber(
			netmon.HTTPProbe(&http.Client{Timeout: probeTimeout}, a.cfg.Network.ProbeURL),
			a.cfg.Network.ProbeInterval, clk, a.log)
		mon = prober
	} else {
		mon = netmon.NewManual(true)
	}

	opts := a.schedulerOptions()
	opts.OnStateChange = func(id string, st model.SyncState) {
		lw.write(stateEvent{Doc: id, State: st.String(), Timestamp: clk.Now().UTC()})
	}
	opts.OnAuthFailure = func(id string, err error) {
		a.log.Warn("server rejected credential, run dk login", zap.String("document_id", id))
	}
	sched, err := a.newScheduler(mon, opts)
	if err != nil {
		return err
	}
	defer sched.Close()

	sess := session.New(sched, a.drafts, a.keys, mon, a.log)
	if prober != nil {
		prober.Check(ctx)
	}
	if err := sess.Mount(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if prober != nil {
		g.Go(func() error { return ignoreCanceled(prober.Run(gctx)) })
	}
	if metricsAddr != "" {
		srv := httpserver.New(sched, a.metrics.Registry(), mon.Online, a.log)
		g.Go(func() error { return srv.ListenAndServe(gctx, metricsAddr) })
	}
	g.Go(func() error {
		defer cancel()
		touched, err := consume(gctx, in, sched, sess, lw, clk)
		if err != nil {
			return err
		}
		return finish(gctx, sched, touched)
	})

	err = g.Wait()
	sess.Unmount()
	return ignoreCanceled(err)
}

// consume applies input lines until EOF and returns the documents it edited.
func consume(ctx context.Context, in io.Reader, sched *syncer.Scheduler, sess *session.Session, lw *lineWriter, clk clock.PassiveClock) ([]string, error) {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	seen := make(map[string]struct{})
	var touched []string
	for {
		select {
		case <-ctx.Done():
			return touched, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return touched, <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			ev, err := decodeEvent(line)
			if err != nil {
				lw.write(stateEvent{Error: err.Error(), Timestamp: clk.Now().UTC()})
				continue
			}
			switch ev.Op {
			case opEdit:
				res := sched.Edit(ctx, ev.Doc, model.DraftSnapshot{Fields: ev.Fields}, ev.Version)
				if !res.OK() {
					lw.write(stateEvent{Doc: ev.Doc, Backup: string(res.Status), Timestamp: clk.Now().UTC()})
				}
				if _, ok := seen[ev.Doc]; !ok {
					seen[ev.Doc] = struct{}{}
					touched = append(touched, ev.Doc)
				}
			case opFlush:
				if err := sess.Finalize(ctx, ev.Doc); err != nil {
					return touched, err
				}
			case opUnmount:
				sess.Unmount()
			case opMount:
				if err := sess.Mount(ctx); err != nil {
					return touched, err
				}
			}
		}
	}
}

// finish flushes every edited document and waits for each to settle.
func finish(ctx context.Context, sched *syncer.Scheduler, ids []string) error {
	for _, id := range ids {
		if err := sched.Flush(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := sched.Await(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
