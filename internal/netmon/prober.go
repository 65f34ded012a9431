package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultProbeInterval is the polling cadence of a Prober.
const DefaultProbeInterval = 3 * time.Second

// ProbeFunc returns nil when the server is reachable.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe treats any HTTP response from url as reachable.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

// Prober is a Monitor that polls a ProbeFunc. It starts optimistic (online).
type Prober struct {
	probe    ProbeFunc
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger

	mu     sync.RWMutex
	online bool
	subs   subscribers
}

// NewProber constructs a Prober. Zero interval and nil clock/logger get defaults.
func NewProber(probe ProbeFunc, interval time.Duration, clk clock.Clock, log *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{probe: probe, interval: interval, clock: clk, log: log, online: true}
}

// Online implements Monitor.
func (p *Prober) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// Subscribe implements Monitor.
func (p *Prober) Subscribe(fn func(online bool)) func() { return p.subs.add(fn) }

// Check probes once, records the result and notifies on a transition.
func (p *Prober) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.interval)
	err := p.probe(pctx)
	cancel()
	online := err == nil

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		p.log.Debug("connectivity changed", zap.Bool("online", online), zap.Error(err))
		p.subs.notify(online)
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
	}
}
