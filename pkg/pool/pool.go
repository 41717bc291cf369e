// Package pool owns the set of live backend.Connection instances: starting
// them all concurrently, restarting any that fail or degrade with bounded
// exponential backoff, and providing the single Call entry point the
// dispatcher uses to reach a named backend.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
)

// RestartPolicy bounds how aggressively the pool retries a failed backend.
type RestartPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRestartPolicy matches spec.md §4.2's guidance: quick first retry,
// capped backoff, give up trying to auto-heal (but keep the last known
// state) after a few minutes of continuous failure.
var DefaultRestartPolicy = RestartPolicy{
	InitialInterval: 1 * time.Second,
	MaxInterval:     60 * time.Second,
	MaxElapsedTime:  5 * time.Minute,
}

// DefaultReadyGracePeriod matches the initialize handshake timeout: /ready
// reports healthy once any backend is ready, or once this much time has
// passed since the pool started, whichever comes first (spec.md §6).
const DefaultReadyGracePeriod = 45 * time.Second

// Pool is the concurrency-safe backend_id -> *backend.Connection registry.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*backend.Connection
	policy      RestartPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt        time.Time
	readyGracePeriod time.Duration

	onReady atomic.Pointer[func(id string, tools []backend.Tool)]
}

// New builds an empty Pool bound to ctx: cancelling ctx (or calling Close)
// stops every restart loop and tears down every connection.
func New(ctx context.Context, policy RestartPolicy) *Pool {
	runCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		connections:      make(map[string]*backend.Connection),
		policy:           policy,
		ctx:              runCtx,
		cancel:           cancel,
		startedAt:        time.Now(),
		readyGracePeriod: DefaultReadyGracePeriod,
	}
}

// ReadyStatus is the body the dispatcher's /ready handler serializes.
type ReadyStatus struct {
	Ready        bool     `json:"ready"`
	ReadyCount   int      `json:"readyCount"`
	PendingCount int      `json:"pendingCount"`
	Pending      []string `json:"pending,omitempty"`
}

// Ready reports whether the pool should be considered ready: at least one
// backend has reached StateReady, or the startup grace period has elapsed
// (spec.md §6's "degrade gracefully rather than block forever" rule, refined
// with a concrete, operable window).
func (p *Pool) Ready() ReadyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := ReadyStatus{}
	for id, c := range p.connections {
		if c.State() == backend.StateReady {
			status.ReadyCount++
		} else {
			status.PendingCount++
			status.Pending = append(status.Pending, id)
		}
	}

	status.Ready = status.ReadyCount > 0 || time.Since(p.startedAt) >= p.readyGracePeriod
	return status
}

// StartAll constructs one Connection per descriptor and dials all of them
// concurrently via errgroup, returning once every Start attempt (success or
// failure) has completed. A per-backend failure does not prevent the others
// from starting — the pool surfaces which backends failed so the caller can
// decide whether to continue or abort startup.
func (p *Pool) StartAll(ctx context.Context, descriptors map[string]config.BackendDescriptor) map[string]error {
	p.mu.Lock()
	for id, desc := range descriptors {
		conn := backend.NewConnection(desc)
		conn.OnDegrade(p.onDegrade)
		conn.OnReady(p.dispatchReady)
		p.connections[id] = conn
	}
	p.mu.Unlock()

	results := make(map[string]error, len(descriptors))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for id := range descriptors {
		id := id
		g.Go(func() error {
			conn := p.Get(id)
			err := conn.Start(gctx)
			resultsMu.Lock()
			results[id] = err
			resultsMu.Unlock()
			if err != nil {
				p.scheduleRestart(id)
			}
			return nil // never abort siblings over one backend's failure
		})
	}
	_ = g.Wait()

	return results
}

// OnReady registers a callback invoked every time any backend's tool
// discovery completes successfully — the initial start and every
// restart's re-discovery alike. The catalog uses this to keep its
// per-backend slice current without the pool needing to import
// pkg/catalog (spec.md §9's one-way dependency order).
func (p *Pool) OnReady(fn func(id string, tools []backend.Tool)) {
	p.onReady.Store(&fn)
}

func (p *Pool) dispatchReady(id string, tools []backend.Tool) {
	if fn := p.onReady.Load(); fn != nil {
		(*fn)(id, tools)
	}
}

// Get returns the Connection for id, or nil if no such backend is
// registered.
func (p *Pool) Get(id string) *backend.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[id]
}

// IDs returns every registered backend id.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.connections))
	for id := range p.connections {
		ids = append(ids, id)
	}
	return ids
}

// Call dispatches one tools/call (or any other method) to the named
// backend. It does not hold the pool's lock across the network await: the
// Connection is fetched, the lock released, then Call proceeds on it.
func (p *Pool) Call(ctx context.Context, backendID, method string, params []byte, timeout time.Duration) (*jsonrpc.Response, error) {
	conn := p.Get(backendID)
	if conn == nil {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, "unknown backend: "+backendID)
	}
	return conn.Call(ctx, method, params, timeout)
}

func (p *Pool) onDegrade(id string, err error) {
	logger.Warnw("pool observed backend degrade", "backend_id", id, "error", err)
	p.scheduleRestart(id)
}

// scheduleRestart launches (if not already running) a bounded-backoff retry
// loop for id. Multiple degrade signals for the same backend while a retry
// loop is already in flight are coalesced by the loop itself re-checking
// connection state.
func (p *Pool) scheduleRestart(id string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.restartLoop(id)
	}()
}

func (p *Pool) restartLoop(id string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.InitialInterval
	b.MaxInterval = p.policy.MaxInterval
	b.Multiplier = 2

	deadline := time.Now().Add(p.policy.MaxElapsedTime)
	for {
		conn := p.Get(id)
		if conn == nil || conn.State() == backend.StateStopped {
			return
		}
		if conn.State() == backend.StateReady {
			return
		}
		if time.Now().After(deadline) {
			logger.Warnw("giving up restarting backend after max elapsed time", "backend_id", id)
			return
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			next = p.policy.MaxInterval
		}
		select {
		case <-time.After(next):
		case <-p.ctx.Done():
			return
		}

		if err := conn.Start(p.ctx); err != nil {
			logger.Warnw("backend restart attempt failed", "backend_id", id, "error", err)
			continue
		}
		logger.Infow("backend restarted successfully", "backend_id", id)
		return
	}
}

// Close stops every connection and every in-flight restart loop.
func (p *Pool) Close(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()

	p.mu.RLock()
	conns := make([]*backend.Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
